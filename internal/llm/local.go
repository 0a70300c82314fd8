package llm

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/normanking/conductor/pkg/types"
)

// LocalLoader serves models whose weights live on the local filesystem.
// The weights directory gives the cache an honest memory estimate; actual
// inference is fronted by a local runtime speaking the Ollama API, which is
// how on-disk weights are served here without linking an inference engine
// into this process.
type LocalLoader struct {
	// dir is the root directory holding model subdirectories.
	dir string

	// runtime performs the actual generation once the weights are verified.
	runtime *OllamaLoader
}

// NewLocalLoader creates a loader rooted at dir, with inference served by
// the runtime at endpoint.
func NewLocalLoader(dir, endpoint string) *LocalLoader {
	return &LocalLoader{
		dir:     dir,
		runtime: NewOllamaLoader(endpoint),
	}
}

// Source returns "local".
func (l *LocalLoader) Source() string { return "local" }

// Load verifies the weights directory for spec.Ref exists, measures it, and
// returns a handle whose generation goes through the local runtime.
func (l *LocalLoader) Load(ctx context.Context, spec types.ModelSpec) (Handle, error) {
	modelDir := filepath.Join(l.dir, filepath.Clean(spec.Ref))
	info, err := os.Stat(modelDir)
	if err != nil {
		return nil, fmt.Errorf("local model %q: %w", spec.Ref, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local model %q: %s is not a directory", spec.Ref, modelDir)
	}

	size, err := dirSize(modelDir)
	if err != nil {
		return nil, fmt.Errorf("local model %q: %w", spec.Ref, err)
	}

	inner, err := l.runtime.Load(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("local runtime: %w", err)
	}

	mem := spec.MemoryBytes
	if mem == 0 {
		mem = size
	}
	return &localHandle{Handle: inner, model: spec.Ref, memory: mem}, nil
}

// dirSize sums the sizes of all regular files under root.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// localHandle wraps a runtime handle with the on-disk memory estimate.
type localHandle struct {
	Handle
	model  string
	memory int64
}

func (h *localHandle) Name() string       { return "local/" + h.model }
func (h *localHandle) MemoryBytes() int64 { return h.memory }
