package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/normanking/conductor/pkg/types"
)

// Service dispatches model loads to the loader registered for each source.
// It is the single entry point the orchestration core uses; which backend
// actually serves a model is a config detail, never workflow logic.
type Service struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

// ServiceConfig carries what the built-in loaders need.
type ServiceConfig struct {
	// LocalDir is the root directory for "local" model weights.
	LocalDir string

	// OllamaEndpoint is the default Ollama server address.
	OllamaEndpoint string

	// APIKeys maps provider name to credential ("openai", "anthropic").
	APIKeys map[string]string
}

// NewService creates a service with the standard loaders registered.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{loaders: make(map[string]Loader)}
	s.Register(NewLocalLoader(cfg.LocalDir, cfg.OllamaEndpoint))
	s.Register(NewOllamaLoader(cfg.OllamaEndpoint))
	s.Register(NewOpenAILoader("", cfg.APIKeys["openai"]))
	s.Register(NewAnthropicLoader("", cfg.APIKeys["anthropic"]))
	return s
}

// Register adds or replaces the loader for its source.
func (s *Service) Register(l Loader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaders[l.Source()] = l
}

// Load resolves the loader for spec.Source and loads the handle.
func (s *Service) Load(ctx context.Context, spec types.ModelSpec) (Handle, error) {
	s.mu.RLock()
	l, ok := s.loaders[spec.Source]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no loader registered for source %q (have %v)", spec.Source, s.Sources())
	}
	return l.Load(ctx, spec)
}

// Sources lists registered loader sources, sorted.
func (s *Service) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.loaders))
	for name := range s.loaders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
