// Command conductor runs the request orchestration core: it routes
// natural-language queries to registered domains, activates their models
// through a bounded resource cache, and drives each request through the
// validation workflow.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/metrics"
	"github.com/normanking/conductor/internal/modelcache"
	"github.com/normanking/conductor/internal/retrieval"
	"github.com/normanking/conductor/internal/router"
	"github.com/normanking/conductor/internal/validation"
	"github.com/normanking/conductor/internal/workflow"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Multi-domain request orchestration core",
		Long: `Conductor classifies natural-language requests into registered domains,
activates per-domain models through a bounded LRU cache, fuses local and
global retrieval context, and validates every response before returning it.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newRouteCmd(),
		newDomainsCmd(),
		newStatsCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the conductor version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conductor %s\n", Version)
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with the event observer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			rt, err := buildRuntime(cfg, true)
			if err != nil {
				return err
			}
			defer rt.close()

			var observer *bus.Observer
			if cfg.Observer.Enabled {
				observer = bus.NewObserver(rt.bus, bus.ObserverConfig{
					Port:          cfg.Observer.Port,
					ReplayHistory: true,
					HistoryCount:  cfg.Observer.HistoryCount,
				}, logging.Component("observer"))
				if err := observer.Start(); err != nil {
					return fmt.Errorf("start observer: %w", err)
				}
				defer observer.Stop()
			}

			log := logging.Component("serve")
			log.Info().Int("domains", len(cfg.Domains)).Msg("conductor running, press Ctrl+C to stop")

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			log.Info().Msg("shutting down")
			return nil
		},
	}
}

func newRouteCmd() *cobra.Command {
	var contextPairs []string

	cmd := &cobra.Command{
		Use:   "route <query>",
		Short: "Process one query and print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// Results go to stdout; keep the console log out of the way.
			cfg.Logging.Level = "error"

			rt, err := buildRuntime(cfg, false)
			if err != nil {
				return err
			}
			defer rt.close()

			callerCtx := make(map[string]string, len(contextPairs))
			for _, pair := range contextPairs {
				k, v, ok := strings.Cut(pair, "=")
				if !ok {
					return fmt.Errorf("invalid --context entry %q, expected key=value", pair)
				}
				callerCtx[k] = v
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			res, err := rt.engine.Process(ctx, strings.Join(args, " "), callerCtx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringArrayVar(&contextPairs, "context", nil, "caller context as key=value (repeatable)")
	return cmd
}

func newDomainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "domains",
		Short: "List registered domains",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			for _, d := range cfg.DomainList() {
				retrievalState := "retrieval on"
				if !d.RetrievalEnabled {
					retrievalState = "retrieval off"
				}
				fmt.Printf("%-16s %s [%s, %s]\n", d.ID, d.Description, d.Model.Key(), retrievalState)
				if len(d.Keywords) > 0 {
					fmt.Printf("%-16s keywords: %s\n", "", strings.Join(d.Keywords, ", "))
				}
			}
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print recorded request statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.Metrics.Enabled || cfg.Metrics.DBPath == "" {
				return fmt.Errorf("metrics are disabled; enable metrics in the config to record requests")
			}

			store, err := metrics.Open(cfg.Metrics.DBPath, logging.Component("metrics"))
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := store.Summarize(cmd.Context())
			if err != nil {
				return err
			}
			domains, err := store.ByDomain(cmd.Context())
			if err != nil {
				return err
			}

			out := struct {
				*metrics.Summary
				Domains []metrics.DomainCount `json:"domains,omitempty"`
			}{summary, domains}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as JSON",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(c *cobra.Command, args []string) error {
			cfg := config.Default()
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Println("configuration written")
			return nil
		},
	})

	return cmd
}

// runtime bundles the wired components behind one cleanup handle.
type runtime struct {
	engine   *workflow.Engine
	bus      *bus.Bus
	cache    *modelcache.Cache
	stores   *retrieval.SQLiteStores
	recorder *metrics.Store
}

func (r *runtime) close() {
	if r.cache != nil {
		r.cache.Close()
	}
	if r.stores != nil {
		r.stores.Close()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	logging.Close()
}

// buildRuntime wires the full orchestration stack from configuration.
func buildRuntime(cfg *config.Config, console bool) (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logging.Setup(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: console,
	}); err != nil {
		return nil, err
	}

	rt := &runtime{bus: bus.NewBus()}

	rt.cache = modelcache.New(cfg.Cache.Capacity, logging.Component("modelcache"),
		modelcache.WithEventBus(rt.bus))

	loader := llm.NewService(llm.ServiceConfig{
		LocalDir:       cfg.Models.LocalDir,
		OllamaEndpoint: cfg.Models.OllamaEndpoint,
		APIKeys:        cfg.Models.APIKeys,
	})

	domains := cfg.DomainList()
	embedder := llm.NewOllamaEmbedder(cfg.Models.OllamaEndpoint, "")
	rtr := router.New(router.Config{
		CacheCapacity:       cfg.Router.CacheCapacity,
		SimilarityThreshold: cfg.Router.SimilarityThreshold,
		TieEpsilon:          cfg.Router.TieEpsilon,
	}, embedder, router.NewKeywordClassifier(), domains, logging.Component("router"))

	var retriever workflow.Retriever
	if cfg.Retrieval.DBPath != "" {
		stores, err := retrieval.OpenSQLiteStores(cfg.Retrieval.DBPath, logging.Component("retrieval"))
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.stores = stores
		retriever = retrieval.NewEngine(retrieval.Config{
			LocalK:  cfg.Retrieval.LocalK,
			GlobalK: cfg.Retrieval.GlobalK,
		}, stores, logging.Component("retrieval"))
	}

	var recorder workflow.Recorder
	if cfg.Metrics.Enabled && cfg.Metrics.DBPath != "" {
		store, err := metrics.Open(cfg.Metrics.DBPath, logging.Component("metrics"))
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.recorder = store
		recorder = store
	}

	gates := []validation.Stage{
		validation.NewSchemaStage(),
		validation.NewRulesStage(),
	}
	if cfg.Orchestrator.ReasoningModel.Ref != "" {
		gates = append(gates,
			validation.NewReasoningStage(rt.cache, loader, cfg.Orchestrator.ReasoningModel, logging.Component("validation")))
	}

	rt.engine = workflow.NewEngine(workflow.Config{
		ConfidenceThreshold: cfg.Orchestrator.ConfidenceThreshold,
		MaxRetries:          cfg.Orchestrator.MaxRetries,
		ExternalTimeout:     cfg.Orchestrator.ExternalTimeout,
	}, workflow.Deps{
		Router:    rtr,
		Cache:     rt.cache,
		Loader:    loader,
		Retrieval: retriever,
		Gates:     gates,
		Output:    validation.NewOutputStage(),
		Bus:       rt.bus,
		Recorder:  recorder,
	}, logging.Component("workflow"))

	return rt, nil
}
