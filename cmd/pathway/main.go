// Command pathway runs configured dataflow pipelines: each pipeline wires
// a configured source through the engine to a configured sink, with
// checkpointing and a status server on the side.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/Tabbuchauhan/pathway/checkpoint"
	"github.com/Tabbuchauhan/pathway/connector"
	"github.com/Tabbuchauhan/pathway/engine"
	"github.com/Tabbuchauhan/pathway/graph"
	"github.com/Tabbuchauhan/pathway/internal/capacity"
	"github.com/Tabbuchauhan/pathway/internal/config"
	"github.com/Tabbuchauhan/pathway/internal/logger"
	"github.com/Tabbuchauhan/pathway/internal/storage"
	"github.com/Tabbuchauhan/pathway/server"

	// Register connector kinds.
	_ "github.com/Tabbuchauhan/pathway/connector/elastic"
	_ "github.com/Tabbuchauhan/pathway/connector/file"
	_ "github.com/Tabbuchauhan/pathway/connector/kafka"
	_ "github.com/Tabbuchauhan/pathway/connector/mongo"
)

var buildString = "unknown"

func main() {
	if err := run(); err != nil {
		log := logger.GetLogger("main")
		log.Fatal().Err(err).Msg("exiting")
	}
}

func run() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	flags, err := initFlags()
	if err != nil {
		return err
	}
	if v, _ := flags.GetBool("version"); v {
		fmt.Println(buildString)
		return nil
	}

	paths, _ := flags.GetStringSlice("config")
	cfg, err := config.Load(paths, flags)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)
	logger.SetDevelopment(cfg.Dev)
	log := logger.GetLogger("main")
	log.Info().Str("build", buildString).Int("pipelines", len(cfg.Pipelines)).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engines, stores, err := buildPipelines(cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, kv := range stores {
			kv.Close()
		}
	}()

	providers := make(map[string]server.StatusProvider, len(engines))
	for name, e := range engines {
		providers[name] = e
	}
	srv := server.New(":"+cfg.Port, providers)
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Error().Err(err).Msg("status server stopped")
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, len(engines))
	for name, e := range engines {
		wg.Add(1)
		go func(name string, e *engine.Engine) {
			defer wg.Done()
			log.Info().Str("pipeline", name).Msg("pipeline running")
			if err := e.Run(ctx); err != nil && ctx.Err() == nil {
				errs <- fmt.Errorf("pipeline %q: %w", name, err)
				stop()
			}
		}(name, e)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// buildPipelines turns every configured pipeline into an engine running a
// passthrough graph from its source to its sink. Each pipeline gets its
// own checkpoint store so their manifests never collide.
func buildPipelines(cfg config.Config) (map[string]*engine.Engine, []storage.KV, error) {
	sources := map[string]connector.Source{}
	for _, sc := range cfg.Sources {
		src, err := connector.NewSource(sc)
		if err != nil {
			return nil, nil, err
		}
		sources[sc.Name] = src
	}
	sinks := map[string]connector.Sink{}
	for _, sc := range cfg.Sinks {
		snk, err := connector.NewSink(sc)
		if err != nil {
			return nil, nil, err
		}
		sinks[sc.Name] = snk
	}

	capability := capacity.CapabilityDefault
	if cfg.Engine.Enterprise {
		capability = capacity.CapabilityEnterprise
	}
	engineCfg := engine.Config{
		Workers:            cfg.Engine.Workers,
		Capability:         capability,
		BatchSize:          cfg.Engine.BatchSize,
		CheckpointEvery:    cfg.Engine.CheckpointEvery,
		CheckpointInterval: cfg.Engine.CheckpointInterval,
		MaxEpochs:          cfg.Engine.MaxEpochs,
		StopWhenIdle:       cfg.Engine.StopWhenIdle,
	}

	engines := map[string]*engine.Engine{}
	var stores []storage.KV
	for _, p := range cfg.Pipelines {
		var manager *checkpoint.Manager
		if cfg.Storage.Backend != "" && cfg.Storage.Dir != "" {
			kv, err := storage.Open(cfg.Storage.Backend, &storage.Config{
				Dir: filepath.Join(cfg.Storage.Dir, p.Name),
			})
			if err != nil {
				return nil, nil, fmt.Errorf("pipeline %q: %w", p.Name, err)
			}
			stores = append(stores, kv)
			manager = checkpoint.NewManager(kv)
		}

		b := graph.NewBuilder()
		b.Sink(p.Sink, b.Source(p.Source, p.Source), p.Sink)
		g, err := b.Build()
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline %q: %w", p.Name, err)
		}
		e, err := engine.New(g, engineCfg,
			map[string]connector.Source{p.Source: sources[p.Source]},
			map[string]connector.Sink{p.Sink: sinks[p.Sink]},
			manager)
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline %q: %w", p.Name, err)
		}
		engines[p.Name] = e
	}
	return engines, stores, nil
}
