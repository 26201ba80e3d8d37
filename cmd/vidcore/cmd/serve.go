package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kjanssen/vidcore/internal/api"
	"github.com/kjanssen/vidcore/internal/backend"
	"github.com/kjanssen/vidcore/internal/breaker"
	"github.com/kjanssen/vidcore/internal/bus"
	"github.com/kjanssen/vidcore/internal/controller"
	"github.com/kjanssen/vidcore/internal/health"
	"github.com/kjanssen/vidcore/internal/metadata"
	"github.com/kjanssen/vidcore/internal/pipeline"
	"github.com/kjanssen/vidcore/internal/recovery"
	"github.com/kjanssen/vidcore/internal/source"
	"github.com/kjanssen/vidcore/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vidcore ingestion and analytics pipeline",
	Long: `Run vidcore as a long-lived daemon.

It selects a media backend, builds the shared processing graph, and
brings up the optional HTTP control plane for adding, removing, and
inspecting sources at runtime.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	backends := selectableBackends(logger)
	registry := backend.NewRegistry(backends, cfg.Backend.Preference, logger)
	selected, err := registry.Select()
	if err != nil {
		return fmt.Errorf("selecting backend: %w", err)
	}
	logger.Info("selected media backend", slog.String("backend", selected.Name()))

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		FailureWindow:    cfg.Circuit.FailureWindow,
		OpenDuration:     cfg.Circuit.OpenDuration,
	})

	recov := recovery.New(recovery.Config{
		MaxAttempts: cfg.Recovery.MaxAttempts,
		BaseDelay:   cfg.Recovery.BaseDelay,
		CapDelay:    cfg.Recovery.CapDelay,
		Jitter:      cfg.Recovery.Jitter > 0,
	}, breakers, logger)

	dispatcher := bus.New(64, 256, bus.Handlers{
		OnFatalError: func(_ context.Context, err error) {
			logger.Error("fatal pipeline bus error", slog.String("error", err.Error()))
		},
		OnPipelineEOS: func(_ context.Context) {
			logger.Info("pipeline reported end-of-stream")
		},
		OnSourceEOS: func(_ context.Context, sourceID string) {
			logger.Info("source reported end-of-stream", slog.String("source_id", sourceID))
		},
	}, logger)

	metaBridge := metadata.New(cfg.Pipeline.MetadataRingDepth)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(ctx)

	pipelineConfig := pipeline.Config{
		BatchSize:          cfg.Pipeline.BatchSize,
		DrainTimeout:       cfg.Pipeline.DrainTimeout,
		LinkTimeout:        cfg.Pipeline.LinkTimeout,
		InferenceThreshold: cfg.Pipeline.InferenceThreshold,
		InferenceConfig:    cfg.Pipeline.InferenceConfigPath,
		StalenessBound:     stalenessBound(cfg.Health.MinFPS),
		Overlay: pipeline.OverlayConfig{
			BBox:      cfg.Pipeline.Overlay.BBox,
			Text:      cfg.Pipeline.Overlay.Text,
			LineWidth: cfg.Pipeline.Overlay.LineWidth,
			TextSize:  cfg.Pipeline.Overlay.TextSize,
		},
	}

	graph, err := pipeline.Build(ctx, selected, pipelineConfig, dispatcher, metaBridge, logger)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	if err := graph.SetState(ctx, pipeline.StatePlaying); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}

	manager := source.NewManager(cfg.Sources.MaxSources)

	ctl := controller.New(controller.Config{
		Manager:  manager,
		Pipeline: graph,
		Backend:  selected,
		Breakers: breakers,
		Recovery: recov,
		Policy: controller.Policy{
			LinkTimeout: cfg.Pipeline.LinkTimeout,
			Health: health.Config{
				MinFPS:         cfg.Health.MinFPS,
				StallThreshold: cfg.Health.StallThreshold,
				Window:         cfg.Health.Window,
				TickInterval:   500 * time.Millisecond,
			},
			MaxAttempts: cfg.Recovery.MaxAttempts,
			BaseDelay:   cfg.Recovery.BaseDelay,
			CapDelay:    cfg.Recovery.CapDelay,
		},
		Overlay: graph,
		Logger:  logger,
	})

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var server *api.Server
	errChan := make(chan error, 1)
	if cfg.Server.Enabled {
		serverConfig := api.Config{
			Host:            cfg.Server.Host,
			Port:            cfg.Server.Port,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		server = api.NewServer(serverConfig, ctl, registry, logger, version.Short())

		go func() { errChan <- server.ListenAndServe(sigCtx) }()
		logger.Info("control plane enabled",
			slog.String("host", serverConfig.Host),
			slog.Int("port", serverConfig.Port),
		)
	} else {
		logger.Info("control plane disabled; no sources can be added at runtime")
	}

	logger.Info("vidcore started", slog.String("version", version.Short()))

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received, draining sources")
	case err := <-errChan:
		if err != nil {
			logger.Error("control plane server exited", slog.String("error", err.Error()))
		}
	}

	return shutdown(ctl, graph, server)
}

// stalenessBound derives the metadata bridge's overlay staleness bound
// as 2*frame_interval from the configured minimum frame rate (spec.md
// §9, DESIGN.md's Open Question decision), falling back to a fixed 2s
// bound when no floor is configured.
func stalenessBound(minFPS float64) time.Duration {
	if minFPS <= 0 {
		return 2 * time.Second
	}
	frameInterval := time.Duration(float64(time.Second) / minFPS)
	return 2 * frameInterval
}

// selectableBackends constructs every backend implementation vidcore
// ships, independent of which one BackendRegistry ultimately selects;
// selection is driven entirely by backend.preference plus probed role
// coverage.
func selectableBackends(logger *slog.Logger) []backend.Backend {
	return []backend.Backend{
		backend.NewStandardBackend(logger),
		backend.NewAcceleratedBackend(cfg.Pipeline.BatchSize, logger),
		backend.NewMockBackend(),
	}
}

// shutdown drains every active source gracefully before tearing down
// the pipeline and, if running, the control plane server.
func shutdown(ctl *controller.Controller, graph *pipeline.Pipeline, server *api.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, info := range ctl.List() {
		if err := ctl.Remove(ctx, info.ID, true); err != nil {
			slog.Default().Warn("failed to gracefully remove source during shutdown",
				slog.Int("source_id", int(info.ID)), slog.String("error", err.Error()))
		}
	}

	if err := graph.Close(ctx); err != nil {
		slog.Default().Warn("failed to close pipeline during shutdown", slog.String("error", err.Error()))
	}

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down control plane: %w", err)
		}
	}

	slog.Default().Info("vidcore stopped")
	return nil
}
