// Package runtime assembles the daemon: telemetry, the bus, the voice
// catalog, the model capability and the synthesis service.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cadencelabs/cadence-core/internal/announce"
	"github.com/cadencelabs/cadence-core/internal/bus"
	"github.com/cadencelabs/cadence-core/internal/config"
	"github.com/cadencelabs/cadence-core/internal/eventstore"
	"github.com/cadencelabs/cadence-core/internal/model"
	"github.com/cadencelabs/cadence-core/internal/natsserver"
	"github.com/cadencelabs/cadence-core/internal/synth"
	"github.com/cadencelabs/cadence-core/internal/voice"
)

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start brings up every component and blocks until ctx is cancelled, then
// shuts them down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	registry := voice.NewRegistry()
	voices, err := voice.LoadDir(r.cfg.Voices.Dir, r.logger)
	if err != nil {
		return fmt.Errorf("failed to load voices: %w", err)
	}
	if err := registry.Replace(voices); err != nil {
		return fmt.Errorf("failed to register voices: %w", err)
	}
	r.logger.Info("voice catalog loaded",
		slog.String("dir", r.cfg.Voices.Dir), slog.Int("voices", registry.Len()))
	if r.cfg.Voices.Default != "" {
		if _, ok := registry.Get(r.cfg.Voices.Default); !ok {
			return fmt.Errorf("default voice %s not found in %s", r.cfg.Voices.Default, r.cfg.Voices.Dir)
		}
	}

	mdl, err := r.buildModel()
	if err != nil {
		return err
	}
	defer mdl.Close()

	engine := synth.NewEngine(mdl, r.logger, synth.WithMaxParallel(r.cfg.Synth.MaxParallel))

	store, err := eventstore.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	service := synth.NewService(ctx, r.cfg.Synth, r.version, busClient, registry, engine, store, r.logger)

	announcer, err := announce.NewAnnouncer(ctx, r.cfg.Node, r.version, busClient, registry, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start announcer: %w", err)
	}
	defer announcer.Close()

	service.SetReload(func() error {
		voices, err := voice.LoadDir(r.cfg.Voices.Dir, r.logger)
		if err != nil {
			return err
		}
		if err := registry.Replace(voices); err != nil {
			return err
		}
		return announcer.Announce()
	})
	if err := service.Start(); err != nil {
		return fmt.Errorf("failed to start synthesis service: %w", err)
	}
	defer service.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr), slog.String("version", r.version))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) buildModel() (model.Model, error) {
	switch r.cfg.Model.Mode {
	case "exec":
		m, err := model.NewExecModel(r.cfg.Model.Command, r.cfg.Model.MaxSegmentChars)
		if err != nil {
			return nil, fmt.Errorf("failed to build exec model: %w", err)
		}
		return m, nil
	default:
		return model.NewMockModel(), nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
