// Package app wires all voxpipe subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the websocket and metrics listeners until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithArchiver,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxpipe/voxpipe/internal/archive"
	"github.com/voxpipe/voxpipe/internal/config"
	"github.com/voxpipe/voxpipe/internal/engine/turn"
	"github.com/voxpipe/voxpipe/internal/health"
	"github.com/voxpipe/voxpipe/internal/observe"
	"github.com/voxpipe/voxpipe/internal/server"
	"github.com/voxpipe/voxpipe/internal/session"
	"github.com/voxpipe/voxpipe/pkg/provider/asr"
	"github.com/voxpipe/voxpipe/pkg/provider/gen"
	"github.com/voxpipe/voxpipe/pkg/provider/synth"
)

// httpShutdownTimeout bounds the graceful drain of the HTTP listeners once
// the run context is cancelled.
const httpShutdownTimeout = 10 * time.Second

// sessionDrainTimeout bounds the wait for live sessions to end during
// Shutdown. Cancelled turns still archive within this window.
const sessionDrainTimeout = 5 * time.Second

// Providers holds one interface value per pipeline stage. Gen and Synth are
// required; a nil ASR means audio segments cannot be transcribed and only
// text inputs produce turns. Populated by main.go via the config registry.
type Providers struct {
	ASR   asr.Provider
	Gen   gen.Provider
	Synth synth.Provider
}

// App owns all subsystem lifetimes and serves the voxpipe voice pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	manager  *session.Manager
	archiver turn.Archiver
	metrics  *observe.Metrics
	log      *slog.Logger
	logLevel *slog.LevelVar

	wsSrv      *http.Server
	metricsSrv *http.Server

	// pipeline holds the hot-reloadable turn parameters. Guarded by mu;
	// changes apply to sessions started after the reload.
	mu       sync.Mutex
	pipeline config.PipelineConfig

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchiver injects a turn archive instead of connecting to PostgreSQL
// from config.
func WithArchiver(a turn.Archiver) Option {
	return func(app *App) { app.archiver = a }
}

// WithMetrics injects a metrics sink instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(app *App) { app.metrics = m }
}

// WithAppLogger sets the logger. Defaults to slog.Default().
func WithAppLogger(log *slog.Logger) Option {
	return func(app *App) { app.log = log }
}

// WithLogLevelVar hands the App the level variable backing its logger so
// config reloads can adjust verbosity at runtime.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(app *App) { app.logLevel = v }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: archive connection and
// migration, session manager, websocket endpoint, and the metrics/health
// listener when one is configured.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil || providers == nil {
		return nil, errors.New("app: config and providers must not be nil")
	}
	if providers.Gen == nil || providers.Synth == nil {
		return nil, errors.New("app: generation and synthesis providers are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		manager:   session.NewManager(),
		pipeline:  cfg.Pipeline,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// Sessions drain first so in-flight turns can still reach the archive
	// before its pool closes.
	a.closers = append(a.closers, func() error {
		dctx, cancel := context.WithTimeout(context.Background(), sessionDrainTimeout)
		defer cancel()
		return a.manager.CloseAll(dctx)
	})

	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}
	if err := a.initServers(); err != nil {
		return nil, fmt.Errorf("app: init servers: %w", err)
	}
	return a, nil
}

// initArchive connects the PostgreSQL turn archive, unless one was injected
// or archiving is disabled by config.
func (a *App) initArchive(ctx context.Context) error {
	if a.archiver != nil {
		return nil
	}
	dsn := a.cfg.Archive.PostgresDSN
	if dsn == "" {
		a.log.Info("turn archiving disabled, no postgres_dsn configured")
		return nil
	}

	store, err := archive.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.archiver = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initServers builds the websocket endpoint and, when configured, the
// metrics/health listener.
func (a *App) initServers() error {
	ws, err := server.New(a.HandleSession, a.manager,
		server.WithOriginPatterns(a.cfg.Server.AllowedOrigins),
		server.WithServerLogger(a.log),
	)
	if err != nil {
		return err
	}

	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", ws)
	a.wsSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           wsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		health.New(a.healthCheckers()...).WithSessionCount(a.manager.Len).Register(mux)
		a.metricsSrv = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return nil
}

// healthCheckers assembles the readiness checks for the configured
// subsystems.
func (a *App) healthCheckers() []health.Checker {
	var checkers []health.Checker
	if store, ok := a.archiver.(*archive.Store); ok {
		checkers = append(checkers, health.Checker{Name: "archive", Check: store.Ping})
	}
	return checkers
}

// HandleSession wires a full per-connection pipeline and runs the session
// loop to completion. It is the handler behind the websocket endpoint; tests
// may call it directly with a fake transport.
func (a *App) HandleSession(ctx context.Context, t session.Transport, id string) error {
	pcfg := a.pipelineConfig()
	log := a.log.With("session", id)

	coord := turn.NewCoordinator(log)
	history := turn.NewHistory(pcfg.HistoryExchanges)
	vision := &session.VisionSlot{}

	turnCfg := turn.Config{
		SystemPrompt:        pcfg.SystemPrompt,
		SampleRate:          a.cfg.Audio.SampleRate,
		InitialMinChars:     pcfg.InitialMinChars,
		RemainingChunkChars: pcfg.RemainingChunkChars,
		NoiseSentinels:      pcfg.NoiseSentinels,
		Temperature:         pcfg.Temperature,
		MaxTokens:           pcfg.MaxTokens,
	}
	pipeOpts := []turn.PipelineOption{
		turn.WithVision(vision.Snapshot),
		turn.WithPipelineLogger(log),
		turn.WithPipelineMetrics(a.metrics),
	}
	if a.archiver != nil {
		pipeOpts = append(pipeOpts, turn.WithArchiver(a.archiver, id))
	}

	pipe, err := turn.NewPipeline(turnCfg,
		a.providers.ASR, a.providers.Gen, a.providers.Synth,
		coord, history, t, pipeOpts...)
	if err != nil {
		return fmt.Errorf("app: build pipeline: %w", err)
	}

	loop, err := session.New(session.Config{
		ID:           id,
		Detector:     a.cfg.Audio.Detector(),
		PingInterval: pcfg.PingInterval.Std(),
	}, t, pipe, coord, vision,
		session.WithLoopLogger(log),
		session.WithLoopMetrics(a.metrics),
	)
	if err != nil {
		return fmt.Errorf("app: build session: %w", err)
	}

	a.manager.Register(id, loop)
	defer a.manager.Unregister(id)
	return loop.Run(ctx)
}

// ActiveSessions returns the number of live connections.
func (a *App) ActiveSessions() int { return a.manager.Len() }

// pipelineConfig returns the current hot-reloadable turn parameters.
func (a *App) pipelineConfig() config.PipelineConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pipeline
}

// ApplyDiff applies a validated config reload. Log level changes take effect
// immediately; pipeline parameter changes apply to sessions started after
// the reload.
func (a *App) ApplyDiff(d config.ConfigDiff) {
	if !d.Any() {
		return
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		a.log.Info("log level updated", "level", d.NewLogLevel)
	}
	if d.PipelineChanged {
		a.mu.Lock()
		a.pipeline = d.NewPipeline
		a.mu.Unlock()
		a.log.Info("pipeline parameters updated")
	}
}

// Run serves the websocket endpoint (and the metrics listener when
// configured) until ctx is cancelled or a listener fails. Cancellation
// drains both listeners gracefully and returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("websocket endpoint listening", "addr", a.wsSrv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.wsSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.wsSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("websocket listener: %w", err)
	})

	if a.metricsSrv != nil {
		g.Go(func() error {
			a.log.Info("metrics endpoint listening", "addr", a.metricsSrv.Addr)
			if err := a.metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpShutdownTimeout)
		defer cancel()
		if a.metricsSrv != nil {
			_ = a.metricsSrv.Shutdown(sctx)
		}
		return a.wsSrv.Shutdown(sctx)
	})

	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
