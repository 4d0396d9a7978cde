// Command voxpipe is the main entry point for the voxpipe voice pipeline
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxpipe/voxpipe/internal/app"
	"github.com/voxpipe/voxpipe/internal/config"
	"github.com/voxpipe/voxpipe/internal/observe"
	"github.com/voxpipe/voxpipe/internal/resilience"
	"github.com/voxpipe/voxpipe/pkg/provider/asr"
	"github.com/voxpipe/voxpipe/pkg/provider/asr/whisper"
	"github.com/voxpipe/voxpipe/pkg/provider/gen"
	"github.com/voxpipe/voxpipe/pkg/provider/gen/anyllm"
	genopenai "github.com/voxpipe/voxpipe/pkg/provider/gen/openai"
	"github.com/voxpipe/voxpipe/pkg/provider/synth"
	"github.com/voxpipe/voxpipe/pkg/provider/synth/coqui"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds the graceful teardown after the run loop exits.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxpipe.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxpipe: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxpipe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level variable is shared with the App so config reloads can adjust
	// verbosity without a restart.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voxpipe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownMeter, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		mctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownMeter(mctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers,
		app.WithAppLogger(logger),
		app.WithLogLevelVar(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.ApplyDiff(config.Diff(old, new))
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(sctx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	return 0
}

// ── Provider registration ───────────────────────────────────────────────────

// anyllmBackends are the generation backends wired through any-llm-go. The
// openai backend is registered separately through the native SDK because it
// is the only one that forwards visual context.
var anyllmBackends = []string{
	"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders registers the factory for every provider
// implementation that ships with voxpipe.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("whisper-native", func(entry config.ProviderEntry) (asr.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.StringOption("model_path", "")
		}
		var opts []whisper.Option
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	})

	// ── Generation ────────────────────────────────────────────────────────────

	reg.RegisterGen("openai", func(entry config.ProviderEntry) (gen.Provider, error) {
		var opts []genopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, genopenai.WithBaseURL(entry.BaseURL))
		}
		return genopenai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, backend := range anyllmBackends {
		reg.RegisterGen(backend, func(entry config.ProviderEntry) (gen.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── Synthesis ─────────────────────────────────────────────────────────────

	reg.RegisterSynth("coqui", func(entry config.ProviderEntry) (synth.Provider, error) {
		// Synthesized audio is resampled to the session rate so the client
		// hears it at the rate it negotiated.
		opts := []coqui.Option{coqui.WithOutputSampleRate(cfg.Audio.SampleRate)}
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if voice := entry.StringOption("voice", ""); voice != "" {
			opts = append(opts, coqui.WithVoice(voice))
		}
		if mode := entry.StringOption("api_mode", ""); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	breakerCfg := resilience.BreakerConfig{
		Trip:     cfg.Providers.Failover.TripAfter,
		Cooldown: cfg.Providers.Failover.Cooldown.Std(),
		Probes:   cfg.Providers.Failover.Probes,
	}

	if entry := cfg.Providers.ASR; entry.Name != "" {
		p, err := reg.CreateASR(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered — skipping", "kind", "asr", "name", entry.Name)
		} else if err != nil {
			return nil, fmt.Errorf("create asr provider %q: %w", entry.Name, err)
		} else {
			if len(entry.Fallbacks) > 0 {
				fb := resilience.NewASRFallback(p, entry.Name, breakerCfg)
				for _, fbEntry := range entry.Fallbacks {
					fp, err := reg.CreateASR(fbEntry)
					if err != nil {
						return nil, fmt.Errorf("create asr fallback %q: %w", fbEntry.Name, err)
					}
					fb.AddFallback(fbEntry.Name, fp)
				}
				p = fb
			}
			ps.ASR = p
			slog.Info("provider created", "kind", "asr", "name", entry.Name, "fallbacks", len(entry.Fallbacks))
		}
	}

	if entry := cfg.Providers.Gen; entry.Name != "" {
		p, err := reg.CreateGen(entry)
		if err != nil {
			return nil, fmt.Errorf("create gen provider %q: %w", entry.Name, err)
		}
		if len(entry.Fallbacks) > 0 {
			fb := resilience.NewGenFallback(p, entry.Name, breakerCfg)
			for _, fbEntry := range entry.Fallbacks {
				fp, err := reg.CreateGen(fbEntry)
				if err != nil {
					return nil, fmt.Errorf("create gen fallback %q: %w", fbEntry.Name, err)
				}
				fb.AddFallback(fbEntry.Name, fp)
			}
			p = fb
		}
		ps.Gen = p
		slog.Info("provider created", "kind", "gen", "name", entry.Name, "model", entry.Model, "fallbacks", len(entry.Fallbacks))
	}

	if entry := cfg.Providers.Synth; entry.Name != "" {
		p, err := reg.CreateSynth(entry)
		if err != nil {
			return nil, fmt.Errorf("create synth provider %q: %w", entry.Name, err)
		}
		if len(entry.Fallbacks) > 0 {
			fb := resilience.NewSynthFallback(p, entry.Name, breakerCfg)
			for _, fbEntry := range entry.Fallbacks {
				fp, err := reg.CreateSynth(fbEntry)
				if err != nil {
					return nil, fmt.Errorf("create synth fallback %q: %w", fbEntry.Name, err)
				}
				fb.AddFallback(fbEntry.Name, fp)
			}
			p = fb
		}
		ps.Synth = p
		slog.Info("provider created", "kind", "synth", "name", entry.Name, "fallbacks", len(entry.Fallbacks))
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxpipe — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("ASR", cfg.Providers.ASR.Name, cfg.Providers.ASR.Model)
	printProvider("Gen", cfg.Providers.Gen.Name, cfg.Providers.Gen.Model)
	printProvider("Synth", cfg.Providers.Synth.Name, cfg.Providers.Synth.Model)
	if cfg.Archive.PostgresDSN != "" {
		fmt.Printf("║  Archive         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Archive         : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	if cfg.Server.MetricsAddr != "" {
		fmt.Printf("║  Metrics addr    : %-19s ║\n", cfg.Server.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

// printProvider prints one provider line, or "(disabled)" when unset.
func printProvider(kind, name, model string) {
	display := name
	if display == "" {
		display = "(disabled)"
	} else if model != "" {
		display = fmt.Sprintf("%s (%s)", name, model)
	}
	fmt.Printf("║  %-15s : %-19s ║\n", kind, display)
}
