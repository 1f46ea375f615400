// Command tonewired is the tonewire daemon: it tracks the pitch of a live
// input signal and plays the detected melody back through a polyphonic
// software synthesizer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MrWong99/tonewire/internal/app"
	"github.com/MrWong99/tonewire/internal/config"
	"github.com/MrWong99/tonewire/internal/observe"
	"github.com/MrWong99/tonewire/pkg/audio"
	otobackend "github.com/MrWong99/tonewire/pkg/audio/oto"
	pabackend "github.com/MrWong99/tonewire/pkg/audio/portaudio"
	"github.com/MrWong99/tonewire/pkg/audio/stub"
	"github.com/MrWong99/tonewire/pkg/soundbank"
	"github.com/MrWong99/tonewire/pkg/soundbank/wavetable"
)

// version is overridden at release build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listBackends := flag.Bool("list-backends", false, "print the available audio backends and exit")
	flag.Parse()

	// ── Component registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinComponents(reg)

	if *listBackends {
		for _, name := range reg.BackendNames() {
			fmt.Println(name)
		}
		return 0
	}

	// ── Load configuration and watch it for changes ────────────────────────────
	var application atomic.Pointer[app.App]
	logLevel := new(slog.LevelVar)

	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.Empty() {
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if a := application.Load(); a != nil {
			a.Apply(d)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tonewired: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tonewired: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ─────────────────────────────────────────────────────────────────
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(logLevel, cfg.Server.LogFormat))

	slog.Info("tonewired starting",
		"version", version,
		"config", *configPath,
		"backend", backendName(cfg),
	)

	// ── Signal context ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "tonewire",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Instantiate components ─────────────────────────────────────────────────
	comps, err := buildComponents(cfg, reg)
	if err != nil {
		slog.Error("failed to build components", "err", err)
		return 1
	}

	// ── Startup summary ────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	daemon, err := app.New(cfg, comps)
	if err != nil {
		slog.Error("failed to initialise daemon", "err", err)
		return 1
	}
	application.Store(daemon)

	slog.Info("daemon ready; press Ctrl+C to shut down")

	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Component wiring ──────────────────────────────────────────────────────────

// registerBuiltinComponents wires the built-in implementations into reg.
// Estimators are not among them: they ship as external modules and register
// themselves through the same interface.
func registerBuiltinComponents(reg *config.Registry) {
	// ── Backends ───────────────────────────────────────────────────────────────

	reg.RegisterBackend("portaudio", func(entry config.ComponentEntry) (audio.Backend, error) {
		return pabackend.New(), nil
	})

	reg.RegisterBackend("oto", func(entry config.ComponentEntry) (audio.Backend, error) {
		return otobackend.New(), nil
	})

	reg.RegisterBackend("stub", func(entry config.ComponentEntry) (audio.Backend, error) {
		var opts []stub.Option
		if rate := optInt(entry.Options, "device_rate"); rate > 0 {
			opts = append(opts, stub.WithDeviceRate(rate))
		}
		return stub.New(opts...), nil
	})

	// ── Loaders ────────────────────────────────────────────────────────────────

	reg.RegisterLoader("wavetable", func(entry config.ComponentEntry) (soundbank.Loader, error) {
		return wavetable.NewLoader(), nil
	})

	// Debug log of all registered components.
	for kind, names := range config.ValidComponentNames {
		for _, name := range names {
			slog.Debug("registered component", "kind", kind, "name", name)
		}
	}
}

// buildComponents instantiates the components named in cfg using the registry
// and returns them in an [app.Components] struct for the daemon to consume.
func buildComponents(cfg *config.Config, reg *config.Registry) (*app.Components, error) {
	comps := &app.Components{}

	backendEntry := cfg.Backend
	if backendEntry.Name == "" {
		backendEntry.Name = "portaudio"
	}
	b, err := reg.CreateBackend(backendEntry)
	if err != nil {
		return nil, fmt.Errorf("create backend %q: %w", backendEntry.Name, err)
	}
	comps.Backend = b
	slog.Info("component created", "kind", "backend", "name", backendEntry.Name)

	if name := cfg.Capture.Estimator.Name; name != "" {
		f, err := reg.CreateEstimator(cfg.Capture.Estimator)
		if errors.Is(err, config.ErrNotRegistered) {
			slog.Warn("estimator not registered; capture will gate windows only", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create estimator %q: %w", name, err)
		} else {
			comps.Estimator = f
			slog.Info("component created", "kind", "estimator", "name", name)
		}
	}

	if !cfg.Synth.Disabled {
		loaderEntry := cfg.Synth.Loader
		if loaderEntry.Name == "" {
			loaderEntry.Name = "wavetable"
		}
		l, err := reg.CreateLoader(loaderEntry)
		if err != nil {
			return nil, fmt.Errorf("create loader %q: %w", loaderEntry.Name, err)
		}
		comps.Loader = l
		slog.Info("component created", "kind", "loader", "name", loaderEntry.Name)
	}

	return comps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║       tonewire startup summary       ║")
	fmt.Println("╠══════════════════════════════════════╣")
	printComponent("Backend", backendName(cfg))
	if cfg.Capture.Disabled {
		printComponent("Capture", "(disabled)")
	} else {
		printComponent("Capture", rateSummary(cfg.Capture.SampleRate))
		printComponent("Estimator", cfg.Capture.Estimator.Name)
	}
	if cfg.Synth.Disabled {
		printComponent("Synth", "(disabled)")
	} else {
		printComponent("Synth", rateSummary(cfg.Synth.SampleRate))
		bank := cfg.Synth.Bank
		if bank == "" {
			bank = "(built-in)"
		}
		printComponent("Bank", bank)
	}
	bridge := cfg.Bridge.URL
	if bridge == "" {
		bridge = "(disabled)"
	}
	printComponent("Bridge", bridge)
	listen := cfg.Server.ListenAddr
	if listen == "" {
		listen = "(disabled)"
	}
	printComponent("HTTP", listen)
	fmt.Println("╚══════════════════════════════════════╝")
}

func printComponent(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 22 {
		value = value[:21] + "…"
	}
	fmt.Printf("║  %-10s : %-22s ║\n", label, value)
}

func backendName(cfg *config.Config) string {
	if cfg.Backend.Name != "" {
		return cfg.Backend.Name
	}
	return "portaudio"
}

func rateSummary(rate int) string {
	if rate == 0 {
		return "device default rate"
	}
	return fmt.Sprintf("%d Hz", rate)
}

// ── Logger ────────────────────────────────────────────────────────────────────

// newLogger builds the root logger. The level is a LevelVar so config reloads
// can adjust verbosity without replacing the handler.
func newLogger(level *slog.LevelVar, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optInt extracts an integer from a component Options map. YAML decodes bare
// numbers as int. Returns 0 if the map is nil, the key is absent, or the
// value has another type.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	v, ok := opts[key]
	if !ok {
		return 0
	}
	n, ok := v.(int)
	if !ok {
		return 0
	}
	return n
}
