// Command voxline is the Voxline phone-answering server.
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

	"github.com/voxline/voxline/internal/app"
	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxline: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("voxline starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Logging.Level,
	)

	shutdownMetrics, err := observe.InitProvider(context.Background(), observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		if err := application.Close(); err != nil {
			slog.Warn("close error", "err", err)
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Voxline — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("LLM", cfg.LLM.Provider+" / "+cfg.LLM.Model)
	if cfg.LLM.Fallback != nil {
		printRow("LLM fallback", cfg.LLM.Fallback.Provider+" / "+cfg.LLM.Fallback.Model)
	} else {
		printRow("LLM fallback", "(disabled)")
	}
	printRow("Recognition", fmt.Sprintf("%s × %d", cfg.Pool.Backend, cfg.Pool.Size))
	printRow("TTS", cfg.TTS.BaseURL)
	printRow("Store", string(cfg.Store.Driver))
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.MetricsAddr != "" {
		printRow("Metrics addr", cfg.Server.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var lvl slog.Level
	switch cfg.Level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
