package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gatekeeper/internal/app"
	"gatekeeper/internal/config"
)

var version = "dev"

var (
	configFile = flag.String("config", "", "config file path (embedded defaults when empty)")
	logLevel   = flag.String("log-level", "info", "log level")
	watch      = flag.Bool("watch", true, "hot-reload the config file on changes")
)

func main() {
	flag.Parse()

	setupLogging(*logLevel)

	cfg, err := config.NewLoader(*configFile).Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	server, err := app.NewServer(cfg, slog.Default(), app.Options{Version: version})
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if *watch && *configFile != "" {
		if err := server.WatchConfig(*configFile); err != nil {
			slog.Error("failed to watch config", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		slog.Error("failed to stop server", "error", err)
		os.Exit(1)
	}
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func setupLogging(level string) {
	lvl := logLevels[strings.ToLower(level)]
	if lvl == 0 {
		lvl = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})))
}
