// Command op15-bridged is the cloud-side bridge process: it accepts agent
// channel connections at /api/bridge, tracks sessions, and exposes the
// tool surface to the LLM orchestrator over a small JSON API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/op15/bridge/internal/bridge"
	"github.com/op15/bridge/internal/bridgeserver"
	"github.com/op15/bridge/internal/dispatcher"
	"github.com/op15/bridge/internal/telemetry"
	"github.com/op15/bridge/internal/toolsurface"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	addr := flag.String("addr", ":8080", "Listen address for /api/bridge and the Tool Surface API")
	otelEndpoint := flag.String("otel-endpoint", "", "OTLP/HTTP metrics collector endpoint (host:port); empty disables export")
	logFormat := flag.String("log-format", "json", "Log format: json|text")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	versionFlag := flag.Bool("version", false, "Print build information and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("op15-bridged %s (%s) %s\n", Version, Commit, BuildTime)
		return
	}

	logger, err := newLogger(*logFormat, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging flags: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "op15-bridged", *otelEndpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init telemetry: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	manager := bridge.NewManager(logger)
	ch := bridgeserver.New(manager, logger)
	dis := dispatcher.New(manager)
	surface := toolsurface.New(manager, dis)
	api := newToolAPI(surface, manager, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/bridge", ch)
	mux.Handle("/api/tools/", http.StripPrefix("/api/tools", api))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("bridge starting", "addr", *addr, "version", Version, "commit", Commit, "build_time", BuildTime)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "bridge exited with error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch format {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
	return slog.New(h), nil
}
