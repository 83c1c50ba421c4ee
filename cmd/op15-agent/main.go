// Command op15-agent is the Local Agent Daemon:
// it dials the cloud bridge over a long-lived channel, serves the same
// surface over a loopback HTTP listener, and executes fs.* and exec.run
// against the local filesystem and shell.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/op15/bridge/internal/config"
	"github.com/op15/bridge/internal/daemon"
	"github.com/op15/bridge/internal/lockfile"
	"github.com/op15/bridge/internal/telemetry"
)

// Version is set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cmd, rest := routeArgs(os.Args[1:])
	switch cmd {
	case "init":
		initCmd(rest)
	case "version":
		fmt.Printf("op15-agent %s (%s) %s\n", Version, Commit, BuildTime)
	case "help":
		printUsage()
	default:
		runCmd(rest)
	}
}

// routeArgs picks the subcommand. Everything that is not an explicit
// subcommand, including a bare zero-argument invocation, is the
// `op15-agent [serverUrl [userId]]` run form: after a one-time init, just
// launching the binary must start the daemon off the saved config.
func routeArgs(args []string) (cmd string, rest []string) {
	if len(args) == 0 {
		return "run", nil
	}
	switch args[0] {
	case "init", "run", "version", "help":
		return args[0], args[1:]
	default:
		return "run", args
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `op15-agent

Usage:
  op15-agent init [flags]
  op15-agent run [serverUrl [userId]] [flags]
  op15-agent version

Commands:
  init        Write a fresh config.json with a generated sharedSecret.
  run         Connect to the bridge and serve the loopback HTTP + channel.
  version     Print build information.
`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	serverURL := fs.String("server-url", "", "Bridge server URL (e.g. https://bridge.example.invalid)")
	userID := fs.String("user-id", "", "User id assigned by the auth collaborator")
	httpPort := fs.Int("http-port", 4001, "Loopback HTTP listener port")
	permissionPreset := fs.String("permission-policy", "read_only", "Local permission policy preset: read_only|read_exec|read_write_exec|unrestricted")
	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	_ = fs.Parse(args)

	if *serverURL == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "init: -server-url and -user-id are required")
		fs.Usage()
		os.Exit(1)
	}

	policy, err := config.ParsePermissionPolicyPreset(*permissionPreset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}

	// The shared secret is generated once at install and never leaves the
	// host; a v4 UUID's 122 random bits are the simplest source of that
	// budget already pulled in via google/uuid.
	secret := uuid.NewString()

	cfg := &config.Config{
		ServerURL:        *serverURL,
		UserID:           *userID,
		SharedSecret:     secret,
		HTTPPort:         *httpPort,
		PermissionPolicy: policy,
		LogFormat:        *logFormat,
		LogLevel:         *logLevel,
	}

	path := filepath.Clean(*cfgPath)
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", path)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	otelEndpoint := fs.String("otel-endpoint", "", "OTLP/HTTP metrics collector endpoint (host:port); overrides otelEndpoint in config, empty in both disables export")
	_ = fs.Parse(args)

	cfgPathClean := filepath.Clean(*cfgPath)

	// Ensure the state dir exists before taking the lock; the
	// config-adjacent layout must work on a freshly installed machine.
	if err := os.MkdirAll(filepath.Dir(cfgPathClean), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init state dir: %v\n", err)
		os.Exit(1)
	}

	// Singleton lock: two op15-agent processes racing on the same config
	// directory would both dial the bridge under the same userId and both
	// bind the same loopback port.
	lk, err := lockfile.AcquireDir(filepath.Dir(cfgPathClean))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to acquire agent lock: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = lk.Release() }()

	cfg, err := config.Load(cfgPathClean)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// CLI positional args override config when present.
	rest := fs.Args()
	if len(rest) >= 1 && rest[0] != "" {
		cfg.ServerURL = rest[0]
	}
	if len(rest) >= 2 && rest[1] != "" {
		cfg.UserID = rest[1]
	}
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	endpoint := *otelEndpoint
	if endpoint == "" {
		endpoint = cfg.OtelEndpoint
	}
	shutdownTelemetry, err := telemetry.Init(ctx, "op15-agent", endpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init telemetry: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	d, err := daemon.New(daemon.Options{
		Config:     cfg,
		ConfigPath: cfgPathClean,
		Version:    Version,
		Commit:     Commit,
		BuildTime:  BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init daemon: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	killed := d.Killed()
	runErr := d.Run(ctx)

	select {
	case <-killed:
		// Graceful shutdown via /kill.
		os.Exit(0)
	default:
	}

	if runErr != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "agent exited with error: %v\n", runErr)
		if errors.Is(runErr, daemon.ErrAuthRejected) {
			// Upstream auth rejection.
			os.Exit(2)
		}
		os.Exit(1)
	}
}
