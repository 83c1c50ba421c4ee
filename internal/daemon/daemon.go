// Package daemon implements the Agent Daemon: the long-running local
// process that dials the bridge, answers its RPCs against the local
// filesystem and shell, and exposes the same surface over a loopback HTTP
// listener for the Transport Dispatcher's fast path.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/op15/bridge/internal/actionlog"
	"github.com/op15/bridge/internal/config"
	"github.com/op15/bridge/internal/executor"
	"github.com/op15/bridge/internal/session"
)

type Options struct {
	Config     *config.Config
	ConfigPath string

	Version   string
	Commit    string
	BuildTime string
}

// Daemon is the agent-side counterpart to bridgeserver.Server: one struct
// per installed endpoint, holding the local permission cap, the executor
// that actually touches the filesystem/shell, and the action log.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	version   string
	commit    string
	buildTime string

	home          string
	workspaceRoot string

	exec  *executor.Executor
	store *actionlog.Store

	permMu sync.Mutex
	perms  session.Permissions

	// upstream reports whether the bridge has acked this daemon's current
	// handshake; read by /status, flipped by the channel client.
	upstream atomic.Bool

	httpEndpoint string
	httpSrv      *http.Server

	killOnce sync.Once
	killCh   chan struct{}
}

func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("daemon: missing config")
	}

	logger, err := newLogger(strings.TrimSpace(opts.Config.LogFormat), strings.TrimSpace(opts.Config.LogLevel))
	if err != nil {
		return nil, err
	}

	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		home = "."
	}
	home, err = filepath.Abs(home)
	if err != nil {
		return nil, err
	}

	cfgPath := strings.TrimSpace(opts.ConfigPath)
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfgPathAbs, err := filepath.Abs(cfgPath)
	if err != nil {
		return nil, err
	}
	stateDir := filepath.Dir(cfgPathAbs)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}

	store, err := actionlog.Open(context.Background(), filepath.Join(stateDir, "actionlog.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("open action log: %w", err)
	}

	// A new session starts from the default read-only permissions, clamped
	// by the local policy exactly like every later bridge grant.
	initialPerms := opts.Config.PermissionPolicy.Clamp(session.DefaultPermissions())

	d := &Daemon{
		cfg:           opts.Config,
		log:           logger,
		version:       strings.TrimSpace(opts.Version),
		commit:        strings.TrimSpace(opts.Commit),
		buildTime:     strings.TrimSpace(opts.BuildTime),
		home:          home,
		workspaceRoot: "",
		exec:          executor.New(home, ""),
		store:         store,
		perms:         initialPerms,
		killCh:        make(chan struct{}),
	}
	return d, nil
}

// Killed is closed once the loopback /kill endpoint has been called,
// letting Run's caller choose exit code 0 instead of treating the resulting
// context cancellation as a failure.
func (d *Daemon) Killed() <-chan struct{} {
	return d.killCh
}

func (d *Daemon) Close() error {
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Run drives the reconnect loop: dial, handshake, serve frames until the
// channel drops, back off, retry. Every reconnect is a fresh handshake with
// new metadata and a new filesystem index.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer d.stopHTTP()

	go func() {
		select {
		case <-d.killCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := d.startHTTP(); err != nil {
		return fmt.Errorf("start loopback http: %w", err)
	}

	d.log.Info("agent starting",
		"version", d.version,
		"commit", d.commit,
		"build_time", d.buildTime,
		"server_url", d.cfg.ServerURL,
		"user_id", d.cfg.UserID,
		"goos", runtime.GOOS,
		"goarch", runtime.GOARCH,
	)

	bo := newBackoff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		start := time.Now()
		err := d.runChannelOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			// Bad credentials will not heal by retrying.
			return err
		}
		if time.Since(start) > time.Minute {
			// The connection held for a while; start the backoff ladder over.
			bo = newBackoff()
		}
		d.log.Warn("bridge channel disconnected; retrying", "error", err)

		wait := bo.Next()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// wsURLFor builds the /api/bridge?userId=&type=agent dial URL from the
// configured serverUrl, translating http(s) schemes to ws(s).
func wsURLFor(serverURL, userID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("daemon: unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/bridge"
	q := u.Query()
	q.Set("userId", userID)
	q.Set("type", "agent")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// --- helper: backoff (1s, 2s, 4s, ... capped at 30s between reconnect
// attempts) ---

type backoff struct {
	attempt int
}

func newBackoff() *backoff { return &backoff{} }

func (b *backoff) Next() time.Duration {
	d := time.Duration(1<<b.attempt) * time.Second
	if b.attempt < 5 {
		b.attempt++
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// --- logger ---

func newLogger(format, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
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

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
