// Package deskshell hosts the backend server of a desktop application: it
// starts the bundled backend once and guarantees it is killed and reaped,
// with its port released, however the GUI session ends.
package deskshell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/deskshell/internal/config"
	"github.com/loykin/deskshell/internal/events"
	"github.com/loykin/deskshell/internal/history"
	"github.com/loykin/deskshell/internal/history/factory"
	"github.com/loykin/deskshell/internal/instance"
	"github.com/loykin/deskshell/internal/metrics"
	"github.com/loykin/deskshell/internal/process"
	"github.com/loykin/deskshell/internal/resource"
	"github.com/loykin/deskshell/internal/server"
	"github.com/loykin/deskshell/internal/slot"
	"github.com/loykin/deskshell/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = config.Config

type State = supervisor.State

type Snapshot = supervisor.Snapshot

type Result = supervisor.Result

type Trigger = supervisor.Trigger

type HistorySink = history.Sink

type HistoryEvent = history.Event

// Resolver locates the resource directory holding resources/<binary>.
type Resolver = resource.Resolver

type ResolverFunc = resource.ResolverFunc

const (
	StateNotStarted  = supervisor.StateNotStarted
	StateRunning     = supervisor.StateRunning
	StateTerminating = supervisor.StateTerminating
	StateTerminated  = supervisor.StateTerminated
)

var (
	ErrSpawn              = process.ErrSpawn
	ErrResourceResolution = resource.ErrResourceResolution
	ErrAlreadyStarted     = supervisor.ErrAlreadyStarted
	ErrTerminationTimeout = supervisor.ErrTerminationTimeout
	ErrAlreadyRunning     = instance.ErrAlreadyRunning
)

// LoadConfig reads a deskshell.toml; an empty path yields the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// App wires the supervisor with its configuration, history, metrics, the
// single-instance lock and the optional control server.
type App struct {
	cfg      *Config
	resolver Resolver
	sup      *supervisor.Supervisor
	router   *events.Router
	recent   *history.Memory
	sinks    []history.Sink
	lock     *instance.Lock
	noLock   bool
	ctl      *server.Server

	closeOnce sync.Once
	closeErr  error
}

type Option func(*App)

// WithResolver replaces the resource directory lookup.
func WithResolver(r Resolver) Option { return func(a *App) { a.resolver = r } }

// WithHistorySinks adds sinks next to the ones configured by DSN. Close
// closes those implementing io.Closer.
func WithHistorySinks(sinks ...HistorySink) Option {
	return func(a *App) { a.sinks = append(a.sinks, sinks...) }
}

// WithoutInstanceLock skips the lock file, for embedders that enforce a
// single instance themselves or run several shells side by side. The backend
// PID file is then neither written nor used to kill a leftover backend: a
// sibling shell's live backend would look exactly like one.
func WithoutInstanceLock() Option { return func(a *App) { a.noLock = true } }

// New prepares an App. Nothing is started until Start.
func New(cfg *Config, opts ...Option) (*App, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.Load(""); err != nil {
			return nil, err
		}
	}
	a := &App{cfg: cfg, recent: &history.Memory{}}
	for _, o := range opts {
		o(a)
	}
	if a.resolver == nil {
		a.resolver = resource.DirResolver{Dir: cfg.ResourceDir}
	}

	backendEnv, err := cfg.BackendEnv()
	if err != nil {
		return nil, err
	}
	if cfg.History.Enabled {
		for _, dsn := range cfg.History.DSNs {
			s, err := factory.NewSinkFromDSN(dsn)
			if err != nil {
				a.closeSinks()
				return nil, fmt.Errorf("history sink %q: %w", dsn, err)
			}
			a.sinks = append(a.sinks, s)
		}
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			a.closeSinks()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	// the PID file is only ours while the instance lock is
	pidFile := cfg.Backend.PIDFile
	if a.noLock {
		pidFile = ""
	}
	launcher := &process.Launcher{
		Args:    cfg.Backend.Args,
		WorkDir: cfg.Backend.WorkDir,
		Env:     backendEnv,
		Log:     cfg.Log,
		PIDFile: pidFile,
	}
	a.sup = supervisor.New(supervisor.Options{
		Slot:               slot.New[process.Handle](),
		Launcher:           launcher,
		Resolver:           a.resolver,
		Binary:             cfg.Backend.Binary,
		PortAddr:           cfg.Backend.Addr(),
		TerminateWarnAfter: cfg.Backend.TerminateWarnAfter,
		History:            append(history.Multi{a.recent}, a.sinks...),
		StalePIDFile:       pidFile,
		StaleTimeout:       cfg.Backend.StaleTimeout,
	})
	a.router = events.NewRouter(a.sup)
	return a, nil
}

// Start takes the instance lock, starts the backend and, when configured,
// the control server. Any error is fatal for the application; nothing is
// left running.
func (a *App) Start(ctx context.Context) error {
	if !a.noLock {
		lock, err := instance.Acquire(a.cfg.LockFile)
		if err != nil {
			return err
		}
		a.lock = lock
	}
	if err := a.sup.Start(ctx); err != nil {
		_ = a.lock.Release()
		a.lock = nil
		return err
	}
	if a.cfg.Server.Enabled {
		ctl, err := server.NewServer(a.cfg.Server.Listen, a.Handler())
		if err != nil {
			_, _ = a.sup.Terminate(supervisor.TriggerAppExit)
			_ = a.lock.Release()
			a.lock = nil
			return fmt.Errorf("start control server: %w", err)
		}
		a.ctl = ctl
		slog.Info("Control server listening", "addr", ctl.Addr(), "base_path", a.cfg.Server.BasePath)
	}
	return nil
}

// Handler is the control API, for mounting into another HTTP server.
func (a *App) Handler() http.Handler {
	r := server.NewRouter(a.sup, a.router, a.cfg.Server.BasePath).WithHistory(a.recent)
	if a.cfg.Metrics.Enabled {
		r = r.WithMetrics(metrics.Handler())
	}
	return r.Handler()
}

// WindowCloseRequested is the GUI toolkit hook for a window close request.
// It returns after the backend has exited.
func (a *App) WindowCloseRequested() error { return a.router.OnWindowCloseRequested() }

// ApplicationExit is the GUI toolkit hook for application exit. It returns
// after the backend has exited.
func (a *App) ApplicationExit() error { return a.router.OnApplicationExit() }

// RunSignals turns SIGINT/SIGTERM into ApplicationExit until ctx is done.
func (a *App) RunSignals(ctx context.Context) error {
	return events.SignalSource{}.Run(ctx, a.router.Dispatch)
}

func (a *App) State() State       { return a.sup.State() }
func (a *App) Snapshot() Snapshot { return a.sup.Snapshot() }

// Done is closed once the backend was terminated by any trigger.
func (a *App) Done() <-chan struct{} { return a.sup.Done() }

// History returns the lifecycle events of this run.
func (a *App) History() []HistoryEvent { return a.recent.Events() }

// ControlAddr is the bound control server address, or "".
func (a *App) ControlAddr() string {
	if a.ctl == nil {
		return ""
	}
	return a.ctl.Addr()
}

// BackendPath resolves the backend executable without starting it.
func (a *App) BackendPath() (string, error) {
	dir, err := a.resolver.ResolveDir()
	if err != nil {
		return "", err
	}
	return resource.BackendPath(dir, a.cfg.Backend.Binary), nil
}

// Close terminates the backend if no trigger did yet, then stops the
// control server, closes history sinks and releases the instance lock.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if _, err := a.router.Dispatch(events.Event{Kind: events.ApplicationExit, Source: "close"}); err != nil {
			errs = append(errs, err)
		}
		if a.ctl != nil {
			if err := a.ctl.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown control server: %w", err))
			}
		}
		a.closeSinks()
		if err := a.lock.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) closeSinks() {
	for _, s := range a.sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
