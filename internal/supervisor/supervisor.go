// Package supervisor owns the backend for one application run: it starts it
// once and runs the single termination procedure every shutdown trigger goes
// through.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/deskshell/internal/detector"
	"github.com/loykin/deskshell/internal/history"
	"github.com/loykin/deskshell/internal/metrics"
	"github.com/loykin/deskshell/internal/process"
	"github.com/loykin/deskshell/internal/resource"
	"github.com/loykin/deskshell/internal/slot"
)

var (
	ErrAlreadyStarted = errors.New("backend already started")
	// ErrTerminationTimeout is logged when the backend outlives
	// Options.TerminateWarnAfter after being killed. The wait goes on.
	ErrTerminationTimeout = errors.New("backend termination is taking too long")
)

// DefaultStaleTimeout bounds the cleanup of a backend left by a previous run.
const DefaultStaleTimeout = 3 * time.Second

// State of the supervised backend.
type State string

const (
	StateNotStarted  State = "not_started"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
)

var allStates = []string{string(StateNotStarted), string(StateRunning), string(StateTerminating), string(StateTerminated)}

// Trigger names what asked for the backend to be terminated.
type Trigger string

const (
	TriggerWindowClose Trigger = "window_close_requested"
	TriggerAppExit     Trigger = "application_exit"
)

// Launcher starts the backend executable at path.
type Launcher interface {
	Launch(path string) (*process.Handle, error)
}

// Options configures a Supervisor. Slot, Launcher and Resolver default to an
// empty slot, a zero process.Launcher and the executable-relative resolver.
type Options struct {
	Slot     *slot.Slot[process.Handle]
	Launcher Launcher
	Resolver resource.Resolver
	// Binary is the backend file name under <resource dir>/resources.
	Binary string
	// PortAddr, when set, is checked for release after each termination.
	PortAddr string
	// TerminateWarnAfter > 0 logs ErrTerminationTimeout once the wait exceeds it.
	TerminateWarnAfter time.Duration
	History            history.Sink
	// StalePIDFile is where the launcher records the backend PID; a live
	// backend found there at Start is killed before spawning. Set it only
	// while holding the instance lock: without it, the recorded backend may
	// belong to a sibling shell that is still running.
	StalePIDFile string
	StaleTimeout time.Duration
}

// Result describes one invocation of Terminate.
type Result struct {
	// Noop is set when the slot was empty: nothing was signalled.
	Noop bool
	// InFlight is set on a Noop while another caller is still waiting for
	// the backend to exit; Done closes when it has.
	InFlight bool
	PID      int
	ExitErr  error
	Duration time.Duration
	Slow     bool
	PortHeld bool
}

// Snapshot is a point-in-time view of the supervisor.
type Snapshot struct {
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Path      string    `json:"path,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Trigger   Trigger   `json:"trigger,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type Supervisor struct {
	opts Options
	port detector.Detector // nil when PortAddr is unset

	mu      sync.Mutex
	started bool
	snap    Snapshot
	done    chan struct{}
}

func New(opts Options) *Supervisor {
	if opts.Slot == nil {
		opts.Slot = slot.New[process.Handle]()
	}
	if opts.Launcher == nil {
		opts.Launcher = &process.Launcher{}
	}
	if opts.Resolver == nil {
		opts.Resolver = resource.DirResolver{}
	}
	if opts.Binary == "" {
		opts.Binary = process.DefaultName
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = DefaultStaleTimeout
	}
	s := &Supervisor{
		opts: opts,
		snap: Snapshot{State: StateNotStarted},
		done: make(chan struct{}),
	}
	if opts.PortAddr != "" {
		s.port = detector.PortDetector{Addr: opts.PortAddr}
	}
	metrics.SetState(string(StateNotStarted), allStates)
	return s
}

// Start resolves the backend path, launches the backend and stores its
// handle. It may be called once; later calls return ErrAlreadyStarted
// without spawning. Any error leaves the slot empty and the state
// not_started.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return s.startFailed("", err)
	}
	dir, err := s.opts.Resolver.ResolveDir()
	if err != nil {
		if !errors.Is(err, resource.ErrResourceResolution) {
			err = &resource.Error{Err: err}
		}
		return s.startFailed("", err)
	}
	path := resource.BackendPath(dir, s.opts.Binary)

	if s.opts.StalePIDFile != "" {
		if pid, err := process.ReapStale(s.opts.StalePIDFile, s.opts.StaleTimeout); err != nil {
			slog.Error("Failed to clean up stale backend", "pid", pid, "error", err)
		}
	}

	h, err := s.opts.Launcher.Launch(path)
	if err != nil {
		metrics.IncSpawn(false)
		return s.startFailed(path, err)
	}
	// state changes together with the slot so Terminate never observes a
	// stored handle in not_started
	s.mu.Lock()
	if err := s.opts.Slot.Store(h); err != nil {
		s.mu.Unlock()
		// the slot belongs to someone else; do not leak the new backend
		_ = h.Kill()
		_ = h.Wait()
		metrics.IncSpawn(false)
		return s.startFailed(path, fmt.Errorf("store backend handle: %w", err))
	}
	s.snap.State = StateRunning
	s.snap.PID = h.PID()
	s.snap.Path = path
	s.snap.StartedAt = h.StartedAt()
	s.snap.LastError = ""
	s.mu.Unlock()
	metrics.IncSpawn(true)
	metrics.SetState(string(StateRunning), allStates)

	s.record(history.EventSpawn, history.Record{PID: h.PID(), StartedAt: h.StartedAt()})
	return nil
}

func (s *Supervisor) startFailed(path string, err error) error {
	s.mu.Lock()
	s.snap.Path = path
	s.snap.LastError = err.Error()
	s.mu.Unlock()
	slog.Error("Backend startup failed", "path", path, "error", err)
	s.record(history.EventSpawnFailed, history.Record{Error: err.Error()})
	return err
}

// Terminate takes the backend out of the slot, kills it and blocks until the
// OS has reaped it. Every trigger uses this procedure. When the slot is empty
// (never started, or another trigger got there first) it returns a Noop
// result and signals nothing. A kill failure is returned only after the wait
// confirmed the exit.
func (s *Supervisor) Terminate(trigger Trigger) (Result, error) {
	s.mu.Lock()
	h, ok := s.opts.Slot.Take()
	if !ok {
		res := Result{Noop: true, InFlight: s.snap.State == StateTerminating}
		s.mu.Unlock()
		slog.Debug("Backend termination skipped: slot empty", "trigger", trigger, "in_flight", res.InFlight)
		metrics.IncTermination(string(trigger), "noop")
		s.record(history.EventTerminateNoop, history.Record{Trigger: string(trigger)})
		return res, nil
	}
	s.snap.State = StateTerminating
	s.snap.Trigger = trigger
	s.mu.Unlock()
	metrics.SetState(string(StateTerminating), allStates)

	res := Result{PID: h.PID()}
	begin := time.Now()
	outcome := "terminated"
	killErr := h.Kill()
	if killErr != nil {
		// the wait below still decides when the backend is gone
		outcome = "kill_error"
		killErr = fmt.Errorf("kill backend %d: %w", h.PID(), killErr)
		slog.Error("Failed to kill backend", "pid", h.PID(), "trigger", trigger, "error", killErr)
	}

	stopWarn := s.warnIfSlow(h, trigger)
	res.ExitErr = h.Wait()
	res.Slow = stopWarn()
	res.Duration = time.Since(begin)

	if s.port != nil {
		if held, _ := s.port.Alive(); held {
			res.PortHeld = true
			metrics.IncPortHeld()
			slog.Warn("Backend port still bound after exit", "detector", s.port.Describe(), "pid", h.PID())
		}
	}

	s.finish(h.StoppedAt())

	metrics.IncTermination(string(trigger), outcome)
	metrics.ObserveTermination(res.Duration.Seconds())
	rec := history.Record{PID: h.PID(), Trigger: string(trigger), StartedAt: h.StartedAt(), StoppedAt: h.StoppedAt()}
	if res.ExitErr != nil {
		rec.Error = res.ExitErr.Error()
	}
	s.record(history.EventTerminate, rec)
	slog.Info("Backend terminated", "pid", h.PID(), "trigger", trigger, "duration", res.Duration, "exit", res.ExitErr)
	return res, killErr
}

// warnIfSlow reports ErrTerminationTimeout if h is not reaped within
// TerminateWarnAfter. The returned func is called once the wait ended and
// reports whether the warning fired.
func (s *Supervisor) warnIfSlow(h *process.Handle, trigger Trigger) func() bool {
	if s.opts.TerminateWarnAfter <= 0 {
		return func() bool { return false }
	}
	fired := make(chan struct{})
	t := time.AfterFunc(s.opts.TerminateWarnAfter, func() {
		defer close(fired)
		slog.Error("Backend did not exit after kill, still waiting",
			"pid", h.PID(), "trigger", trigger, "after", s.opts.TerminateWarnAfter, "error", ErrTerminationTimeout)
		metrics.IncSlowTermination()
		s.record(history.EventTerminateSlow, history.Record{PID: h.PID(), Trigger: string(trigger), StartedAt: h.StartedAt(), Error: ErrTerminationTimeout.Error()})
	})
	return func() bool {
		if t.Stop() {
			return false
		}
		<-fired
		return true
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.State
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Done is closed once the backend has been terminated and reaped.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// finish marks the backend terminated and releases Done waiters. Only the
// caller that took the handle gets here, once per run.
func (s *Supervisor) finish(stoppedAt time.Time) {
	s.mu.Lock()
	s.snap.State = StateTerminated
	s.snap.StoppedAt = stoppedAt
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
	metrics.SetState(string(StateTerminated), allStates)
}

func (s *Supervisor) record(t history.EventType, rec history.Record) {
	if s.opts.History == nil {
		return
	}
	rec.Backend = s.opts.Binary
	evt := history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}
	if err := s.opts.History.Send(context.Background(), evt); err != nil {
		slog.Warn("Failed to record backend history", "type", t, "error", err)
	}
}
