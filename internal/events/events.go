// Package events routes GUI lifecycle events into the backend termination
// procedure.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/deskshell/internal/supervisor"
)

// Kind of GUI lifecycle event.
type Kind int

const (
	WindowCloseRequested Kind = iota + 1
	ApplicationExit
)

func (k Kind) String() string {
	switch k {
	case WindowCloseRequested:
		return string(supervisor.TriggerWindowClose)
	case ApplicationExit:
		return string(supervisor.TriggerAppExit)
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Trigger maps the kind onto the supervisor trigger.
func (k Kind) Trigger() supervisor.Trigger { return supervisor.Trigger(k.String()) }

// Event is one lifecycle notification. Source names where it came from
// ("gui", "signal", "api").
type Event struct {
	Kind   Kind
	Source string
}

// Dispatch delivers an event and returns once it has been handled.
type Dispatch func(Event) (supervisor.Result, error)

// Terminator is the termination procedure events are routed into.
type Terminator interface {
	Terminate(trigger supervisor.Trigger) (supervisor.Result, error)
	Done() <-chan struct{}
}

// Router subscribes a Terminator to both event kinds. Handlers are
// synchronous: they return after the backend has exited.
type Router struct {
	term Terminator
}

func NewRouter(t Terminator) *Router { return &Router{term: t} }

// Dispatch runs the termination procedure for ev. When another trigger is
// already terminating the backend, it waits for that one to finish.
func (r *Router) Dispatch(ev Event) (supervisor.Result, error) {
	switch ev.Kind {
	case WindowCloseRequested, ApplicationExit:
	default:
		return supervisor.Result{}, fmt.Errorf("unknown event kind %v", ev.Kind)
	}
	slog.Info("Lifecycle event", "event", ev.Kind, "source", ev.Source)
	res, err := r.term.Terminate(ev.Kind.Trigger())
	if res.Noop && res.InFlight {
		<-r.term.Done()
	}
	return res, err
}

// OnWindowCloseRequested is the hook for a toolkit's window close callback.
func (r *Router) OnWindowCloseRequested() error {
	_, err := r.Dispatch(Event{Kind: WindowCloseRequested, Source: "gui"})
	return err
}

// OnApplicationExit is the hook for a toolkit's application exit callback.
func (r *Router) OnApplicationExit() error {
	_, err := r.Dispatch(Event{Kind: ApplicationExit, Source: "gui"})
	return err
}

// Source produces lifecycle events until ctx is done.
type Source interface {
	Run(ctx context.Context, dispatch Dispatch) error
}

// SignalSource turns the first SIGINT or SIGTERM (or Signals, when set) into
// an ApplicationExit event, then returns.
type SignalSource struct {
	Signals []os.Signal
}

func (s SignalSource) Run(ctx context.Context, dispatch Dispatch) error {
	sigs := s.Signals
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return nil
	case sig := <-sigCh:
		slog.Info("Received signal", "signal", sig.String())
		_, err := dispatch(Event{Kind: ApplicationExit, Source: "signal"})
		return err
	}
}
