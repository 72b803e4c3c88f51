package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/deskshell/internal/detector"
	"github.com/loykin/deskshell/internal/history"
	"github.com/loykin/deskshell/internal/process"
	"github.com/loykin/deskshell/internal/process/processtest"
	"github.com/loykin/deskshell/internal/resource"
	"github.com/loykin/deskshell/internal/slot"
)

// dummyLauncher launches the dummy backend whatever path it is given and
// remembers the path and the number of calls.
type dummyLauncher struct {
	inner *process.Launcher
	exe   string

	calls atomic.Int32
	mu    sync.Mutex
	paths []string
}

func newDummyLauncher(t *testing.T, mode, addr string) *dummyLauncher {
	return &dummyLauncher{
		inner: &process.Launcher{Env: processtest.Env(mode, addr)},
		exe:   processtest.Executable(t),
	}
}

func (d *dummyLauncher) Launch(path string) (*process.Handle, error) {
	d.calls.Add(1)
	d.mu.Lock()
	d.paths = append(d.paths, path)
	d.mu.Unlock()
	return d.inner.Launch(d.exe)
}

type fixture struct {
	sup  *Supervisor
	slot *slot.Slot[process.Handle]
	l    *dummyLauncher
	hist *history.Memory
	addr string
	dir  string
}

func newFixture(t *testing.T, mode string, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		slot: slot.New[process.Handle](),
		hist: &history.Memory{},
		addr: processtest.FreeAddr(t),
		dir:  t.TempDir(),
	}
	f.l = newDummyLauncher(t, mode, f.addr)
	opts := Options{
		Slot:     f.slot,
		Launcher: f.l,
		Resolver: resource.ResolverFunc(func() (string, error) { return f.dir, nil }),
		Binary:   "wardrobe-backend",
		PortAddr: f.addr,
		History:  f.hist,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.sup = New(opts)
	t.Cleanup(func() {
		if h, ok := f.slot.Take(); ok {
			_ = h.Kill()
			_ = h.Wait()
		}
	})
	return f
}

func TestStartStoresHandleAndTerminateReleasesPort(t *testing.T) {
	f := newFixture(t, processtest.ModeListen, nil)
	require.NoError(t, f.sup.Start(context.Background()))
	assert.Equal(t, StateRunning, f.sup.State())
	assert.Equal(t, []string{resource.BackendPath(f.dir, "wardrobe-backend")}, f.l.paths)

	h, ok := f.slot.Peek()
	require.True(t, ok)
	snap := f.sup.Snapshot()
	assert.Equal(t, h.PID(), snap.PID)
	processtest.WaitHeld(t, f.addr)

	res, err := f.sup.Terminate(TriggerWindowClose)
	require.NoError(t, err)
	// bound by the backend until the moment Terminate returned
	processtest.MustBind(t, f.addr)

	assert.False(t, res.Noop)
	assert.Equal(t, h.PID(), res.PID)
	assert.Error(t, res.ExitErr, "a killed backend has a non-nil exit status")
	assert.False(t, res.PortHeld)
	assert.True(t, h.Exited())
	assert.Equal(t, StateTerminated, f.sup.State())
	assert.Equal(t, TriggerWindowClose, f.sup.Snapshot().Trigger)

	select {
	case <-f.sup.Done():
	default:
		t.Fatal("Done must be closed after termination")
	}
	assert.Equal(t, 1, f.hist.Count(history.EventSpawn))
	assert.Equal(t, 1, f.hist.Count(history.EventTerminate))
}

func TestConcurrentTriggersTerminateOnce(t *testing.T) {
	f := newFixture(t, processtest.ModeListen, nil)
	require.NoError(t, f.sup.Start(context.Background()))
	processtest.WaitHeld(t, f.addr)

	const n = 8
	results := make([]Result, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			trig := TriggerWindowClose
			if i%2 == 1 {
				trig = TriggerAppExit
			}
			<-start
			res, err := f.sup.Terminate(trig)
			assert.NoError(t, err)
			if res.Noop && res.InFlight {
				<-f.sup.Done()
			}
			results[i] = res
		}(i)
	}
	close(start)
	wg.Wait()

	owners := 0
	for _, r := range results {
		if !r.Noop {
			owners++
		}
	}
	assert.Equal(t, 1, owners, "exactly one trigger terminates the backend")
	assert.Equal(t, 1, f.hist.Count(history.EventTerminate))
	assert.Equal(t, n-1, f.hist.Count(history.EventTerminateNoop))
	processtest.MustBind(t, f.addr)

	// a late trigger after everything finished is still a no-op
	res, err := f.sup.Terminate(TriggerAppExit)
	require.NoError(t, err)
	assert.True(t, res.Noop)
	assert.False(t, res.InFlight)
}

func TestTerminateBeforeStartIsNoop(t *testing.T) {
	f := newFixture(t, processtest.ModeListen, nil)
	res, err := f.sup.Terminate(TriggerAppExit)
	require.NoError(t, err)
	assert.True(t, res.Noop)
	assert.False(t, res.InFlight)
	assert.Zero(t, res.PID)
	assert.Equal(t, int32(0), f.l.calls.Load())
	assert.Equal(t, StateNotStarted, f.sup.State())
}

func TestStartSpawnFailureIsFatal(t *testing.T) {
	s := slot.New[process.Handle]()
	hist := &history.Memory{}
	l := &countingLauncher{inner: &process.Launcher{}}
	dir := t.TempDir()
	sup := New(Options{
		Slot:     s,
		Launcher: l,
		Resolver: resource.ResolverFunc(func() (string, error) { return dir, nil }),
		Binary:   "missing-backend",
		History:  hist,
	})

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, process.ErrSpawn))
	var se *process.SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, resource.BackendPath(dir, "missing-backend"), se.Path)

	_, ok := s.Peek()
	assert.False(t, ok, "no handle is stored after a failed spawn")
	assert.Equal(t, StateNotStarted, sup.State())
	assert.NotEmpty(t, sup.Snapshot().LastError)
	assert.Equal(t, 1, hist.Count(history.EventSpawnFailed))

	// startup is not retried
	assert.ErrorIs(t, sup.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, int32(1), l.calls.Load())

	res, err := sup.Terminate(TriggerAppExit)
	require.NoError(t, err)
	assert.True(t, res.Noop)
}

type countingLauncher struct {
	inner Launcher
	calls atomic.Int32
}

func (c *countingLauncher) Launch(path string) (*process.Handle, error) {
	c.calls.Add(1)
	return c.inner.Launch(path)
}

func TestResolverFailureAbortsStartup(t *testing.T) {
	l := &countingLauncher{inner: &process.Launcher{}}
	sup := New(Options{
		Launcher: l,
		Resolver: resource.ResolverFunc(func() (string, error) { return "", errors.New("no bundle") }),
	})
	err := sup.Start(context.Background())
	assert.ErrorIs(t, err, resource.ErrResourceResolution)
	var re *resource.Error
	assert.ErrorAs(t, err, &re)
	assert.Equal(t, int32(0), l.calls.Load())
	assert.Equal(t, StateNotStarted, sup.State())
}

func TestStartTwiceSpawnsOnce(t *testing.T) {
	f := newFixture(t, processtest.ModeListen, nil)
	require.NoError(t, f.sup.Start(context.Background()))
	assert.ErrorIs(t, f.sup.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, int32(1), f.l.calls.Load())

	_, err := f.sup.Terminate(TriggerAppExit)
	require.NoError(t, err)
	assert.ErrorIs(t, f.sup.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, int32(1), f.l.calls.Load())
}

func TestStartRefusesOccupiedSlot(t *testing.T) {
	f := newFixture(t, processtest.ModeListen, nil)
	other := newDummyLauncher(t, processtest.ModeListen, processtest.FreeAddr(t))
	h, err := other.Launch("")
	require.NoError(t, err)
	require.NoError(t, f.slot.Store(h))

	err = f.sup.Start(context.Background())
	assert.ErrorIs(t, err, slot.ErrSlotOccupied)
	got, ok := f.slot.Peek()
	require.True(t, ok)
	assert.Same(t, h, got, "the live handle must not be replaced")
}

func TestSlowTerminationIsReportedAndWaitContinues(t *testing.T) {
	f := newFixture(t, processtest.ModeListen, func(o *Options) {
		o.TerminateWarnAfter = time.Nanosecond
	})
	require.NoError(t, f.sup.Start(context.Background()))
	processtest.WaitHeld(t, f.addr)

	res, err := f.sup.Terminate(TriggerAppExit)
	require.NoError(t, err)
	assert.True(t, res.Slow)
	assert.Equal(t, 1, f.hist.Count(history.EventTerminateSlow))
	// the warning does not cut the wait short
	processtest.MustBind(t, f.addr)
	assert.Equal(t, StateTerminated, f.sup.State())
}

func TestStartKillsStaleBackend(t *testing.T) {
	pf := filepath.Join(t.TempDir(), "backend.pid")
	orphanAddr := processtest.FreeAddr(t)
	orphan, err := (&process.Launcher{Env: processtest.Env(processtest.ModeListen, orphanAddr), PIDFile: pf}).
		Launch(processtest.Executable(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = orphan.Kill(); _ = orphan.Wait() })
	processtest.WaitHeld(t, orphanAddr)

	f := newFixture(t, processtest.ModeListen, func(o *Options) {
		o.StalePIDFile = pf
		o.StaleTimeout = 5 * time.Second
	})
	require.NoError(t, f.sup.Start(context.Background()))

	select {
	case <-orphan.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stale backend was not killed")
	}
	_ = orphan.Wait()
	processtest.MustBind(t, orphanAddr)
	assert.Equal(t, StateRunning, f.sup.State())
}

func TestSiblingSupervisorsSharingPIDFile(t *testing.T) {
	pf := filepath.Join(t.TempDir(), "backend.pid")

	// first shell: holds the instance lock, so it may clean up stale backends
	first := newFixture(t, processtest.ModeListen, func(o *Options) {
		o.StalePIDFile = pf
		o.StaleTimeout = time.Second
	})
	first.l.inner.PIDFile = pf
	require.NoError(t, first.sup.Start(context.Background()))
	processtest.WaitHeld(t, first.addr)
	firstPID := first.sup.Snapshot().PID

	// second shell runs unlocked: it records its backend but reaps nothing
	second := newFixture(t, processtest.ModeListen, nil)
	second.l.inner.PIDFile = pf
	require.NoError(t, second.sup.Start(context.Background()))
	processtest.WaitHeld(t, second.addr)

	alive, err := detector.PIDDetector{PID: firstPID}.Alive()
	require.NoError(t, err)
	assert.True(t, alive, "the sibling's start must not kill a running backend")
	assert.Equal(t, StateRunning, first.sup.State())

	_, err = first.sup.Terminate(TriggerAppExit)
	require.NoError(t, err)
	rec, err := detector.ReadPIDFile(pf)
	require.NoError(t, err, "terminating the first backend must keep the second one's record")
	assert.Equal(t, second.sup.Snapshot().PID, rec.PID)

	_, err = second.sup.Terminate(TriggerAppExit)
	require.NoError(t, err)
	processtest.MustBind(t, second.addr)
}
