package process

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/deskshell/internal/detector"
	"github.com/loykin/deskshell/internal/logger"
	"github.com/loykin/deskshell/internal/process/processtest"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
}

func launchDummy(t *testing.T, mode, addr string) *Handle {
	t.Helper()
	l := &Launcher{Env: processtest.Env(mode, addr)}
	h, err := l.Launch(processtest.Executable(t))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	t.Cleanup(func() {
		_ = h.Kill()
		_ = h.Wait()
	})
	return h
}

func TestKillThenWaitReleasesPort(t *testing.T) {
	addr := processtest.FreeAddr(t)
	h := launchDummy(t, processtest.ModeListen, addr)
	processtest.WaitHeld(t, addr)

	if err := h.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	err := h.Wait()
	if err == nil {
		t.Fatalf("killed backend should report a non-nil exit error")
	}
	if !h.Exited() {
		t.Fatalf("handle must be reaped after Wait")
	}
	processtest.MustBind(t, addr)
}

func TestKillReachesForkedChildren(t *testing.T) {
	requireUnix(t)
	addr := processtest.FreeAddr(t)
	h := launchDummy(t, processtest.ModeForkListen, addr)
	processtest.WaitHeld(t, addr)

	if err := h.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	_ = h.Wait()
	processtest.MustBind(t, addr)
}

func TestLaunchMissingExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resources", "no-such-backend")
	h, err := (&Launcher{}).Launch(path)
	if h != nil {
		t.Fatalf("no handle expected on failure")
	}
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
	var se *SpawnError
	if !errors.As(err, &se) || se.Path != path {
		t.Fatalf("expected *SpawnError for %s, got %#v", path, err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("underlying OS error should be preserved: %v", err)
	}
}

func TestLaunchNonExecutableFile(t *testing.T) {
	requireUnix(t)
	path := filepath.Join(t.TempDir(), "backend")
	if err := os.WriteFile(path, []byte("not a program"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := (&Launcher{}).Launch(path)
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn for permission denied, got %v", err)
	}
}

func TestWaitConcurrentCallersSeeSameResult(t *testing.T) {
	h := launchDummy(t, processtest.ModeExit, "")
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.Wait()
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err == nil || err.Error() != errs[0].Error() {
			t.Fatalf("waiter %d got %v, want %v", i, err, errs[0])
		}
	}
	if h.StoppedAt().Before(h.StartedAt()) {
		t.Fatalf("stoppedAt before startedAt")
	}
	// killing an exited backend is fine
	if err := h.Kill(); err != nil {
		t.Fatalf("kill after exit: %v", err)
	}
}

func TestLaunchCapturesOutputAndDefaultsWorkDir(t *testing.T) {
	requireUnix(t)
	logs := filepath.Join(t.TempDir(), "logs")
	l := &Launcher{
		Args: []string{"-c", "pwd -P; echo oops 1>&2"},
		Log:  logger.Config{File: logger.FileConfig{Dir: logs}},
	}
	h, err := l.Launch("/bin/sh")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if err := h.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	out, err := os.ReadFile(filepath.Join(logs, "backend.stdout.log"))
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	want, _ := filepath.EvalSymlinks("/bin")
	if strings.TrimSpace(string(out)) != want {
		t.Fatalf("workdir: got %q want %q", out, want)
	}
	errOut, _ := os.ReadFile(filepath.Join(logs, "backend.stderr.log"))
	if strings.TrimSpace(string(errOut)) != "oops" {
		t.Fatalf("stderr: %q", errOut)
	}
}

func TestPIDFileLifecycle(t *testing.T) {
	pf := filepath.Join(t.TempDir(), "run", "backend.pid")
	addr := processtest.FreeAddr(t)
	l := &Launcher{Env: processtest.Env(processtest.ModeListen, addr), PIDFile: pf}
	h, err := l.Launch(processtest.Executable(t))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	rec, err := detector.ReadPIDFile(pf)
	if err != nil || rec.PID != h.PID() || rec.Path != h.Path() {
		t.Fatalf("pid file: %+v err=%v", rec, err)
	}
	_ = h.Kill()
	_ = h.Wait()
	if _, err := os.Stat(pf); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pid file must be removed once the backend is reaped: %v", err)
	}
}

func TestReapStaleKillsRecordedBackend(t *testing.T) {
	pf := filepath.Join(t.TempDir(), "backend.pid")
	addr := processtest.FreeAddr(t)
	// stands in for a backend orphaned by a crashed shell
	l := &Launcher{Env: processtest.Env(processtest.ModeListen, addr), PIDFile: pf}
	h, err := l.Launch(processtest.Executable(t))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	processtest.WaitHeld(t, addr)

	pid, err := ReapStale(pf, 5*time.Second)
	if err != nil {
		t.Fatalf("reap stale: %v", err)
	}
	if pid != h.PID() {
		t.Fatalf("reaped pid %d, want %d", pid, h.PID())
	}
	_ = h.Wait()
	processtest.MustBind(t, addr)
	if _, err := os.Stat(pf); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pid file should be gone: %v", err)
	}
}

func TestReapStaleWithoutLiveBackend(t *testing.T) {
	dir := t.TempDir()
	pid, err := ReapStale(filepath.Join(dir, "missing.pid"), time.Second)
	if err != nil || pid != 0 {
		t.Fatalf("missing pid file: pid=%d err=%v", pid, err)
	}

	dead := filepath.Join(dir, "dead.pid")
	h := launchDummy(t, processtest.ModeExit, "")
	_ = h.Wait()
	if err := detector.WritePIDFile(dead, detector.PIDRecord{PID: h.PID()}); err != nil {
		t.Fatal(err)
	}
	pid, err = ReapStale(dead, time.Second)
	if err != nil || pid != 0 {
		t.Fatalf("dead pid: pid=%d err=%v", pid, err)
	}
	if _, err := os.Stat(dead); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale pid file should be removed: %v", err)
	}
}

func TestExitedBackendWithoutGroupIsNotSignalled(t *testing.T) {
	h := launchDummy(t, processtest.ModeExit, "")
	_ = h.Wait()
	if h.Orphans() {
		t.Fatalf("a backend that forked nothing leaves no group behind")
	}
	// the group id may be reused by now; Kill must not touch it
	if err := h.Kill(); err != nil {
		t.Fatalf("kill after exit: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = h.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait on a reaped backend without group members must not block")
	}
}

func TestCrashedLeaderGroupIsStillKilled(t *testing.T) {
	requireUnix(t)
	addr := processtest.FreeAddr(t)
	h := launchDummy(t, processtest.ModeForkExit, addr)
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("leader did not exit")
	}
	if !h.Orphans() {
		t.Fatalf("forked listener should outlive the leader")
	}
	processtest.WaitHeld(t, addr)

	if err := h.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	_ = h.Wait()
	processtest.MustBind(t, addr)
}

func TestReapKeepsPIDFileRewrittenByAnotherBackend(t *testing.T) {
	pf := filepath.Join(t.TempDir(), "backend.pid")
	launch := func() *Handle {
		l := &Launcher{Env: processtest.Env(processtest.ModeListen, processtest.FreeAddr(t)), PIDFile: pf}
		h, err := l.Launch(processtest.Executable(t))
		if err != nil {
			t.Fatalf("launch: %v", err)
		}
		t.Cleanup(func() {
			_ = h.Kill()
			_ = h.Wait()
		})
		return h
	}
	first := launch()
	second := launch()

	_ = first.Kill()
	_ = first.Wait()
	rec, err := detector.ReadPIDFile(pf)
	if err != nil || rec.PID != second.PID() {
		t.Fatalf("pid file of the live backend was lost: %+v err=%v", rec, err)
	}

	_ = second.Kill()
	_ = second.Wait()
	if _, err := os.Stat(pf); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pid file must be removed by its own backend: %v", err)
	}
}

func TestWaitGoneTimesOut(t *testing.T) {
	err := WaitGone(detector.PIDDetector{PID: os.Getpid()}, 30*time.Millisecond)
	if !errors.Is(err, ErrStaleBackend) || !strings.Contains(err.Error(), "pid:") {
		t.Fatalf("expected ErrStaleBackend naming the detector, got %v", err)
	}
	if err := WaitGone(detector.PIDDetector{}, time.Second); err != nil {
		t.Fatalf("absent target: %v", err)
	}
}
