package process

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/deskshell/internal/detector"
)

// Handle is a live backend process started by a Launcher. A single reaper
// goroutine owns exec.Cmd.Wait; every Wait caller observes its result.
type Handle struct {
	cmd       *exec.Cmd
	path      string
	startedAt time.Time
	pidFile   string
	closers   []io.Closer
	done      chan struct{} // closed once the OS reaped the process

	mu        sync.Mutex
	exitErr   error
	stoppedAt time.Time
	// orphans is set when members of the backend's group outlived the leader
	orphans bool
}

func newHandle(cmd *exec.Cmd, path string, closers []io.Closer) *Handle {
	return &Handle{
		cmd:       cmd,
		path:      path,
		startedAt: time.Now(),
		closers:   closers,
		done:      make(chan struct{}),
	}
}

func (h *Handle) PID() int             { return h.cmd.Process.Pid }
func (h *Handle) Path() string         { return h.path }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed when the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr is the exec.Cmd.Wait result; nil until reaped or on clean exit.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *Handle) StoppedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stoppedAt
}

// Kill forcefully terminates the backend and its process group. Killing a
// process that already exited is not an error. Once the backend was reaped
// with its group empty, the group id may belong to someone else and nothing
// is signalled.
func (h *Handle) Kill() error {
	exited := h.Exited()
	if exited && !h.Orphans() {
		return nil
	}
	return killTree(h.cmd.Process, exited)
}

// Wait blocks until the OS reaped the backend and no other member of its
// process group remains, so ports held by any of them are released.
// It returns the backend's exit error.
func (h *Handle) Wait() error {
	<-h.done
	if h.Orphans() {
		waitGroupGone(h.PID())
	}
	return h.ExitErr()
}

// Orphans reports whether processes of the backend's group were still alive
// when the backend itself was reaped.
func (h *Handle) Orphans() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.orphans
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	orphans := groupExists(h.PID())
	h.mu.Lock()
	h.exitErr = err
	h.stoppedAt = time.Now()
	h.orphans = orphans
	h.mu.Unlock()
	closeAll(h.closers)
	if h.pidFile != "" {
		removeOwnPIDFile(h.pidFile, h.PID())
	}
	close(h.done)
}

// removeOwnPIDFile deletes path only while it still records pid; another
// shell may have written its own backend there since.
func removeOwnPIDFile(path string, pid int) {
	rec, err := detector.ReadPIDFile(path)
	if err != nil || rec.PID != pid {
		return
	}
	_ = os.Remove(path)
}
