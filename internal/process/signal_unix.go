//go:build !windows

package process

import (
	"errors"
	"os"
	"syscall"
	"time"
)

const groupPollInterval = 10 * time.Millisecond

// killTree sends SIGKILL to the whole process group led by p. The group id
// outlives the leader while members remain, so it is signalled even after
// the leader was reaped.
func killTree(p *os.Process, _ bool) error {
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// waitGroupGone blocks until no process in group pgid exists. Orphaned
// members are reaped by init, which is what finally releases their sockets.
func waitGroupGone(pgid int) {
	for groupExists(pgid) {
		time.Sleep(groupPollInterval)
	}
}

func groupExists(pgid int) bool {
	err := syscall.Kill(-pgid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// killPID kills a backend known only by pid. A leftover backend led its own
// group, so the group is tried first.
func killPID(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, syscall.SIGKILL)
	}
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
