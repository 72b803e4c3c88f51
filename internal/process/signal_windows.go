//go:build windows

package process

import (
	"errors"
	"os"
)

// killTree terminates the backend with TerminateProcess. Processes spawned by
// the backend are not tracked on Windows; bundle the backend as a single
// process there.
func killTree(p *os.Process, exited bool) error {
	if exited {
		return nil
	}
	err := p.Kill()
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// waitGroupGone is a no-op: Wait on the backend already confirmed its exit.
func waitGroupGone(int) {}

// groupExists is always false: group members are not tracked on Windows.
func groupExists(int) bool { return false }

func killPID(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return killTree(p, false)
}
