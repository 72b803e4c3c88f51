//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the backend in its own process group so one
// signal reaches every process it forks (e.g. a bundled interpreter).
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
