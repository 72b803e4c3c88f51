package detector

import (
	"fmt"
	"slices"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// pidAlive reports whether pid exists and is not a zombie.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	// Status is not implemented everywhere; treat unknown as alive.
	if st, err := p.Status(); err == nil && slices.Contains(st, gopsproc.Zombie) {
		return false
	}
	return true
}

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
