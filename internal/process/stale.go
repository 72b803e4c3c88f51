package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/deskshell/internal/detector"
)

// ErrStaleBackend reports a leftover backend that survived ReapStale.
var ErrStaleBackend = errors.New("stale backend still running")

const stalePollInterval = 20 * time.Millisecond

// ReapStale kills a backend recorded in pidFile by an earlier run that never
// shut it down, then waits up to timeout for it to disappear. A missing file
// or a PID now owned by an unrelated process is not an error. It returns the
// PID that was killed, or 0.
func ReapStale(pidFile string, timeout time.Duration) (int, error) {
	d := detector.PIDFileDetector{PIDFile: pidFile}
	alive, err := d.Alive()
	if err != nil {
		slog.Warn("Ignoring unreadable backend pid file", "path", pidFile, "error", err)
		_ = os.Remove(pidFile)
		return 0, nil
	}
	if !alive {
		_ = os.Remove(pidFile)
		return 0, nil
	}
	rec, err := d.Record()
	if err != nil {
		return 0, err
	}
	slog.Warn("Killing backend left over from a previous run", "pid", rec.PID, "path", rec.Path)
	if err := killPID(rec.PID); err != nil {
		return rec.PID, fmt.Errorf("kill stale backend %d: %w", rec.PID, err)
	}

	if err := WaitGone(detector.PIDDetector{PID: rec.PID}, timeout); err != nil {
		return rec.PID, err
	}
	_ = os.Remove(pidFile)
	return rec.PID, nil
}

// WaitGone polls d until it reports not alive. ErrStaleBackend is returned
// when timeout passes first.
func WaitGone(d detector.Detector, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if ok, _ := d.Alive(); !ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrStaleBackend, d.Describe())
		}
		time.Sleep(stalePollInterval)
	}
}
