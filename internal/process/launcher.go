package process

import (
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"

	"github.com/loykin/deskshell/internal/detector"
	"github.com/loykin/deskshell/internal/env"
	"github.com/loykin/deskshell/internal/logger"
)

// DefaultName is used for log file names and log attributes.
const DefaultName = "backend"

// Launcher starts the backend executable. The zero value starts the
// executable with no arguments, the parent's environment and discarded output.
type Launcher struct {
	Name    string
	Args    []string
	WorkDir string        // defaults to the executable's directory
	Env     *env.Env      // nil inherits the parent environment
	Log     logger.Config // File section captures stdout/stderr
	PIDFile string        // optional; written after start, removed after reap
}

// Launch starts path and returns a handle to the live process. It does not
// check that path exists: any start failure is returned as *SpawnError and
// leaves no process behind.
func (l *Launcher) Launch(path string) (*Handle, error) {
	name := l.Name
	if name == "" {
		name = DefaultName
	}
	// #nosec G204 -- path comes from the resolved resource directory
	cmd := exec.Command(path, l.Args...)
	cmd.Dir = l.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(path)
	}
	if l.Env != nil {
		cmd.Env = l.Env.Merge(nil)
	}
	configureSysProcAttr(cmd)

	var closers []io.Closer
	if l.Log.File.Enabled() {
		outW, errW, err := l.Log.ProcessWriters(name)
		if err != nil {
			return nil, &SpawnError{Path: path, Err: err}
		}
		// nil writers leave the stream on the null device
		if outW != nil {
			cmd.Stdout = outW
			closers = append(closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			closers = append(closers, errW)
		}
	}

	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return nil, &SpawnError{Path: path, Err: err}
	}

	h := newHandle(cmd, path, closers)
	if l.PIDFile != "" {
		rec := detector.PIDRecord{PID: h.PID(), StartUnix: detector.StartUnix(h.PID()), Path: path}
		if err := detector.WritePIDFile(l.PIDFile, rec); err != nil {
			slog.Warn("Failed to write backend pid file", "path", l.PIDFile, "error", err)
		} else {
			h.pidFile = l.PIDFile
		}
	}
	go h.reap()
	slog.Info("Backend started", "process", name, "pid", h.PID(), "path", path)
	return h, nil
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
