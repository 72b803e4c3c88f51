package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDRecord is the content of a backend PID file:
// first line the PID, second line JSON metadata.
type PIDRecord struct {
	PID       int    `json:"-"`
	StartUnix int64  `json:"start_unix"`
	Path      string `json:"path,omitempty"`
}

// WritePIDFile writes rec to path, creating parent directories.
func WritePIDFile(path string, rec PIDRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	content := strconv.Itoa(rec.PID) + "\n" + string(meta) + "\n"
	return os.WriteFile(path, []byte(content), 0o600)
}

// ReadPIDFile parses a PID file. Files holding only a PID are accepted.
func ReadPIDFile(path string) (PIDRecord, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return PIDRecord{}, err
	}
	first, rest, _ := strings.Cut(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return PIDRecord{}, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	var rec PIDRecord
	if meta := strings.TrimSpace(rest); meta != "" {
		// metadata is optional; a corrupt line only loses PID-reuse protection
		_ = json.Unmarshal([]byte(meta), &rec)
	}
	rec.PID = pid
	return rec, nil
}

// PIDFileDetector detects a process recorded in a PID file. When the file
// carries a start time that no longer matches the live PID, the PID was
// reused by an unrelated process and the detector reports not alive.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	rec, err := d.Record()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if rec.StartUnix > 0 {
		if cur := StartUnix(rec.PID); cur > 0 && cur != rec.StartUnix {
			return false, nil
		}
	}
	return pidAlive(rec.PID), nil
}

// Record reads the PID file.
func (d PIDFileDetector) Record() (PIDRecord, error) { return ReadPIDFile(d.PIDFile) }

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }
