package process

import (
	"errors"
	"fmt"
)

// ErrSpawn matches every backend start failure.
var ErrSpawn = errors.New("backend spawn failed")

// SpawnError carries the executable path and the OS error of a failed start.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn backend %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() []error { return []error{ErrSpawn, e.Err} }
