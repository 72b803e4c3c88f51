// Package resource locates the application's bundled resource directory and
// the backend executable inside it.
package resource

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// SubDir is the directory under the resource dir holding bundled binaries.
const SubDir = "resources"

var ErrResourceResolution = errors.New("resource directory resolution failed")

// Error wraps the cause of a failed resolution.
type Error struct {
	Err error
}

func (e *Error) Error() string { return "resolve resource dir: " + e.Err.Error() }

func (e *Error) Unwrap() []error { return []error{ErrResourceResolution, e.Err} }

// Resolver supplies the resource directory.
type Resolver interface {
	ResolveDir() (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func() (string, error)

func (f ResolverFunc) ResolveDir() (string, error) { return f() }

// DirResolver resolves to Dir when set, otherwise to the directory of the
// running executable (Contents/Resources inside a macOS app bundle).
type DirResolver struct {
	Dir string
	// Executable defaults to os.Executable.
	Executable func() (string, error)
}

func (r DirResolver) ResolveDir() (string, error) {
	if r.Dir != "" {
		return checkDir(r.Dir)
	}
	exeFn := r.Executable
	if exeFn == nil {
		exeFn = os.Executable
	}
	exe, err := exeFn()
	if err != nil {
		return "", &Error{Err: err}
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	dir := filepath.Dir(exe)
	if bundle, ok := strings.CutSuffix(dir, filepath.Join("Contents", "MacOS")); ok {
		dir = filepath.Join(bundle, "Contents", "Resources")
	}
	return checkDir(dir)
}

func checkDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", &Error{Err: err}
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", &Error{Err: err}
	}
	if !fi.IsDir() {
		return "", &Error{Err: fmt.Errorf("%s is not a directory", abs)}
	}
	return abs, nil
}

// BackendPath returns <dir>/resources/<name>, adding .exe on Windows when
// name has no extension.
func BackendPath(dir, name string) string {
	p := filepath.Join(dir, SubDir, name)
	if runtime.GOOS == "windows" && filepath.Ext(p) == "" {
		p += ".exe"
	}
	return p
}
