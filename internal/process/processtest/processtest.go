// Package processtest provides a dummy backend for tests: the running test
// binary re-executes itself and binds a port instead of running tests.
package processtest

import (
	"net"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/loykin/deskshell/internal/detector"
	"github.com/loykin/deskshell/internal/env"
)

const (
	ModeEnv = "DESKSHELL_DUMMY_BACKEND"
	AddrEnv = "DESKSHELL_DUMMY_ADDR"
)

// Dummy backend behaviors.
const (
	ModeListen     = "listen"      // bind AddrEnv and block
	ModeForkListen = "fork-listen" // start a child in the same group that binds, then block
	ModeForkExit   = "fork-exit"   // start a binding child, exit 0 once the port is bound
	ModeExit       = "exit"        // exit immediately with status 3
)

// Main must be called from TestMain of every package that launches the dummy.
func Main(m *testing.M) {
	if mode := os.Getenv(ModeEnv); mode != "" {
		os.Exit(run(mode))
	}
	os.Exit(m.Run())
}

func run(mode string) int {
	switch mode {
	case ModeListen:
		ln, err := net.Listen("tcp", os.Getenv(AddrEnv))
		if err != nil {
			return 2
		}
		defer func() { _ = ln.Close() }()
	case ModeForkListen:
		if err := startListener(); err != nil {
			return 2
		}
	case ModeForkExit:
		if err := startListener(); err != nil {
			return 2
		}
		d := detector.PortDetector{Addr: os.Getenv(AddrEnv)}
		for deadline := time.Now().Add(10 * time.Second); time.Now().Before(deadline); {
			if held, _ := d.Alive(); held {
				return 0
			}
			time.Sleep(10 * time.Millisecond)
		}
		return 2
	case ModeExit:
		return 3
	default:
		return 2
	}
	for {
		time.Sleep(time.Hour)
	}
}

// startListener re-executes the test binary in listen mode as a member of
// this process's group.
func startListener() error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	// #nosec G204 -- re-executes the test binary
	child := exec.Command(self)
	child.Env = append(os.Environ(), ModeEnv+"="+ModeListen)
	return child.Start()
}

// Executable is the path of the running test binary.
func Executable(t *testing.T) string {
	t.Helper()
	p, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return p
}

// Env configures the dummy's behavior for a Launcher.
func Env(mode, addr string) *env.Env {
	return env.New().WithSet(ModeEnv, mode).WithSet(AddrEnv, addr)
}

// FreeAddr returns a loopback address whose port was free a moment ago.
func FreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// WaitHeld blocks until addr is bound by some process.
func WaitHeld(t *testing.T, addr string) {
	t.Helper()
	d := detector.PortDetector{Addr: addr}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if held, _ := d.Alive(); held {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dummy backend never bound %s", addr)
}

// MustBind asserts addr can be bound right now.
func MustBind(t *testing.T, addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("port %s not released: %v", addr, err)
	}
	_ = ln.Close()
}
