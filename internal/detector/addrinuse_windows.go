//go:build windows

package detector

import (
	"errors"
	"syscall"
)

// WSAEADDRINUSE
const errWSAEADDRINUSE = syscall.Errno(10048)

func isAddrInUse(err error) bool {
	return errors.Is(err, errWSAEADDRINUSE) || errors.Is(err, syscall.EADDRINUSE)
}
