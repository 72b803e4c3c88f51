package detector

import (
	"net"
)

// PortDetector reports a TCP address as alive while it cannot be bound,
// i.e. some process still holds the port.
type PortDetector struct {
	Addr string // host:port, e.g. 127.0.0.1:8000
}

func (d PortDetector) Alive() (bool, error) {
	if d.Addr == "" {
		return false, nil
	}
	ln, err := net.Listen("tcp", d.Addr)
	if err != nil {
		if isAddrInUse(err) {
			return true, nil
		}
		return false, err
	}
	_ = ln.Close()
	return false, nil
}

func (d PortDetector) Describe() string { return "port:" + d.Addr }
