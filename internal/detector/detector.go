package detector

// Detector reports whether something left behind by the backend still exists:
// a process recorded in a PID file, a PID, or a bound port.
// Implementations must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the target is still present.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}
