package client

import "time"

// Status mirrors the control API's GET /status response.
type Status struct {
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Path      string    `json:"path,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Trigger   string    `json:"trigger,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// EventResponse is returned by POST /window/close and /app/exit once the
// backend has exited.
type EventResponse struct {
	OK         bool   `json:"ok"`
	Noop       bool   `json:"noop"`
	PID        int    `json:"pid,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Exit       string `json:"exit,omitempty"`
	Slow       bool   `json:"slow,omitempty"`
	PortHeld   bool   `json:"port_held,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
