package client

import (
	"fmt"
	"net/http"
	"time"
)

// ServiceStatus is the JSON form of a supervised service's status.
type ServiceStatus struct {
	Name         string     `json:"name"`
	State        string     `json:"state"`
	PID          int        `json:"pid,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	UptimeMS     int64      `json:"uptime_ms,omitempty"`
	RestartCount int        `json:"restart_count"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Healthy      bool       `json:"healthy"`
}

func (s ServiceStatus) Uptime() time.Duration {
	return time.Duration(s.UptimeMS) * time.Millisecond
}

// LogLine is one captured line of child output.
type LogLine struct {
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// ServiceDetail is a status plus the tail of the child's output.
type ServiceDetail struct {
	ServiceStatus
	Logs []LogLine `json:"logs"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Conflict reports a request rejected because of the service's current
// state, e.g. starting a service that is already running.
func (e *APIError) Conflict() bool { return e.StatusCode == http.StatusConflict }

func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// Timeout reports a start that did not become ready in time.
func (e *APIError) Timeout() bool { return e.StatusCode == http.StatusGatewayTimeout }
