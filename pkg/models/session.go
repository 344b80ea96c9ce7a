package models

import "time"

// SessionStatus represents the current state of a browser session
type SessionStatus string

const (
	StatusRunning SessionStatus = "RUNNING"
	StatusStopped SessionStatus = "STOPPED"
)

// Session is a snapshot of one addressable browser instance.
// The live driver handle stays inside the session registry and is never serialized.
type Session struct {
	ID             string        `json:"id"`
	Status         SessionStatus `json:"status"`
	CurrentURL     string        `json:"currentUrl"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	InFlight       int           `json:"inFlight"`
	Remote         bool          `json:"remote"`
}

// Result is the outcome of a lifecycle call such as start or stop
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK builds a successful Result
func OK(message string) Result {
	return Result{Success: true, Message: message}
}

// Fail builds a failed Result from an error
func Fail(err error) Result {
	if err == nil {
		return Result{Success: false}
	}
	return Result{Success: false, Error: err.Error()}
}
