package models

import "time"

// EventType classifies bus events
type EventType string

const (
	EventNavigation EventType = "navigation"
	EventStatus     EventType = "status"
	EventError      EventType = "error"
	EventScreenshot EventType = "screenshot"
	EventTask       EventType = "task"
)

// Event is delivered to every connected subscriber
type Event struct {
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent stamps an event with the current time
func NewEvent(t EventType, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Type: t, Data: data, Timestamp: time.Now()}
}
