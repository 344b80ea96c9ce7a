package models

import "time"

// Recording describes a persisted sequence of captured frames
type Recording struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	StartTime  time.Time         `json:"startTime"`
	EndTime    *time.Time        `json:"endTime,omitempty"`
	FrameCount int               `json:"frameCount"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Active reports whether the recording has not been stopped yet
func (r Recording) Active() bool {
	return r.EndTime == nil
}

// Frame is a single captured image
type Frame struct {
	Index     int       `json:"index"`
	Image     []byte    `json:"image"`
	Timestamp time.Time `json:"timestamp"`
}

// StartRecordingRequest is the payload for starting a recording
type StartRecordingRequest struct {
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
