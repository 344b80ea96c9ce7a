package pilot

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shehryarbajwa/browser-pilot/internal/capture"
	"github.com/shehryarbajwa/browser-pilot/internal/events"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

// Screenshot returns the cached latest frame, or captures a new one when fresh is set
// or nothing is cached yet. Capture is read-only and does not go through the queue.
func (p *Pilot) Screenshot(ctx context.Context, fresh bool) (models.Frame, error) {
	h, err := p.Registry.Get(p.cfg.SessionID)
	if err != nil {
		return models.Frame{}, ErrNotStarted
	}
	if !fresh {
		if f, ok := h.LatestFrame(); ok {
			return f, nil
		}
	}
	img, err := h.Driver().Screenshot(ctx)
	if err != nil {
		return models.Frame{}, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	f := models.Frame{Image: img, Timestamp: time.Now()}
	h.SetLatestFrame(f)
	return f, nil
}

// ScreenshotDataURI is Screenshot encoded as a data URI
func (p *Pilot) ScreenshotDataURI(ctx context.Context, fresh bool) (string, error) {
	f, err := p.Screenshot(ctx, fresh)
	if err != nil {
		return "", err
	}
	return capture.DataURI(f.Image), nil
}

func (p *Pilot) recorder() (*capture.Recorder, error) {
	if p.Recorder == nil {
		return nil, fmt.Errorf("recording is not configured")
	}
	return p.Recorder, nil
}

// StartRecording begins persisting captured frames
func (p *Pilot) StartRecording(req models.StartRecordingRequest) (models.Recording, error) {
	r, err := p.recorder()
	if err != nil {
		return models.Recording{}, err
	}
	rec, err := r.Start(req.Name, req.Metadata)
	if err != nil {
		return models.Recording{}, err
	}
	p.Bus.Emit(models.EventStatus, map[string]any{"status": "recording_started", "recording": rec.ID})
	return rec, nil
}

// StopRecording ends the active recording
func (p *Pilot) StopRecording() (models.Recording, error) {
	r, err := p.recorder()
	if err != nil {
		return models.Recording{}, err
	}
	rec, err := r.Stop()
	if err != nil {
		return rec, err
	}
	p.Bus.Emit(models.EventStatus, map[string]any{"status": "recording_stopped", "recording": rec.ID, "frames": rec.FrameCount})
	return rec, nil
}

// ListRecordings returns stored recordings, oldest first
func (p *Pilot) ListRecordings() ([]models.Recording, error) {
	r, err := p.recorder()
	if err != nil {
		return nil, err
	}
	return r.Store().List()
}

// RecordingFrames returns frames from..to of a recording
func (p *Pilot) RecordingFrames(id string, from, to int) ([]models.Frame, error) {
	r, err := p.recorder()
	if err != nil {
		return nil, err
	}
	return r.Store().GetFrames(id, from, to)
}

// DeleteRecording removes a stored recording
func (p *Pilot) DeleteRecording(id string) error {
	r, err := p.recorder()
	if err != nil {
		return err
	}
	return r.Delete(id)
}

// ArchiveRecording writes a recording to w as tar.gz
func (p *Pilot) ArchiveRecording(id string, w io.Writer) error {
	r, err := p.recorder()
	if err != nil {
		return err
	}
	return r.Store().Archive(id, w)
}

// ImportRecording restores a recording from a tar.gz produced by ArchiveRecording
func (p *Pilot) ImportRecording(src io.Reader) (models.Recording, error) {
	r, err := p.recorder()
	if err != nil {
		return models.Recording{}, err
	}
	rec, err := r.Store().Import(src)
	if err != nil {
		return models.Recording{}, err
	}
	p.Bus.Emit(models.EventStatus, map[string]any{"status": "recording_imported", "recording": rec.ID, "frames": rec.FrameCount})
	return rec, nil
}

// Subscribe opens a channel of future events
func (p *Pilot) Subscribe(buffer int) *events.Subscription {
	return p.Bus.Subscribe(buffer)
}

// Unsubscribe closes a subscription
func (p *Pilot) Unsubscribe(id string) {
	p.Bus.Unsubscribe(id)
}

// Sessions lists every live session in the registry
func (p *Pilot) Sessions() []models.Session {
	return p.Registry.List()
}

// CloseSession closes a session by id. Closing the default session stops the facade.
func (p *Pilot) CloseSession(ctx context.Context, id string) error {
	if id == p.cfg.SessionID && p.Running() {
		if res := p.Stop(ctx); !res.Success {
			return fmt.Errorf("%s", res.Error)
		}
		return nil
	}
	return p.Registry.Close(id)
}
