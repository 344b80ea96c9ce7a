package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

// maxSkippedFrames bounds how many occupied indices a single Write steps over
const maxSkippedFrames = 64

var (
	// ErrAlreadyRecording is returned by Start while a recording is active
	ErrAlreadyRecording = errors.New("a recording is already active")
	// ErrNotRecording is returned by Stop when nothing is being recorded
	ErrNotRecording = errors.New("no active recording")
	// ErrRecordingActive is returned when deleting the recording that is being written
	ErrRecordingActive = errors.New("recording is still active")
)

// DefaultCheckpointEvery is how many frames pass between metadata writes
const DefaultCheckpointEvery = 10

// Recorder writes captured frames into the store while a recording is active.
// At most one recording is active at a time.
type Recorder struct {
	store           *Store
	checkpointEvery int
	logger          *zap.Logger

	mu     sync.Mutex
	active *models.Recording
	dir    string
}

// NewRecorder creates a recorder on store
func NewRecorder(store *Store, checkpointEvery int, logger *zap.Logger) *Recorder {
	if checkpointEvery <= 0 {
		checkpointEvery = DefaultCheckpointEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:           store,
		checkpointEvery: checkpointEvery,
		logger:          logger.With(zap.String("component", "recorder")),
	}
}

// Store returns the underlying frame store
func (r *Recorder) Store() *Store { return r.store }

// Start begins a new recording
func (r *Recorder) Start(name string, metadata map[string]string) (models.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return models.Recording{}, fmt.Errorf("%w (id: %s)", ErrAlreadyRecording, r.active.ID)
	}

	rec := models.Recording{
		ID:        uuid.New().String(),
		Name:      name,
		StartTime: time.Now(),
		Metadata:  copyMetadata(metadata),
	}
	dir, err := r.store.create(rec.ID)
	if err != nil {
		return models.Recording{}, err
	}
	if err := r.store.writeMetadata(dir, rec); err != nil {
		return models.Recording{}, fmt.Errorf("failed to write metadata: %w", err)
	}

	r.active = &rec
	r.dir = dir
	r.logger.Info("recording started", zap.String("recording", rec.ID), zap.String("name", name))
	return rec, nil
}

// Stop ends the active recording and writes its final metadata
func (r *Recorder) Stop() (models.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return models.Recording{}, ErrNotRecording
	}

	rec := *r.active
	end := time.Now()
	rec.EndTime = &end
	r.active = nil

	if err := r.store.writeMetadata(r.dir, rec); err != nil {
		return rec, fmt.Errorf("failed to write final metadata: %w", err)
	}
	r.logger.Info("recording stopped", zap.String("recording", rec.ID), zap.Int("frames", rec.FrameCount))
	return rec, nil
}

// Active returns the recording in progress, if any
func (r *Recorder) Active() (models.Recording, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return models.Recording{}, false
	}
	return *r.active, true
}

// Write appends a frame to the active recording. It reports false when no recording
// is active. Frames are numbered by the recorder, starting at 1.
func (r *Recorder) Write(image []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return false, nil
	}

	prev := r.active.FrameCount
	index := prev + 1
	for skipped := 0; ; skipped++ {
		err := r.store.writeFrame(r.dir, index, image)
		if err == nil {
			break
		}
		// an index already on disk belongs to the recording; keep counting past it
		if errors.Is(err, fs.ErrExist) && skipped < maxSkippedFrames {
			r.logger.Warn("frame index already taken", zap.String("recording", r.active.ID), zap.Int("index", index))
			r.active.FrameCount = index
			index++
			continue
		}
		return false, fmt.Errorf("failed to write frame %d: %w", index, err)
	}
	r.active.FrameCount = index

	if index/r.checkpointEvery > prev/r.checkpointEvery {
		if err := r.store.writeMetadata(r.dir, *r.active); err != nil {
			// frames already on disk stay valid; only the count in metadata lags
			r.logger.Warn("metadata checkpoint failed", zap.String("recording", r.active.ID), zap.Error(err))
		}
	}
	return true, nil
}

// Delete removes a stored recording unless it is the active one
func (r *Recorder) Delete(id string) error {
	r.mu.Lock()
	if r.active != nil && r.active.ID == id {
		r.mu.Unlock()
		return ErrRecordingActive
	}
	r.mu.Unlock()
	return r.store.Delete(id)
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
