package capture

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/browser-pilot/internal/browser"
	"github.com/shehryarbajwa/browser-pilot/internal/metrics"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

// DefaultInterval is the capture period
const DefaultInterval = time.Second

// Target is a session the loop can capture from. Only read-only driver calls are made.
type Target interface {
	Driver() browser.Driver
	SetLatestFrame(f models.Frame)
}

// Emitter publishes capture events. *events.Bus satisfies it.
type Emitter interface {
	Emit(t models.EventType, data map[string]any) int
}

// Loop captures a frame every interval while running
type Loop struct {
	interval time.Duration
	recorder *Recorder
	events   Emitter
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	seq    int
}

// NewLoop creates a stopped loop. recorder and events may be nil.
func NewLoop(interval time.Duration, recorder *Recorder, events Emitter, logger *zap.Logger, m *metrics.Metrics) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		interval: interval,
		recorder: recorder,
		events:   events,
		logger:   logger.With(zap.String("component", "capture_loop")),
		metrics:  m,
	}
}

// Running reports whether the loop is active
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Start begins capturing from target. A running loop is left as is.
func (l *Loop) Start(ctx context.Context, target Target) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	l.cancel = cancel
	l.group = g

	g.Go(func() error {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				l.Capture(gctx, target)
			}
		}
	})
	l.logger.Info("capture loop started", zap.Duration("interval", l.interval))
}

// Stop halts the loop and waits for an in-progress capture to finish
func (l *Loop) Stop() error {
	l.mu.Lock()
	cancel, g := l.cancel, l.group
	l.cancel, l.group = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	l.logger.Info("capture loop stopped")
	return err
}

// Capture takes one frame, caches it on target, publishes it and forwards it to
// the recorder. Failures are counted and logged, never returned.
func (l *Loop) Capture(ctx context.Context, target Target) (models.Frame, bool) {
	cctx, cancel := context.WithTimeout(ctx, l.interval*5)
	defer cancel()

	img, err := target.Driver().Screenshot(cctx)
	l.metrics.RecordFrame(err)
	if err != nil {
		l.logger.Debug("frame capture failed", zap.Error(err))
		return models.Frame{}, false
	}

	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	frame := models.Frame{Index: seq, Image: img, Timestamp: time.Now()}
	target.SetLatestFrame(frame)

	if l.recorder != nil {
		if _, err := l.recorder.Write(img); err != nil {
			l.logger.Warn("failed to record frame", zap.Error(err))
		}
	}
	if l.events != nil {
		l.events.Emit(models.EventScreenshot, map[string]any{
			"index":     seq,
			"timestamp": frame.Timestamp,
			"image":     DataURI(img),
		})
	}
	return frame, true
}

// DataURI embeds a PNG in a data URI
func DataURI(img []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)
}
