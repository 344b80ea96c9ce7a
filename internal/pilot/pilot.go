// Package pilot is the public face of the browser services. It owns the default
// session, a bounded FIFO command queue and the single worker that drains it.
package pilot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-pilot/internal/browser"
	"github.com/shehryarbajwa/browser-pilot/internal/capture"
	"github.com/shehryarbajwa/browser-pilot/internal/events"
	"github.com/shehryarbajwa/browser-pilot/internal/metrics"
	"github.com/shehryarbajwa/browser-pilot/internal/navigation"
	"github.com/shehryarbajwa/browser-pilot/internal/session"
	"github.com/shehryarbajwa/browser-pilot/internal/task"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

var (
	// ErrQueueFull is returned when the command queue is at capacity
	ErrQueueFull = errors.New("command queue is full")
	// ErrNotStarted is returned for commands issued before Start or after Stop
	ErrNotStarted = errors.New("browser is not started")
	// ErrStopped is delivered to commands still queued when Stop runs
	ErrStopped = errors.New("browser stopped before command ran")
)

// Config tunes the facade
type Config struct {
	SessionID string
	QueueSize int
	StartURL  string
	// Capture enables the background screenshot loop while started
	Capture bool
}

// DefaultSessionID names the session the facade drives
const DefaultSessionID = "default"

// DefaultQueueSize bounds the command queue
const DefaultQueueSize = 100

// Deps are the collaborators the facade orchestrates
type Deps struct {
	Registry  *session.Manager
	Navigator *navigation.Navigator
	Parser    *task.Parser
	Executor  *task.Executor
	Chains    *task.Chains
	Loop      *capture.Loop
	Recorder  *capture.Recorder
	Bus       *events.Bus
}

// Pilot is the browser session facade
type Pilot struct {
	cfg Config
	Deps
	logger  *zap.Logger
	metrics *metrics.Metrics

	// lifecycle serializes Start and Stop
	lifecycle sync.Mutex

	mu      sync.Mutex
	queue   chan *job
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
	// captured is the handle the capture loop is bound to
	captured *session.Handle
}

// New creates a stopped facade
func New(cfg Config, deps Deps, logger *zap.Logger, m *metrics.Metrics) (*Pilot, error) {
	if deps.Registry == nil || deps.Executor == nil || deps.Parser == nil {
		return nil, fmt.Errorf("registry, parser and executor are required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = DefaultSessionID
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Navigator == nil {
		deps.Navigator = navigation.New(navigation.Options{}, logger, m)
	}
	if deps.Chains == nil {
		deps.Chains = task.NewChains(logger)
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(logger, m)
	}
	return &Pilot{
		cfg:     cfg,
		Deps:    deps,
		logger:  logger.With(zap.String("component", "pilot"), zap.String("session", cfg.SessionID)),
		metrics: m,
	}, nil
}

// SessionID returns the id of the session the facade drives
func (p *Pilot) SessionID() string { return p.cfg.SessionID }

// Running reports whether the worker is accepting commands
func (p *Pilot) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue != nil
}

// Start provisions the default session, navigates to the start URL and starts the
// worker and capture loop. A live, responsive session makes it a no-op.
func (p *Pilot) Start(ctx context.Context) models.Result {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.Running() {
		if p.Registry.Alive(ctx, p.cfg.SessionID) {
			return models.OK("browser already running")
		}
		p.logger.Warn("session unresponsive, restarting")
		p.stopLocked(ctx)
	}

	h, err := p.Registry.GetOrCreate(ctx, p.cfg.SessionID)
	if err != nil {
		p.logger.Error("failed to start browser", zap.Error(err))
		p.Bus.Emit(models.EventError, map[string]any{"error": err.Error(), "phase": "start"})
		return models.Fail(err)
	}

	if p.cfg.StartURL != "" {
		err := h.Exec(ctx, func(ctx context.Context, d browser.Driver) error {
			out, err := p.Navigator.Navigate(ctx, d, h, p.cfg.StartURL)
			if err != nil {
				return err
			}
			if out.SoftError != nil {
				p.logger.Warn("initial navigation fell back", zap.Error(out.SoftError))
			}
			return nil
		})
		if err != nil {
			p.logger.Warn("initial navigation failed", zap.Error(err))
		}
	}

	wctx, cancel := context.WithCancel(context.Background())
	queue := make(chan *job, p.cfg.QueueSize)
	done := make(chan struct{})

	p.mu.Lock()
	p.queue, p.cancel, p.done = queue, cancel, done
	p.started = time.Now()
	p.mu.Unlock()

	go p.work(wctx, queue, done)

	p.ensureCapture(h)

	p.Bus.Emit(models.EventStatus, map[string]any{"status": "started", "session": p.cfg.SessionID, "url": h.CurrentURL()})
	p.logger.Info("browser started", zap.String("url", h.CurrentURL()))
	return models.OK("browser started")
}

// ensureCapture binds the capture loop to h, rebinding after the session was recreated
func (p *Pilot) ensureCapture(h *session.Handle) {
	if !p.cfg.Capture || p.Loop == nil {
		return
	}
	p.mu.Lock()
	if p.captured == h {
		p.mu.Unlock()
		return
	}
	p.captured = h
	p.mu.Unlock()

	if err := p.Loop.Stop(); err != nil {
		p.logger.Warn("capture loop stop failed", zap.Error(err))
	}
	p.Loop.Start(context.Background(), h)
}

// Stop clears the queue, halts the worker, capture and any active recording, and
// closes the session
func (p *Pilot) Stop(ctx context.Context) models.Result {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if !p.Running() {
		return models.OK("browser not running")
	}
	if err := p.stopLocked(ctx); err != nil {
		return models.Fail(err)
	}
	return models.OK("browser stopped")
}

func (p *Pilot) stopLocked(ctx context.Context) error {
	p.mu.Lock()
	queue, cancel, done := p.queue, p.cancel, p.done
	p.queue, p.cancel, p.done = nil, nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			p.logger.Warn("worker did not exit before stop deadline")
		}
	}

	dropped := 0
drain:
	for queue != nil {
		select {
		case j := <-queue:
			j.fail(ErrStopped)
			dropped++
		default:
			break drain
		}
	}
	p.metrics.SetQueueDepth(0)

	var errs []error
	p.mu.Lock()
	p.captured = nil
	p.mu.Unlock()
	if p.Loop != nil {
		if err := p.Loop.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.Recorder != nil {
		if _, err := p.Recorder.Stop(); err != nil && !errors.Is(err, capture.ErrNotRecording) {
			errs = append(errs, err)
		}
	}
	if err := p.Registry.Close(p.cfg.SessionID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		errs = append(errs, err)
	}

	p.Bus.Emit(models.EventStatus, map[string]any{"status": "stopped", "session": p.cfg.SessionID, "dropped": dropped})
	p.logger.Info("browser stopped", zap.Int("dropped_commands", dropped))
	return errors.Join(errs...)
}

// Shutdown stops the facade and releases every session and subscriber
func (p *Pilot) Shutdown(ctx context.Context) error {
	var errs []error
	if res := p.Stop(ctx); !res.Success {
		errs = append(errs, errors.New(res.Error))
	}
	if err := p.Registry.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	p.Bus.Close()
	return errors.Join(errs...)
}

// Status reports the default session and queue state
func (p *Pilot) Status() Status {
	p.mu.Lock()
	st := Status{Running: p.queue != nil, QueueDepth: 0, QueueSize: p.cfg.QueueSize}
	if p.queue != nil {
		st.QueueDepth = len(p.queue)
		st.StartedAt = p.started
	}
	p.mu.Unlock()

	if h, err := p.Registry.Get(p.cfg.SessionID); err == nil {
		snap := h.Snapshot()
		st.Session = &snap
	}
	if p.Recorder != nil {
		if rec, ok := p.Recorder.Active(); ok {
			st.Recording = &rec
		}
	}
	return st
}

// Status is a point-in-time view of the facade
type Status struct {
	Running    bool              `json:"running"`
	StartedAt  time.Time         `json:"startedAt,omitempty"`
	QueueDepth int               `json:"queueDepth"`
	QueueSize  int               `json:"queueSize"`
	Session    *models.Session   `json:"session,omitempty"`
	Recording  *models.Recording `json:"recording,omitempty"`
}
