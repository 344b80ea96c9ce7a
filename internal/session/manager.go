// Package session owns every live browser session: lazy creation, liveness probing,
// explicit close and idle reaping.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/shehryarbajwa/browser-pilot/internal/browser"
	"github.com/shehryarbajwa/browser-pilot/internal/metrics"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

var (
	// ErrSessionNotFound is returned by Get and Close for unknown ids
	ErrSessionNotFound = errors.New("session not found")
	// ErrCapacity is returned when MaxSessions drivers are already alive
	ErrCapacity = errors.New("session capacity reached")
)

// Config tunes the registry
type Config struct {
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	ProbeTimeout time.Duration
	MaxSessions  int
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 10
	}
}

// Manager maps session ids to live handles
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Handle
	slots    *semaphore.Weighted
	creating singleflight.Group

	launcher browser.Launcher
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a registry that provisions drivers through launcher
func NewManager(launcher browser.Launcher, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*Handle),
		slots:    semaphore.NewWeighted(int64(cfg.MaxSessions)),
		launcher: launcher,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "session_registry")),
		metrics:  m,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// GetOrCreate returns the live session for id, creating it on demand.
// An existing session that fails its liveness probe is torn down and replaced.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Handle, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}

	if h := m.lookup(id); h != nil {
		if err := m.probe(ctx, h); err == nil {
			h.Touch()
			return h, nil
		} else {
			m.logger.Warn("liveness probe failed, recreating session", zap.String("session", id), zap.Error(err))
			m.teardown(h, true)
		}
	}

	v, err, _ := m.creating.Do(id, func() (any, error) {
		if h := m.lookup(id); h != nil {
			return h, nil
		}
		return m.create(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	h := v.(*Handle)
	h.Touch()
	return h, nil
}

// Get returns a live session without creating one
func (m *Manager) Get(id string) (*Handle, error) {
	if h := m.lookup(id); h != nil {
		return h, nil
	}
	return nil, ErrSessionNotFound
}

// Alive reports whether id is registered and answers its liveness probe
func (m *Manager) Alive(ctx context.Context, id string) bool {
	h := m.lookup(id)
	if h == nil {
		return false
	}
	return m.probe(ctx, h) == nil
}

// Close stops and removes a session
func (m *Manager) Close(id string) error {
	h := m.lookup(id)
	if h == nil {
		return ErrSessionNotFound
	}
	if !m.teardown(h, true) {
		return ErrSessionNotFound
	}
	return nil
}

// List returns snapshots of all live sessions
func (m *Manager) List() []models.Session {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	out := make([]models.Session, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	return out
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Start launches the idle reaper. It stops when ctx ends or Shutdown is called.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.ReapIdle()
				m.ReapDead(ctx)
			}
		}
	}()
}

// ReapIdle closes sessions idle past IdleTimeout. Sessions with a command in flight are skipped.
func (m *Manager) ReapIdle() int {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var candidates []*Handle
	for _, h := range m.sessions {
		if h.idleSince(cutoff) {
			candidates = append(candidates, h)
		}
	}
	m.mu.Unlock()

	reaped := 0
	for _, h := range candidates {
		if m.teardown(h, false) {
			reaped++
			m.metrics.RecordReaped()
			m.logger.Info("reaped idle session", zap.String("session", h.id))
		}
	}
	return reaped
}

// ReapDead probes idle sessions and removes those whose driver no longer answers.
// This reclaims browsers left behind by abandoned executions.
func (m *Manager) ReapDead(ctx context.Context) int {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	removed := 0
	for _, h := range handles {
		if h.Snapshot().InFlight > 0 {
			continue
		}
		if err := m.probe(ctx, h); err != nil {
			if m.teardown(h, false) {
				removed++
				m.logger.Info("removed unresponsive session", zap.String("session", h.id), zap.Error(err))
			}
		}
	}
	return removed
}

// Shutdown stops the reaper and closes every session
func (m *Manager) Shutdown() error {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}

	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := m.closeHandle(h, true); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", h.id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) lookup(id string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) probe(ctx context.Context, h *Handle) error {
	if !h.Running() {
		return ErrSessionClosed
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	return h.driver.Ping(pctx)
}

func (m *Manager) create(ctx context.Context, id string) (*Handle, error) {
	if !m.slots.TryAcquire(1) {
		return nil, fmt.Errorf("%w (%d)", ErrCapacity, m.cfg.MaxSessions)
	}

	d, err := m.launcher.Launch(ctx, id)
	if err != nil {
		m.slots.Release(1)
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	h := newHandle(id, d, m.now())

	m.mu.Lock()
	m.sessions[id] = h
	n := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetActiveSessions(n)
	m.logger.Info("session created", zap.String("session", id))
	return h, nil
}

// teardown retires h and closes its driver. Returns false if h was already gone
// or, without force, still had a command in flight.
func (m *Manager) teardown(h *Handle, force bool) bool {
	if err := m.closeHandle(h, force); err != nil {
		if errors.Is(err, errNotRetired) {
			return false
		}
		m.logger.Warn("error closing session driver", zap.String("session", h.id), zap.Error(err))
	}
	return true
}

var errNotRetired = errors.New("session not retired")

func (m *Manager) closeHandle(h *Handle, force bool) error {
	if !h.retire(force) {
		return errNotRetired
	}

	m.mu.Lock()
	if cur, ok := m.sessions[h.id]; ok && cur == h {
		delete(m.sessions, h.id)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	m.slots.Release(1)
	m.metrics.SetActiveSessions(n)
	return h.driver.Close()
}
