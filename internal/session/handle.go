package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shehryarbajwa/browser-pilot/internal/browser"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

// ErrSessionClosed is returned when a command reaches a session that was closed or reaped
var ErrSessionClosed = errors.New("session closed")

// Handle is the registry's live view of one session.
// Commands run through Exec, which serializes page mutation per session.
type Handle struct {
	id        string
	driver    browser.Driver
	createdAt time.Time

	// exec serializes commands; only one holder may touch page state at a time
	exec sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	currentURL   string
	status       models.SessionStatus
	inFlight     int
	latest       *models.Frame
}

func newHandle(id string, d browser.Driver, now time.Time) *Handle {
	return &Handle{
		id:           id,
		driver:       d,
		createdAt:    now,
		lastActivity: now,
		currentURL:   d.CurrentURL(),
		status:       models.StatusRunning,
	}
}

// ID returns the session id
func (h *Handle) ID() string { return h.id }

// Driver returns the underlying driver for read-only use such as frame capture.
// Page-mutating calls must go through Exec.
func (h *Handle) Driver() browser.Driver { return h.driver }

// Exec runs fn with exclusive access to the driver.
// The session counts as in flight for the whole call, so the idle reaper leaves it alone.
func (h *Handle) Exec(ctx context.Context, fn func(ctx context.Context, d browser.Driver) error) error {
	h.mu.Lock()
	if h.status != models.StatusRunning {
		h.mu.Unlock()
		return ErrSessionClosed
	}
	h.inFlight++
	h.lastActivity = time.Now()
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.inFlight--
		h.lastActivity = time.Now()
		h.mu.Unlock()
	}()

	h.exec.Lock()
	defer h.exec.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, h.driver)
}

// Touch refreshes last activity
func (h *Handle) Touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

// CurrentURL is the URL the session reports as current. After a failed navigation it
// holds the requested URL even though the driver rests on a safe page.
func (h *Handle) CurrentURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentURL
}

// SetCurrentURL records the URL reported to callers
func (h *Handle) SetCurrentURL(u string) {
	h.mu.Lock()
	h.currentURL = u
	h.mu.Unlock()
}

// SetLatestFrame caches the most recent captured frame
func (h *Handle) SetLatestFrame(f models.Frame) {
	h.mu.Lock()
	h.latest = &f
	h.mu.Unlock()
}

// LatestFrame returns the cached frame, if any
func (h *Handle) LatestFrame() (models.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return models.Frame{}, false
	}
	return *h.latest, true
}

// Running reports whether the session still accepts commands
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status == models.StatusRunning
}

// Snapshot returns a serializable copy of the session state
func (h *Handle) Snapshot() models.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return models.Session{
		ID:             h.id,
		Status:         h.status,
		CurrentURL:     h.currentURL,
		CreatedAt:      h.createdAt,
		LastActivityAt: h.lastActivity,
		InFlight:       h.inFlight,
	}
}

// idleSince reports whether the session is idle past cutoff with nothing in flight
func (h *Handle) idleSince(cutoff time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status == models.StatusRunning && h.inFlight == 0 && h.lastActivity.Before(cutoff)
}

// retire marks the session stopped unless a command is in flight and force is false
func (h *Handle) retire(force bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != models.StatusRunning {
		return false
	}
	if h.inFlight > 0 && !force {
		return false
	}
	h.status = models.StatusStopped
	return true
}
