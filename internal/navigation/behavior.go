package navigation

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shehryarbajwa/browser-pilot/internal/browser"
)

// Behavior adds human-like pauses and scrolling around navigation.
// A zero Behavior is disabled.
type Behavior struct {
	Enabled     bool
	MinDelay    time.Duration
	MaxDelay    time.Duration
	MinScroll   int
	MaxScroll   int
	ScrollCount int

	mu  sync.Mutex
	rng *rand.Rand
}

// DefaultBehavior returns an enabled behavior seeded from the clock
func DefaultBehavior() *Behavior {
	return NewBehavior(time.Now().UnixNano())
}

// NewBehavior returns an enabled behavior with a fixed seed
func NewBehavior(seed int64) *Behavior {
	return &Behavior{
		Enabled:     true,
		MinDelay:    300 * time.Millisecond,
		MaxDelay:    1200 * time.Millisecond,
		MinScroll:   120,
		MaxScroll:   480,
		ScrollCount: 2,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (b *Behavior) active() bool {
	return b != nil && b.Enabled
}

func (b *Behavior) intn(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rng == nil {
		b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return lo + b.rng.Intn(hi-lo+1)
}

// Delay returns a jittered pause between MinDelay and MaxDelay
func (b *Behavior) Delay() time.Duration {
	if !b.active() {
		return 0
	}
	return time.Duration(b.intn(int(b.MinDelay), int(b.MaxDelay)))
}

// ScrollDistance returns a randomized scroll distance
func (b *Behavior) ScrollDistance() int {
	if !b.active() {
		return 0
	}
	return b.intn(b.MinScroll, b.MaxScroll)
}

// Pause sleeps for a jittered delay or until ctx ends
func (b *Behavior) Pause(ctx context.Context) error {
	d := b.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Browse scrolls down and back up a little, like a reader skimming the page.
// Scroll errors are ignored; the page has already loaded.
func (b *Behavior) Browse(ctx context.Context, d browser.Driver) {
	if !b.active() {
		return
	}
	for i := 0; i < b.ScrollCount; i++ {
		if err := b.Pause(ctx); err != nil {
			return
		}
		_ = d.Scroll(ctx, "down", b.ScrollDistance())
	}
	if b.ScrollCount > 0 {
		_ = d.Scroll(ctx, "up", b.ScrollDistance())
	}
}
