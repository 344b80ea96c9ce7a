// Package browser is the thin action layer between the session services and a real
// browser engine. Everything above this package talks to a Driver; the Playwright
// implementation and the docker container pool live here.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

var (
	// ErrDriverUnavailable means there is no live browser process behind the driver.
	ErrDriverUnavailable = errors.New("browser driver unavailable")
	// ErrDriverClosed is returned by every call after Close.
	ErrDriverClosed = errors.New("browser driver closed")
	// ErrInvalidTarget is returned when a click or type call has nothing to act on.
	ErrInvalidTarget = errors.New("invalid action target")
)

// DriverError wraps a failure from the underlying engine with the operation that caused it
type DriverError struct {
	Op  string
	Err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("browser %s: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DriverError{Op: op, Err: err}
}

// Driver is the narrow action interface to one browser instance.
// Calls are synchronous and may block on real page latency.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, target models.ClickTarget) error
	Type(ctx context.Context, text, selector string) error
	Scroll(ctx context.Context, direction string, distance int) error
	PressKey(ctx context.Context, key, selector string) error
	ExecuteScript(ctx context.Context, script string) (any, error)
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	OpenInNewTab(ctx context.Context, url string) error
	Screenshot(ctx context.Context) ([]byte, error)
	CurrentURL() string
	Title(ctx context.Context) (string, error)
	// Ping is a cheap liveness probe. A non-nil error means the driver must be replaced.
	Ping(ctx context.Context) error
	Close() error
}

// Launcher provisions a new Driver for a session id
type Launcher interface {
	Launch(ctx context.Context, sessionID string) (Driver, error)
}

// LauncherFunc adapts a function to the Launcher interface
type LauncherFunc func(ctx context.Context, sessionID string) (Driver, error)

// Launch calls f
func (f LauncherFunc) Launch(ctx context.Context, sessionID string) (Driver, error) {
	return f(ctx, sessionID)
}

// ScrollDelta converts a direction and distance into wheel deltas
func ScrollDelta(direction string, distance int) (dx, dy float64, err error) {
	if distance <= 0 {
		distance = DefaultScrollDistance
	}
	d := float64(distance)
	switch direction {
	case "", "down":
		return 0, d, nil
	case "up":
		return 0, -d, nil
	case "right":
		return d, 0, nil
	case "left":
		return -d, 0, nil
	default:
		return 0, 0, fmt.Errorf("unknown scroll direction %q", direction)
	}
}

// Default values for driver operations
const (
	DefaultActionTimeout  = 15 * time.Second
	DefaultNavTimeout     = 30 * time.Second
	DefaultScrollDistance = 500
	DefaultViewportWidth  = 1366
	DefaultViewportHeight = 768
)

// timeoutMS returns the remaining context budget in milliseconds, capped by def
func timeoutMS(ctx context.Context, def time.Duration) float64 {
	budget := def
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < budget {
			budget = remaining
		}
	}
	if budget <= 0 {
		budget = time.Millisecond
	}
	return float64(budget.Milliseconds())
}
