package navigation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shehryarbajwa/browser-pilot/internal/browser"
)

// Strategy is one way of loading a URL. Strategies are tried in order until one succeeds.
type Strategy interface {
	Name() string
	Try(ctx context.Context, d browser.Driver, url string) error
}

// Standard loads the URL directly, then pauses and skims the page
type Standard struct {
	Behavior *Behavior
}

func (s Standard) Name() string { return "standard" }

func (s Standard) Try(ctx context.Context, d browser.Driver, url string) error {
	if err := s.Behavior.Pause(ctx); err != nil {
		return err
	}
	if err := d.Navigate(ctx, url); err != nil {
		return err
	}
	s.Behavior.Browse(ctx, d)
	return nil
}

// Script assigns window.location and waits for the page to settle
type Script struct {
	Settle time.Duration
}

func (s Script) Name() string { return "script" }

func (s Script) Try(ctx context.Context, d browser.Driver, url string) error {
	script := fmt.Sprintf("window.location.href = %s", strconv.Quote(url))
	if _, err := d.ExecuteScript(ctx, script); err != nil {
		return err
	}
	if s.Settle > 0 {
		t := time.NewTimer(s.Settle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := d.WaitForSelector(ctx, "body", browser.DefaultNavTimeout); err != nil {
		return fmt.Errorf("page did not load: %w", err)
	}
	return nil
}

// NewTab opens the URL in a fresh tab and switches the driver to it
type NewTab struct{}

func (NewTab) Name() string { return "new_tab" }

func (NewTab) Try(ctx context.Context, d browser.Driver, url string) error {
	return d.OpenInNewTab(ctx, url)
}

// DefaultStrategies returns the standard, script and new-tab strategies in that order
func DefaultStrategies(b *Behavior) []Strategy {
	return []Strategy{
		Standard{Behavior: b},
		Script{Settle: 500 * time.Millisecond},
		NewTab{},
	}
}
