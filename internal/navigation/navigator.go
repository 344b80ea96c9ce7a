// Package navigation loads pages through an ordered chain of strategies and
// recovers to a blank page when every strategy fails.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-pilot/internal/browser"
	"github.com/shehryarbajwa/browser-pilot/internal/metrics"
)

var (
	// ErrAllStrategiesFailed is reported as Outcome.SoftError when the page could not be loaded
	ErrAllStrategiesFailed = errors.New("all navigation strategies failed")
	// ErrInvalidURL is returned for empty or unparsable input
	ErrInvalidURL = errors.New("invalid url")
)

// SafePage is where the driver rests after a total navigation failure
const SafePage = "about:blank"

// FallbackStrategy is the Outcome.Strategy value after recovering to SafePage
const FallbackStrategy = "fallback_blank"

// URLSetter receives the URL the session should report as current
type URLSetter interface {
	SetCurrentURL(u string)
}

// Attempt records one strategy try
type Attempt struct {
	Strategy string        `json:"strategy"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Outcome describes a navigation. SoftError is set when the page could not be
// loaded and the driver was parked on SafePage instead.
type Outcome struct {
	RequestedURL string    `json:"requestedUrl"`
	CurrentURL   string    `json:"currentUrl"`
	Strategy     string    `json:"strategy"`
	Attempts     []Attempt `json:"attempts"`
	SoftError    error     `json:"-"`
}

// OK reports whether a strategy loaded the page
func (o Outcome) OK() bool { return o.SoftError == nil }

// Options configures a Navigator
type Options struct {
	Strategies []Strategy
	Behavior   *Behavior
	// Stealth enables re-injection of the stealth script after each load
	Stealth bool
	// AttemptTimeout bounds each strategy try. Zero uses browser.DefaultNavTimeout.
	AttemptTimeout time.Duration
}

// Navigator runs the strategy chain
type Navigator struct {
	strategies     []Strategy
	stealth        bool
	attemptTimeout time.Duration
	logger         *zap.Logger
	metrics        *metrics.Metrics
}

// New creates a Navigator. Nil strategies select DefaultStrategies.
func New(opts Options, logger *zap.Logger, m *metrics.Metrics) *Navigator {
	if logger == nil {
		logger = zap.NewNop()
	}
	strategies := opts.Strategies
	if len(strategies) == 0 {
		strategies = DefaultStrategies(opts.Behavior)
	}
	timeout := opts.AttemptTimeout
	if timeout <= 0 {
		timeout = browser.DefaultNavTimeout
	}
	return &Navigator{
		strategies:     strategies,
		stealth:        opts.Stealth,
		attemptTimeout: timeout,
		logger:         logger.With(zap.String("component", "navigator")),
		metrics:        m,
	}
}

// NormalizeURL trims input and adds https:// when no scheme is present
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if s == SafePage {
		return s, nil
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Host == "" && u.Scheme != "file" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}
	return u.String(), nil
}

// Navigate loads rawURL on d. The only returned error is ErrInvalidURL; a page that
// cannot be loaded yields an Outcome with SoftError set, and setter still records
// the requested URL as current.
func (n *Navigator) Navigate(ctx context.Context, d browser.Driver, setter URLSetter, rawURL string) (Outcome, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{RequestedURL: target}

	var errs []error
	for _, s := range n.strategies {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		start := time.Now()
		actx, cancel := context.WithTimeout(ctx, n.attemptTimeout)
		err := s.Try(actx, d, target)
		cancel()

		attempt := Attempt{Strategy: s.Name(), Duration: time.Since(start)}
		n.metrics.RecordNavigation(s.Name(), err == nil)
		if err != nil {
			attempt.Error = err.Error()
			out.Attempts = append(out.Attempts, attempt)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			n.logger.Warn("navigation strategy failed",
				zap.String("strategy", s.Name()), zap.String("url", target), zap.Error(err))
			continue
		}
		out.Attempts = append(out.Attempts, attempt)
		out.Strategy = s.Name()
		n.reinject(ctx, d)

		out.CurrentURL = d.CurrentURL()
		if out.CurrentURL == "" || out.CurrentURL == SafePage {
			out.CurrentURL = target
		}
		if setter != nil {
			setter.SetCurrentURL(out.CurrentURL)
		}
		return out, nil
	}

	// Every strategy failed: park on a safe page but report the requested URL.
	out.Strategy = FallbackStrategy
	out.CurrentURL = target
	out.SoftError = fmt.Errorf("%w: %w", ErrAllStrategiesFailed, errors.Join(errs...))
	// recovery runs even when ctx is done, but never longer than one attempt
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.attemptTimeout)
	err = d.Navigate(rctx, SafePage)
	cancel()
	if err != nil {
		n.logger.Error("failed to recover to safe page", zap.Error(err))
	}
	n.metrics.RecordNavigation(FallbackStrategy, true)
	if setter != nil {
		setter.SetCurrentURL(target)
	}
	n.logger.Error("navigation fell back to safe page", zap.String("url", target), zap.Error(out.SoftError))
	return out, nil
}

// reinject applies the stealth overrides to the current document.
// A fresh page load resets injected globals, so this runs after every navigation.
func (n *Navigator) reinject(ctx context.Context, d browser.Driver) {
	if !n.stealth {
		return
	}
	if _, err := d.ExecuteScript(ctx, browser.StealthScript); err != nil {
		n.logger.Debug("stealth re-injection failed", zap.Error(err))
	}
}
