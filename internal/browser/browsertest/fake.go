// Package browsertest provides an in-memory browser.Driver for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shehryarbajwa/browser-pilot/internal/browser"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

// PNG is the image returned by Screenshot: the 8-byte PNG signature followed by a marker
var PNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 'f', 'a', 'k', 'e'}

// Call is one recorded driver invocation
type Call struct {
	Op  string
	Arg string
}

// Driver is a scriptable fake. Zero value is ready to use.
type Driver struct {
	mu       sync.Mutex
	url      string
	title    string
	calls    []Call
	closed   bool
	failures map[string]error
	delays   map[string]time.Duration
	pingErr  error

	// ScriptHook, when set, is consulted for ExecuteScript before the failure table.
	ScriptHook func(script string) (any, error)

	active    atomic.Int32
	maxActive atomic.Int32
}

// New returns a fake resting on about:blank
func New() *Driver {
	return &Driver{url: "about:blank", title: "Blank"}
}

// FailOn makes every call to op return err. A nil err clears the failure.
func (d *Driver) FailOn(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures == nil {
		d.failures = make(map[string]error)
	}
	if err == nil {
		delete(d.failures, op)
		return
	}
	d.failures[op] = err
}

// DelayOn makes every call to op block for dur, or until its context ends
func (d *Driver) DelayOn(op string, dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.delays == nil {
		d.delays = make(map[string]time.Duration)
	}
	d.delays[op] = dur
}

// SetPingError sets the liveness probe result
func (d *Driver) SetPingError(err error) {
	d.mu.Lock()
	d.pingErr = err
	d.mu.Unlock()
}

// Calls returns a copy of all recorded calls
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallsFor returns the recorded arguments for one op
func (d *Driver) CallsFor(op string) []string {
	var out []string
	for _, c := range d.Calls() {
		if c.Op == op {
			out = append(out, c.Arg)
		}
	}
	return out
}

// MaxConcurrent is the highest number of page-mutating calls observed at once
func (d *Driver) MaxConcurrent() int {
	return int(d.maxActive.Load())
}

// Closed reports whether Close was called
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// begin records the call and returns the scripted failure, honouring delays
func (d *Driver) begin(ctx context.Context, op, arg string, mutating bool) (func(), error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return func() {}, browser.ErrDriverClosed
	}
	d.calls = append(d.calls, Call{Op: op, Arg: arg})
	failure := d.failures[op]
	delay := d.delays[op]
	d.mu.Unlock()

	done := func() {}
	if mutating {
		n := d.active.Add(1)
		for {
			peak := d.maxActive.Load()
			if n <= peak || d.maxActive.CompareAndSwap(peak, n) {
				break
			}
		}
		done = func() { d.active.Add(-1) }
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			done()
			return func() {}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if failure != nil {
		done()
		return func() {}, failure
	}
	return done, nil
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	done, err := d.begin(ctx, "navigate", url, true)
	defer done()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.url = url
	d.title = "Page " + url
	d.mu.Unlock()
	return nil
}

func (d *Driver) Click(ctx context.Context, target models.ClickTarget) error {
	arg := target.Selector
	switch {
	case arg != "":
	case target.Text != "":
		arg = "text=" + target.Text
	case target.HasCoords():
		arg = fmt.Sprintf("%.0f,%.0f", *target.X, *target.Y)
	default:
		return browser.ErrInvalidTarget
	}
	done, err := d.begin(ctx, "click", arg, true)
	defer done()
	return err
}

func (d *Driver) Type(ctx context.Context, text, selector string) error {
	done, err := d.begin(ctx, "type", selector+"|"+text, true)
	defer done()
	return err
}

func (d *Driver) Scroll(ctx context.Context, direction string, distance int) error {
	if _, _, err := browser.ScrollDelta(direction, distance); err != nil {
		return err
	}
	done, err := d.begin(ctx, "scroll", fmt.Sprintf("%s:%d", direction, distance), true)
	defer done()
	return err
}

func (d *Driver) PressKey(ctx context.Context, key, selector string) error {
	done, err := d.begin(ctx, "press_key", selector+"|"+key, true)
	defer done()
	return err
}

func (d *Driver) ExecuteScript(ctx context.Context, script string) (any, error) {
	done, err := d.begin(ctx, "execute_script", script, true)
	defer done()
	if err != nil {
		return nil, err
	}
	if d.ScriptHook != nil {
		return d.ScriptHook(script)
	}
	// Emulate script navigation so the fallback chain can observe a URL change.
	if strings.HasPrefix(script, "window.location.href") {
		if i := strings.Index(script, "\""); i >= 0 {
			rest := script[i+1:]
			if j := strings.Index(rest, "\""); j >= 0 {
				d.mu.Lock()
				d.url = rest[:j]
				d.mu.Unlock()
			}
		}
	}
	return true, nil
}

func (d *Driver) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	done, err := d.begin(ctx, "wait_for_selector", selector, false)
	defer done()
	return err
}

func (d *Driver) OpenInNewTab(ctx context.Context, url string) error {
	done, err := d.begin(ctx, "new_tab", url, true)
	defer done()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
	return nil
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	done, err := d.begin(ctx, "screenshot", "", false)
	defer done()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(PNG))
	copy(out, PNG)
	return out, nil
}

func (d *Driver) CurrentURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

func (d *Driver) Title(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.title, nil
}

func (d *Driver) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return browser.ErrDriverClosed
	}
	return d.pingErr
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Launcher hands out fresh fakes and remembers them in launch order
type Launcher struct {
	mu       sync.Mutex
	drivers  []*Driver
	failures int
	// Configure, when set, runs on every new driver before it is returned.
	Configure func(*Driver)
}

// ErrLaunch is returned by a Launcher told to fail
var ErrLaunch = errors.New("fake launch failure")

// FailNext makes the next n launches fail
func (l *Launcher) FailNext(n int) {
	l.mu.Lock()
	l.failures = n
	l.mu.Unlock()
}

func (l *Launcher) Launch(ctx context.Context, sessionID string) (browser.Driver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return nil, ErrLaunch
	}
	d := New()
	if l.Configure != nil {
		l.Configure(d)
	}
	l.drivers = append(l.drivers, d)
	return d, nil
}

// Drivers returns every driver launched so far
func (l *Launcher) Drivers() []*Driver {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Driver, len(l.drivers))
	copy(out, l.drivers)
	return out
}

// Last returns the most recently launched driver, or nil
func (l *Launcher) Last() *Driver {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.drivers) == 0 {
		return nil
	}
	return l.drivers[len(l.drivers)-1]
}
