package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

// PlaywrightConfig configures browsers launched through Playwright
type PlaywrightConfig struct {
	Headless       bool
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	Locale         string
	Timezone       string
	Stealth        bool
	ActionTimeout  time.Duration
	NavTimeout     time.Duration
	// Remote makes the launcher provision a container from the pool and connect over CDP
	// instead of spawning a local chromium.
	Remote bool
	// SkipInstall skips the driver download on Initialize, for images that ship the browsers.
	SkipInstall bool
}

func (c *PlaywrightConfig) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.ViewportWidth == 0 {
		c.ViewportWidth = DefaultViewportWidth
	}
	if c.ViewportHeight == 0 {
		c.ViewportHeight = DefaultViewportHeight
	}
	if c.Locale == "" {
		c.Locale = "en-US"
	}
	if c.ActionTimeout == 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	if c.NavTimeout == 0 {
		c.NavTimeout = DefaultNavTimeout
	}
}

// PlaywrightLauncher owns the Playwright runtime and hands out one Driver per session
type PlaywrightLauncher struct {
	mu          sync.Mutex
	pw          *playwright.Playwright
	cfg         PlaywrightConfig
	pool        *ContainerPool
	logger      *zap.Logger
	initialized bool
}

// NewPlaywrightLauncher creates a launcher. pool may be nil unless cfg.Remote is set.
func NewPlaywrightLauncher(cfg PlaywrightConfig, pool *ContainerPool, logger *zap.Logger) *PlaywrightLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &PlaywrightLauncher{
		cfg:    cfg,
		pool:   pool,
		logger: logger.With(zap.String("component", "playwright")),
	}
}

// Initialize installs and starts the Playwright driver. Safe to call more than once.
func (l *PlaywrightLauncher) Initialize() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.initialized {
		return nil
	}

	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if !l.cfg.SkipInstall {
		if err := playwright.Install(opts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	l.pw = pw
	l.initialized = true
	l.logger.Info("playwright runtime started", zap.Bool("remote", l.cfg.Remote))
	return nil
}

// Launch starts a browser for sessionID and returns a driver bound to its first page
func (l *PlaywrightLauncher) Launch(ctx context.Context, sessionID string) (Driver, error) {
	if err := l.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDriverUnavailable, err)
	}

	var (
		b       playwright.Browser
		err     error
		release func() error
	)

	if l.cfg.Remote {
		if l.pool == nil {
			return nil, fmt.Errorf("%w: remote mode without container pool", ErrDriverUnavailable)
		}
		instance, launchErr := l.pool.LaunchBrowser(ctx, sessionID)
		if launchErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrDriverUnavailable, launchErr)
		}
		b, err = l.pw.Chromium.ConnectOverCDP(instance.ConnectURL)
		containerID := instance.ContainerID
		release = func() error {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return l.pool.StopBrowser(stopCtx, containerID)
		}
		if err != nil {
			_ = release()
		}
	} else {
		b, err = l.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(l.cfg.Headless),
			Args:     StealthArgs,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to launch browser: %v", ErrDriverUnavailable, err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(l.cfg.UserAgent),
		Viewport: &playwright.Size{
			Width:  l.cfg.ViewportWidth,
			Height: l.cfg.ViewportHeight,
		},
		Locale: playwright.String(l.cfg.Locale),
	}
	if l.cfg.Timezone != "" {
		contextOpts.TimezoneId = playwright.String(l.cfg.Timezone)
	}

	bctx, err := b.NewContext(contextOpts)
	if err != nil {
		b.Close()
		if release != nil {
			_ = release()
		}
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	if l.cfg.Stealth {
		if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(StealthScript)}); err != nil {
			l.logger.Warn("stealth init script rejected", zap.String("session", sessionID), zap.Error(err))
		}
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		b.Close()
		if release != nil {
			_ = release()
		}
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(l.cfg.ActionTimeout.Milliseconds()))

	l.logger.Info("browser launched", zap.String("session", sessionID))
	return &PlaywrightDriver{
		browser:       b,
		context:       bctx,
		page:          page,
		actionTimeout: l.cfg.ActionTimeout,
		navTimeout:    l.cfg.NavTimeout,
		release:       release,
	}, nil
}

// Shutdown stops the Playwright runtime
func (l *PlaywrightLauncher) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.initialized || l.pw == nil {
		return nil
	}
	l.initialized = false
	if err := l.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

// PlaywrightDriver implements Driver on top of one Playwright page.
// The page pointer is swapped by OpenInNewTab, so reads go through currentPage.
type PlaywrightDriver struct {
	mu            sync.RWMutex
	browser       playwright.Browser
	context       playwright.BrowserContext
	page          playwright.Page
	actionTimeout time.Duration
	navTimeout    time.Duration
	release       func() error
	closed        bool
}

func (d *PlaywrightDriver) currentPage() (playwright.Page, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrDriverClosed
	}
	return d.page, nil
}

func (d *PlaywrightDriver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	page, err := d.currentPage()
	if err != nil {
		return err
	}
	_, err = page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(timeoutMS(ctx, d.navTimeout)),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	return wrap("navigate", err)
}

func (d *PlaywrightDriver) Click(ctx context.Context, target models.ClickTarget) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	page, err := d.currentPage()
	if err != nil {
		return err
	}
	timeout := playwright.Float(timeoutMS(ctx, d.actionTimeout))
	switch {
	case target.Selector != "":
		err = page.Click(target.Selector, playwright.PageClickOptions{Timeout: timeout})
	case target.Text != "":
		err = page.GetByText(target.Text).First().Click(playwright.LocatorClickOptions{Timeout: timeout})
	case target.HasCoords():
		err = page.Mouse().Click(*target.X, *target.Y)
	default:
		return ErrInvalidTarget
	}
	return wrap("click", err)
}

func (d *PlaywrightDriver) Type(ctx context.Context, text, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	page, err := d.currentPage()
	if err != nil {
		return err
	}
	if selector != "" {
		err = page.Fill(selector, text, playwright.PageFillOptions{
			Timeout: playwright.Float(timeoutMS(ctx, d.actionTimeout)),
		})
		return wrap("type", err)
	}
	return wrap("type", page.Keyboard().Type(text))
}

func (d *PlaywrightDriver) Scroll(ctx context.Context, direction string, distance int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dx, dy, err := ScrollDelta(direction, distance)
	if err != nil {
		return err
	}
	page, err := d.currentPage()
	if err != nil {
		return err
	}
	return wrap("scroll", page.Mouse().Wheel(dx, dy))
}

func (d *PlaywrightDriver) PressKey(ctx context.Context, key, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	page, err := d.currentPage()
	if err != nil {
		return err
	}
	if selector != "" {
		err = page.Press(selector, key, playwright.PagePressOptions{
			Timeout: playwright.Float(timeoutMS(ctx, d.actionTimeout)),
		})
		return wrap("press_key", err)
	}
	return wrap("press_key", page.Keyboard().Press(key))
}

func (d *PlaywrightDriver) ExecuteScript(ctx context.Context, script string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, err := d.currentPage()
	if err != nil {
		return nil, err
	}
	out, err := page.Evaluate(script)
	return out, wrap("execute_script", err)
}

func (d *PlaywrightDriver) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	page, err := d.currentPage()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = d.actionTimeout
	}
	_, err = page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(timeoutMS(ctx, timeout)),
		State:   playwright.WaitForSelectorStateVisible,
	})
	return wrap("wait_for_selector", err)
}

// OpenInNewTab loads url in a fresh page of the same context and makes it the active page
func (d *PlaywrightDriver) OpenInNewTab(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.RLock()
	bctx, closed := d.context, d.closed
	d.mu.RUnlock()
	if closed {
		return ErrDriverClosed
	}

	page, err := bctx.NewPage()
	if err != nil {
		return wrap("new_tab", err)
	}
	if _, err := page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(timeoutMS(ctx, d.navTimeout)),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		page.Close()
		return wrap("new_tab", err)
	}
	if err := page.BringToFront(); err != nil {
		page.Close()
		return wrap("new_tab", err)
	}
	page.SetDefaultTimeout(float64(d.actionTimeout.Milliseconds()))

	d.mu.Lock()
	old := d.page
	d.page = page
	d.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (d *PlaywrightDriver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, err := d.currentPage()
	if err != nil {
		return nil, err
	}
	img, err := page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypePng,
		Timeout: playwright.Float(timeoutMS(ctx, d.actionTimeout)),
	})
	return img, wrap("screenshot", err)
}

func (d *PlaywrightDriver) CurrentURL() string {
	page, err := d.currentPage()
	if err != nil {
		return ""
	}
	return page.URL()
}

func (d *PlaywrightDriver) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	page, err := d.currentPage()
	if err != nil {
		return "", err
	}
	title, err := page.Title()
	return title, wrap("title", err)
}

func (d *PlaywrightDriver) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	page, err := d.currentPage()
	if err != nil {
		return err
	}
	if !d.browser.IsConnected() {
		return ErrDriverUnavailable
	}
	if _, err := page.Evaluate("1"); err != nil {
		return fmt.Errorf("%w: %v", ErrDriverUnavailable, err)
	}
	return nil
}

// Close releases the page, context and browser, then the backing container if any.
// All close errors are collected; closing twice is a no-op.
func (d *PlaywrightDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	page, bctx, b, release := d.page, d.context, d.browser, d.release
	d.mu.Unlock()

	var errs []error
	if page != nil {
		if err := page.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if bctx != nil {
		if err := bctx.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b != nil {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if release != nil {
		if err := release(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("errors closing browser: %w", err)
	}
	return nil
}
