// Package headless implements the browser runtime on top of chromedp and headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/browser"
)

const (
	defaultLaunchTimeout = 30 * time.Second
	defaultTabTimeout    = 15 * time.Second
)

var (
	errTabClosed     = errors.New("tab closed")
	errProcessClosed = errors.New("browser process closed")
)

const clearStorageScript = `(() => { localStorage.clear(); sessionStorage.clear(); return true; })()`

// Launcher starts headless Chrome processes through a chromedp exec allocator.
type Launcher struct {
	cfg    browser.LaunchConfig
	logger *zap.Logger
}

// NewLauncher creates a Launcher. A nil logger discards chromedp diagnostics.
func NewLauncher(cfg browser.LaunchConfig, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg, logger: logger}
}

// Launch starts Chrome and waits until the DevTools connection is usable.
func (l *Launcher) Launch(ctx context.Context) (browser.Process, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	sugar := l.logger.Sugar()
	browserCtx, browserCancel := chromedp.NewContext(
		allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)

	// The first Run binds the browser to browserCtx, so it must not run on a
	// derived context that gets canceled afterwards.
	err := runBounded(ctx, l.launchTimeout(), func() error {
		return chromedp.Run(browserCtx)
	})
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	p := &Process{
		ctx:           browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		disconnected:  make(chan struct{}),
		tabTimeout:    defaultTabTimeout,
		logger:        l.logger,
	}
	go p.watch()
	l.logger.Info("chrome launched", zap.Bool("headless", l.cfg.Headless), zap.Int("max_memory_mb", l.cfg.MaxMemoryMB))
	return p, nil
}

func (l *Launcher) launchTimeout() time.Duration {
	if l.cfg.LaunchTimeout > 0 {
		return l.cfg.LaunchTimeout
	}
	return defaultLaunchTimeout
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range l.flags() {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

// flags returns the command-line switches layered over chromedp's defaults.
func (l *Launcher) flags() map[string]any {
	flags := map[string]any{
		"disable-gpu":           true,
		"disable-dev-shm-usage": true,
		"hide-scrollbars":       true,
		"mute-audio":            true,
		"enable-automation":     false,
	}
	if l.cfg.Headless {
		flags["headless"] = "new"
	} else {
		flags["headless"] = false
	}
	if l.cfg.NoSandbox {
		flags["no-sandbox"] = true
		flags["disable-setuid-sandbox"] = true
	}
	if l.cfg.MaxMemoryMB > 0 {
		flags["js-flags"] = fmt.Sprintf("--max-old-space-size=%d", l.cfg.MaxMemoryMB)
	}
	for name, value := range l.cfg.ExtraFlags {
		if value == nil {
			value = true
		}
		flags[name] = value
	}
	return flags
}

// Process is a running Chrome instance owned by chromedp.
type Process struct {
	ctx           context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	tabTimeout    time.Duration
	logger        *zap.Logger

	disconnected chan struct{}
	disconnect   sync.Once
	closed       atomic.Bool
}

// NewTab opens a tab in its own browser context, so cookies, cache and
// storage are never shared between tabs. The context is disposed with the tab.
func (p *Process) NewTab(ctx context.Context) (browser.Tab, error) {
	if p.closed.Load() || !p.Connected() {
		return nil, errProcessClosed
	}
	tabCtx, tabCancel := chromedp.NewContext(p.ctx, chromedp.WithNewBrowserContext())
	err := runBounded(ctx, p.tabTimeout, func() error {
		return chromedp.Run(tabCtx)
	})
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &Tab{ctx: tabCtx, cancel: tabCancel}, nil
}

// Connected reports whether the DevTools connection is still up.
func (p *Process) Connected() bool {
	select {
	case <-p.disconnected:
		return false
	default:
		return true
	}
}

// Disconnected is closed when Chrome exits or the websocket drops.
func (p *Process) Disconnected() <-chan struct{} {
	return p.disconnected
}

// Close shuts Chrome down. Calling it more than once is a no-op.
func (p *Process) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := chromedp.Cancel(p.ctx)
	p.browserCancel()
	p.allocCancel()
	p.markDisconnected()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}

func (p *Process) watch() {
	var lost <-chan struct{}
	if c := chromedp.FromContext(p.ctx); c != nil && c.Browser != nil {
		lost = c.Browser.LostConnection
	}
	select {
	case <-lost:
		p.logger.Warn("chrome connection lost")
	case <-p.ctx.Done():
	}
	p.markDisconnected()
}

func (p *Process) markDisconnected() {
	p.disconnect.Do(func() { close(p.disconnected) })
}

// Tab is a chromedp target context.
type Tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// Navigate loads url and waits for the load event.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	if err := t.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// ClearCookies removes every cookie of the tab's browser context.
func (t *Tab) ClearCookies(ctx context.Context) error {
	if err := t.run(ctx, network.ClearBrowserCookies()); err != nil {
		return fmt.Errorf("clear cookies: %w", err)
	}
	return nil
}

// ClearCache drops the HTTP cache of the tab's browser context.
func (t *Tab) ClearCache(ctx context.Context) error {
	if err := t.run(ctx, network.ClearBrowserCache()); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// ClearStorage empties localStorage and sessionStorage of the current document.
// Opaque origins such as about:blank reject storage access, which surfaces here as an error.
func (t *Tab) ClearStorage(ctx context.Context) error {
	var ok bool
	if err := t.run(ctx, chromedp.Evaluate(clearStorageScript, &ok)); err != nil {
		return fmt.Errorf("clear storage: %w", err)
	}
	return nil
}

// SetViewport overrides the device metrics of the tab.
func (t *Tab) SetViewport(ctx context.Context, width, height int) error {
	action := emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false)
	if err := t.run(ctx, action); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}
	return nil
}

// SetUserAgent overrides the user-agent string of the tab.
func (t *Tab) SetUserAgent(ctx context.Context, userAgent string) error {
	if err := t.run(ctx, emulation.SetUserAgentOverride(userAgent)); err != nil {
		return fmt.Errorf("set user-agent: %w", err)
	}
	return nil
}

// Location returns the URL of the current document.
func (t *Tab) Location(ctx context.Context) (string, error) {
	var location string
	if err := t.run(ctx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return location, nil
}

// OuterHTML returns the serialized DOM of the current document.
func (t *Tab) OuterHTML(ctx context.Context) (string, error) {
	var html string
	if err := t.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// Close closes the target. Closing an already closed tab is a no-op.
func (t *Tab) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	err := chromedp.Cancel(t.ctx)
	t.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close tab: %w", err)
	}
	return nil
}

// Closed reports whether the tab was closed or its browser went away.
func (t *Tab) Closed() bool {
	return t.closed.Load() || t.ctx.Err() != nil
}

func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	if t.Closed() {
		return errTabClosed
	}
	taskCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		taskCtx, cancelDeadline = context.WithDeadline(taskCtx, deadline)
		defer cancelDeadline()
	}
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// runBounded runs fn until it returns, ctx ends, or timeout elapses. The
// caller must cancel whatever fn is blocked on when an error is returned.
func runBounded(ctx context.Context, timeout time.Duration, fn func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-timer.C:
		return fmt.Errorf("timed out after %s: %w", timeout, context.DeadlineExceeded)
	case <-ctx.Done():
		return fmt.Errorf("wait canceled: %w", ctx.Err())
	}
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
