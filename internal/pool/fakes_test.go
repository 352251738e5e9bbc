package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/browser"
)

type fakeLauncher struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	launchFn func() error
}

func (l *fakeLauncher) Launch(ctx context.Context) (browser.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchFn != nil {
		if err := l.launchFn(); err != nil {
			return nil, err
		}
	}
	p := &fakeProcess{disconnected: make(chan struct{})}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) failWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launchFn = func() error { return err }
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) process(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

type fakeProcess struct {
	mu           sync.Mutex
	tabs         []*fakeTab
	newTabErr    error
	onNewTab     func()
	closed       bool
	disconnected chan struct{}
	once         sync.Once
}

func (p *fakeProcess) NewTab(context.Context) (browser.Tab, error) {
	p.mu.Lock()
	hook := p.onNewTab
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.newTabErr != nil {
		return nil, p.newTabErr
	}
	t := &fakeTab{url: browser.BlankURL}
	p.tabs = append(p.tabs, t)
	return t, nil
}

func (p *fakeProcess) Connected() bool {
	select {
	case <-p.disconnected:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Disconnected() <-chan struct{} {
	return p.disconnected
}

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.disconnect()
	return nil
}

// disconnect simulates a crash of the browser.
func (p *fakeProcess) disconnect() {
	p.once.Do(func() { close(p.disconnected) })
}

func (p *fakeProcess) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakeProcess) tabCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tabs)
}

type fakeTab struct {
	mu          sync.Mutex
	url         string
	cookies     int
	viewport    browser.Viewport
	userAgent   string
	closed      bool
	navigateErr error
	storageErr  error
	blockReset  bool
	closeGate   chan struct{}
}

func (t *fakeTab) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	block, err := t.blockReset, t.navigateErr
	t.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.url = url
	return nil
}

func (t *fakeTab) ClearCookies(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cookies = 0
	return nil
}

func (t *fakeTab) ClearCache(context.Context) error {
	return nil
}

func (t *fakeTab) ClearStorage(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.storageErr
}

func (t *fakeTab) SetViewport(_ context.Context, width, height int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewport = browser.Viewport{Width: width, Height: height}
	return nil
}

func (t *fakeTab) SetUserAgent(_ context.Context, userAgent string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userAgent = userAgent
	return nil
}

func (t *fakeTab) Location(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url, nil
}

func (t *fakeTab) OuterHTML(context.Context) (string, error) {
	return "<html></html>", nil
}

func (t *fakeTab) Close() error {
	t.mu.Lock()
	gate := t.closeGate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("tab already closed")
	}
	t.closed = true
	return nil
}

func (t *fakeTab) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// dirty simulates a page visit that leaves state behind.
func (t *fakeTab) dirty(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.url = url
	t.cookies += 3
	t.viewport = browser.Viewport{Width: 320, Height: 480}
	t.userAgent = "mobile"
}

func (t *fakeTab) failNavigate(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.navigateErr = err
}

type tabState struct {
	url       string
	cookies   int
	viewport  browser.Viewport
	userAgent string
	closed    bool
}

func (t *fakeTab) state() tabState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return tabState{url: t.url, cookies: t.cookies, viewport: t.viewport, userAgent: t.userAgent, closed: t.closed}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeIDs struct {
	next atomic.Int64
}

func (g *fakeIDs) NewID() (string, error) {
	return fmt.Sprintf("session-%d", g.next.Add(1)), nil
}

func tabOf(s *Session) *fakeTab {
	return s.Tab.(*fakeTab)
}
