// Package browser defines the automation runtime the session pool is built on.
package browser

import (
	"context"
	"time"
)

// BlankURL is the neutral document sessions are parked on between uses.
const BlankURL = "about:blank"

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// Process is a running browser that hosts tabs.
type Process interface {
	NewTab(ctx context.Context) (Tab, error)
	// Connected reports whether the automation connection is still alive.
	Connected() bool
	// Disconnected is closed once the connection to the process drops.
	Disconnected() <-chan struct{}
	Close() error
}

// Tab is a single stateful automation session inside a Process.
type Tab interface {
	Navigate(ctx context.Context, url string) error
	ClearCookies(ctx context.Context) error
	ClearCache(ctx context.Context) error
	// ClearStorage wipes local and session storage of the current document.
	ClearStorage(ctx context.Context) error
	SetViewport(ctx context.Context, width, height int) error
	SetUserAgent(ctx context.Context, userAgent string) error
	Location(ctx context.Context) (string, error)
	OuterHTML(ctx context.Context) (string, error)
	Close() error
	Closed() bool
}

// LaunchConfig is the baseline configuration applied to every launched process.
type LaunchConfig struct {
	ExecPath      string
	Headless      bool
	NoSandbox     bool
	MaxMemoryMB   int
	UserAgent     string
	LaunchTimeout time.Duration
	// ExtraFlags are passed to the browser verbatim; a nil value means a bare switch.
	ExtraFlags map[string]any
}

// Viewport describes emulated window dimensions.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}
