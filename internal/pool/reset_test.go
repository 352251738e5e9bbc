package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/browser"
)

func newTestResetter(timeout time.Duration) *Resetter {
	return NewResetter(ResetConfig{
		Viewport:  browser.Viewport{Width: 1920, Height: 1080},
		UserAgent: "optimizer-test",
		Timeout:   timeout,
	}, nil, nil)
}

func TestResetRestoresBaseline(t *testing.T) {
	t.Parallel()

	tab := &fakeTab{}
	tab.dirty("https://example.com/cart")

	require.NoError(t, newTestResetter(time.Second).Reset(context.Background(), tab))

	st := tab.state()
	require.Equal(t, browser.BlankURL, st.url)
	require.Zero(t, st.cookies)
	require.Equal(t, browser.Viewport{Width: 1920, Height: 1080}, st.viewport)
	require.Equal(t, "optimizer-test", st.userAgent)
}

func TestResetIgnoresStorageFailure(t *testing.T) {
	t.Parallel()

	tab := &fakeTab{storageErr: errors.New("access denied for opaque origin")}
	require.NoError(t, newTestResetter(time.Second).Reset(context.Background(), tab))
	require.Equal(t, "optimizer-test", tab.state().userAgent)
}

func TestResetFailures(t *testing.T) {
	t.Parallel()

	navigateErr := errors.New("target crashed")
	tests := []struct {
		name  string
		tab   func() *fakeTab
		cause error
	}{
		{
			name:  "navigate fails",
			tab:   func() *fakeTab { return &fakeTab{navigateErr: navigateErr} },
			cause: navigateErr,
		},
		{
			name:  "tab closed",
			tab:   func() *fakeTab { return &fakeTab{closed: true} },
			cause: errTabClosed,
		},
		{
			name:  "timeout",
			tab:   func() *fakeTab { return &fakeTab{blockReset: true} },
			cause: context.DeadlineExceeded,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := newTestResetter(20*time.Millisecond).Reset(context.Background(), tc.tab())
			require.ErrorIs(t, err, ErrReset)
			require.ErrorIs(t, err, tc.cause)
		})
	}
}

func TestPrepareAppliesIdentityOnly(t *testing.T) {
	t.Parallel()

	tab := &fakeTab{url: "https://example.com"}
	require.NoError(t, newTestResetter(time.Second).Prepare(context.Background(), tab))

	st := tab.state()
	require.Equal(t, "https://example.com", st.url)
	require.Equal(t, browser.Viewport{Width: 1920, Height: 1080}, st.viewport)
}

func TestResetSkipsUnsetIdentity(t *testing.T) {
	t.Parallel()

	tab := &fakeTab{}
	tab.dirty("https://example.com")
	require.NoError(t, NewResetter(ResetConfig{}, nil, nil).Reset(context.Background(), tab))

	st := tab.state()
	require.Equal(t, browser.Viewport{Width: 320, Height: 480}, st.viewport)
	require.Equal(t, "mobile", st.userAgent)
}
