package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		LoginURL: "https://dash.example.com/login",
		CallsURL: "https://dash.example.com/live/calls",
	}
}

func TestNewValidatesURLs(t *testing.T) {
	t.Parallel()

	_, err := New(Config{CallsURL: "https://x"}, nil)
	require.Error(t, err)

	s, err := New(testConfig(), nil)
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, s.cfg.NavigationTimeout)
	require.Equal(t, 5*time.Second, s.cfg.LoginSettle)
}

func TestIsLoginURL(t *testing.T) {
	t.Parallel()

	require.True(t, IsLoginURL("https://dash.example.com/LOGIN?next=/live"))
	require.True(t, IsLoginURL("https://dash.example.com/auth/login"))
	require.False(t, IsLoginURL("https://dash.example.com/live/calls"))
}

// TestClosedSessionRefusesWork ensures a torn down session never relaunches Chrome.
func TestClosedSessionRefusesWork(t *testing.T) {
	t.Parallel()

	s, err := New(testConfig(), nil)
	require.NoError(t, err)
	s.Close()
	s.Close()

	_, err = s.FetchDashboard(context.Background())
	require.True(t, errors.Is(err, errClosed))
	require.ErrorIs(t, s.Login(context.Background()), errClosed)
}

func TestToHTTPCookies(t *testing.T) {
	t.Parallel()

	got := toHTTPCookies([]*network.Cookie{
		{Name: "XSRF-TOKEN", Value: "abc", Domain: ".example.com", Path: "/", Secure: true},
		nil,
		{Name: "session", Value: "s1", HTTPOnly: true},
	})
	require.Len(t, got, 2)
	require.Equal(t, &http.Cookie{Name: "XSRF-TOKEN", Value: "abc", Domain: ".example.com", Path: "/", Secure: true}, got[0])
	require.True(t, got[1].HttpOnly)
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://dash.example.com/live/calls",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeXHR,
		Response: &network.Response{Status: 500, URL: "https://dash.example.com/api"},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 203, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://dash.example.com/live/calls", url)

	status, _, url = newResponseMeta().snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)

	var nilMeta *responseMeta
	_, _, url = nilMeta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, "https://req", url)
}

func TestForwardCancelPropagates(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()
	stop := forwardCancel(parent, cancelChild)
	defer stop()

	cancelParent()
	require.Eventually(t, func() bool { return child.Err() != nil }, time.Second, 5*time.Millisecond)
}
