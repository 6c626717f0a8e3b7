package browser

import (
	"context"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/webview-handoff/internal/cookie"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closedPages struct{}

func (closedPages) Page() (*rod.Page, error) { return nil, ErrPageClosed }

func TestCookieParam(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := cookie.NewAuthRecord("https://www.taiwan-yummy-food.com", "abc123", now)

	p := cookieParam(rec)
	assert.Equal(t, "auth_token", p.Name)
	assert.Equal(t, "abc123", p.Value)
	assert.Equal(t, "https://www.taiwan-yummy-food.com", p.URL)
	assert.Equal(t, "/", p.Path)
	assert.True(t, p.Secure)
	assert.False(t, p.HTTPOnly)
	assert.Equal(t, proto.NetworkCookieSameSiteLax, p.SameSite)
	assert.Equal(t, proto.TimeSinceEpoch(now.Add(7*24*time.Hour).Unix()), p.Expires)

	rec.SameSite = http.SameSiteStrictMode
	rec.MaxAge = 0
	p = cookieParam(rec)
	assert.Equal(t, proto.NetworkCookieSameSiteStrict, p.SameSite)
	assert.Zero(t, p.Expires)
}

func TestClosedPageIsReported(t *testing.T) {
	ctx := context.Background()
	sink := &CookieSink{pages: closedPages{}}
	nav := &Navigator{pages: closedPages{}}

	err := sink.SetCredential(ctx, cookie.NewAuthRecord("https://example.com", "tok", time.Now()))
	assert.ErrorIs(t, err, ErrPageClosed)
	assert.ErrorIs(t, nav.NavigateTo(ctx, "/"), ErrPageClosed)
	assert.ErrorIs(t, nav.ShowLoading(ctx), ErrPageClosed)

	// Nothing written yet, so there is nothing to acknowledge
	assert.NoError(t, sink.Flush(ctx))
}

func TestScripts(t *testing.T) {
	assert.Contains(t, replaceScript, "window.location.replace(path)")
	assert.True(t, strings.HasPrefix(loadingScript, "() =>"))
	assert.Contains(t, loadingScript, "__handoff_loading")
}

// TestSession_CookieAndReload drives a real Chromium. It needs a browser
// rod can launch and is opt-in through HANDOFF_BROWSER_TESTS=1.
func TestSession_CookieAndReload(t *testing.T) {
	if os.Getenv("HANDOFF_BROWSER_TESTS") == "" {
		t.Skip("set HANDOFF_BROWSER_TESTS=1 to run browser tests")
	}

	ctx := context.Background()
	s, err := Launch(ctx, Config{Headless: true, StartURL: "https://example.com/"})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Open(ctx))

	sink := NewCookieSink(s)
	rec := cookie.NewAuthRecord("https://example.com", "abc123", time.Now())
	require.NoError(t, sink.SetCredential(ctx, rec))
	require.NoError(t, sink.Flush(ctx))

	cookies, err := sink.Cookies(ctx, "https://example.com")
	require.NoError(t, err)
	var found bool
	for _, c := range cookies {
		if c.Name == "auth_token" {
			found = true
			assert.Equal(t, "abc123", c.Value)
			assert.True(t, c.Secure)
		}
	}
	assert.True(t, found)

	require.NoError(t, NewNavigator(s).NavigateTo(ctx, "/"))
}
