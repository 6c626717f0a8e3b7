package browser

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/dgellow/webview-handoff/internal/cookie"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// replaceScript performs a replace-navigation so the handoff does not
// leave an extra history entry behind
const replaceScript = `(path) => window.location.replace(path)`

// loadingScript covers the page until the reload swaps the document out
const loadingScript = `() => {
  if (document.getElementById('__handoff_loading')) return;
  const overlay = document.createElement('div');
  overlay.id = '__handoff_loading';
  overlay.style.cssText = 'position:fixed;inset:0;z-index:2147483647;display:flex;' +
    'align-items:center;justify-content:center;background:rgba(255,255,255,0.92)';
  const spinner = document.createElement('div');
  spinner.style.cssText = 'width:32px;height:32px;border-radius:50%;' +
    'border:3px solid #ddd;border-top-color:#333;animation:__handoff_spin 0.8s linear infinite';
  const style = document.createElement('style');
  style.textContent = '@keyframes __handoff_spin{to{transform:rotate(360deg)}}';
  overlay.appendChild(style);
  overlay.appendChild(spinner);
  (document.body || document.documentElement).appendChild(overlay);
}`

// pageSource yields the current embedded page
type pageSource interface {
	Page() (*rod.Page, error)
}

// cookieParam converts a record into the DevTools cookie parameters
func cookieParam(rec cookie.Record) *proto.NetworkCookieParam {
	param := &proto.NetworkCookieParam{
		Name:   rec.Name,
		Value:  rec.Value,
		URL:    rec.Origin,
		Path:   rec.Path,
		Secure: rec.Secure,
	}
	if rec.MaxAge > 0 {
		param.Expires = proto.TimeSinceEpoch(rec.ExpiresAt().Unix())
	}
	switch rec.SameSite {
	case http.SameSiteLaxMode:
		param.SameSite = proto.NetworkCookieSameSiteLax
	case http.SameSiteStrictMode:
		param.SameSite = proto.NetworkCookieSameSiteStrict
	case http.SameSiteNoneMode:
		param.SameSite = proto.NetworkCookieSameSiteNone
	}
	return param
}

// CookieSink writes credentials into the browser's cookie store
type CookieSink struct {
	pages pageSource

	mu   sync.Mutex
	last *cookie.Record
}

// NewCookieSink creates a sink writing through the session's page
func NewCookieSink(s *Session) *CookieSink {
	return &CookieSink{pages: s}
}

// SetCredential sets the cookie, replacing any cookie with the same name
// for the origin and path
func (c *CookieSink) SetCredential(ctx context.Context, rec cookie.Record) error {
	page, err := c.pages.Page()
	if err != nil {
		return err
	}

	if err := page.Context(ctx).SetCookies([]*proto.NetworkCookieParam{cookieParam(rec)}); err != nil {
		return fmt.Errorf("set cookie %s: %w", rec.Name, err)
	}

	c.mu.Lock()
	c.last = &rec
	c.mu.Unlock()
	return nil
}

// Flush reads the last written cookie back from the browser, which is the
// acknowledgment that the next page load for the origin will send it
func (c *CookieSink) Flush(ctx context.Context) error {
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	if last == nil {
		return nil
	}

	page, err := c.pages.Page()
	if err != nil {
		return err
	}

	res, err := proto.NetworkGetCookies{Urls: []string{last.Origin + last.Path}}.Call(page.Context(ctx))
	if err != nil {
		return fmt.Errorf("read back cookies: %w", err)
	}
	for _, ck := range res.Cookies {
		if ck.Name == last.Name && ck.Value == last.Value {
			return nil
		}
	}
	return fmt.Errorf("cookie %s not visible for %s after write", last.Name, last.Origin)
}

// Cookies returns the cookies the browser would send to origin
func (c *CookieSink) Cookies(ctx context.Context, origin string) ([]*proto.NetworkCookie, error) {
	page, err := c.pages.Page()
	if err != nil {
		return nil, err
	}
	res, err := proto.NetworkGetCookies{Urls: []string{origin}}.Call(page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	return res.Cookies, nil
}

// Navigator drives the embedded page through script evaluation
type Navigator struct {
	pages pageSource
}

// NewNavigator creates a navigator for the session's page
func NewNavigator(s *Session) *Navigator {
	return &Navigator{pages: s}
}

// NavigateTo issues a replace-navigation to path. It does not wait for
// the new document to load.
func (n *Navigator) NavigateTo(ctx context.Context, path string) error {
	page, err := n.pages.Page()
	if err != nil {
		return err
	}
	if _, err := page.Context(ctx).Eval(replaceScript, path); err != nil {
		return fmt.Errorf("evaluate navigation: %w", err)
	}
	return nil
}

// ShowLoading injects the transient loading overlay
func (n *Navigator) ShowLoading(ctx context.Context) error {
	page, err := n.pages.Page()
	if err != nil {
		return err
	}
	if _, err := page.Context(ctx).Eval(loadingScript); err != nil {
		return fmt.Errorf("evaluate loading overlay: %w", err)
	}
	return nil
}
