// Package browser hosts the embedded content in a Chromium page driven over
// the DevTools protocol. It provides the cookie sink and the navigator the
// handoff machine writes through.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/webview-handoff/internal/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// ErrPageClosed is returned when the embedded page has been torn down
var ErrPageClosed = errors.New("embedded page closed")

// Config holds browser configuration
type Config struct {
	ControlURL        string        // attach to an existing DevTools endpoint
	Bin               string        // browser binary; empty lets rod find or download one
	Headless          bool          // run without a window
	UserDataDir       string        // persistent profile directory; empty means a throwaway profile
	Flags             []string      // extra command-line flags, "--name=value" or "--name"
	StartURL          string        // first page of the embedded content
	NavigationTimeout time.Duration // bound on the initial navigation
}

// Session owns the browser process and the single page that is the
// embedded content. The page can be replaced when it is torn down.
type Session struct {
	cfg      Config
	browser  *rod.Browser
	launcher *launcher.Launcher

	mu     sync.RWMutex
	page   *rod.Page
	closed chan struct{}
}

// Launch connects to or starts a browser and opens a blank page. Call
// Open once the cookie store has been seeded.
func Launch(ctx context.Context, cfg Config) (*Session, error) {
	controlURL := cfg.ControlURL
	var l *launcher.Launcher

	if controlURL == "" {
		l = launcher.New().Headless(cfg.Headless).Leakless(true)
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		if cfg.UserDataDir != "" {
			l = l.UserDataDir(cfg.UserDataDir)
		}
		for _, raw := range cfg.Flags {
			name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}

		url, err := l.Context(ctx).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = url
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	// Target lifecycle events drive teardown detection
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		log.LogWarnWithFields("browser", "Target discovery unavailable, page teardown will go unnoticed", map[string]any{
			"error": err.Error(),
		})
	}

	s := &Session{
		cfg:      cfg,
		browser:  b,
		launcher: l,
	}

	if err := s.newPage(); err != nil {
		_ = s.Close()
		return nil, err
	}

	log.LogInfoWithFields("browser", "Browser connected", map[string]any{
		"headless": cfg.Headless,
		"attached": cfg.ControlURL != "",
		"profile":  cfg.UserDataDir != "",
	})
	return s, nil
}

// newPage opens a blank page and arms teardown detection for it
func (s *Session) newPage() error {
	page, err := s.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}

	closed := make(chan struct{})
	wait := s.browser.EachEvent(func(e *proto.TargetTargetDestroyed) bool {
		return e.TargetID == page.TargetID
	})
	go func() {
		wait()
		close(closed)
	}()

	s.mu.Lock()
	s.page = page
	s.closed = closed
	s.mu.Unlock()
	return nil
}

// Open navigates the embedded page to the configured start URL
func (s *Session) Open(ctx context.Context) error {
	page, err := s.Page()
	if err != nil {
		return err
	}

	timeout := s.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if err := page.Context(ctx).Timeout(timeout).Navigate(s.cfg.StartURL); err != nil {
		return fmt.Errorf("navigate to start url: %w", err)
	}

	log.LogInfoWithFields("browser", "Embedded content opened", map[string]any{
		"url": s.cfg.StartURL,
	})
	return nil
}

// Reopen replaces a torn-down page with a fresh one at the start URL
func (s *Session) Reopen(ctx context.Context) error {
	if err := s.newPage(); err != nil {
		return err
	}
	return s.Open(ctx)
}

// Page returns the live embedded page or ErrPageClosed
func (s *Session) Page() (*rod.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.page == nil {
		return nil, ErrPageClosed
	}
	select {
	case <-s.closed:
		return nil, ErrPageClosed
	default:
		return s.page, nil
	}
}

// Done is closed when the current page is torn down
func (s *Session) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close shuts the browser down, or detaches when it was attached
func (s *Session) Close() error {
	var err error
	if s.launcher != nil {
		err = s.browser.Close()
		s.launcher.Kill()
	} else {
		s.mu.RLock()
		page := s.page
		s.mu.RUnlock()
		if page != nil {
			err = page.Close()
		}
	}

	log.LogInfoWithFields("browser", "Browser session closed", nil)
	return err
}
