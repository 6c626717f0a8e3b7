package activation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/webview-handoff/internal/handoff"
	"github.com/dgellow/webview-handoff/internal/log"
)

const (
	// DefaultAuthHost is the host literal of a credential handoff uri
	DefaultAuthHost = "auth"

	// DefaultTokenParam is the query parameter carrying the token
	DefaultTokenParam = "token"

	// DefaultDedupWindow is how long the router remembers handled arrivals
	DefaultDedupWindow = 30 * time.Second
)

// EmptyTokenPolicy decides what a matched activation without a token does
type EmptyTokenPolicy string

const (
	// EmptyTokenNavigate reloads the embedded content without a credential write
	EmptyTokenNavigate EmptyTokenPolicy = "navigate"
	// EmptyTokenIgnore claims the event and does nothing else
	EmptyTokenIgnore EmptyTokenPolicy = "ignore"
)

// Starter is the part of the handoff machine the router drives
type Starter interface {
	Begin(ctx context.Context, token string) handoff.Outcome
}

// Router recognizes <scheme>://auth?token=... activations and hands the
// token to the state machine. Anything else is left for other listeners.
type Router struct {
	scheme      string
	host        string
	param       string
	emptyToken  EmptyTokenPolicy
	dedupWindow time.Duration
	starter     Starter
	now         func() time.Time

	mu       sync.Mutex
	handled  map[uint64]time.Time
	// launch arrivals can be replayed for the host's whole lifetime, so
	// they are never evicted
	launches map[uint64]struct{}
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithAuthHost overrides the host literal
func WithAuthHost(host string) RouterOption {
	return func(r *Router) {
		r.host = host
	}
}

// WithTokenParam overrides the token query parameter name
func WithTokenParam(param string) RouterOption {
	return func(r *Router) {
		r.param = param
	}
}

// WithEmptyTokenPolicy sets the behavior for matched events without a token
func WithEmptyTokenPolicy(policy EmptyTokenPolicy) RouterOption {
	return func(r *Router) {
		r.emptyToken = policy
	}
}

// WithDedupWindow sets how long handled arrivals are remembered
func WithDedupWindow(d time.Duration) RouterOption {
	return func(r *Router) {
		r.dedupWindow = d
	}
}

// WithRouterClock overrides the router's clock (for testing)
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		r.now = now
	}
}

// NewRouter creates a router for the given application scheme
func NewRouter(scheme string, starter Starter, opts ...RouterOption) *Router {
	r := &Router{
		scheme:      scheme,
		host:        DefaultAuthHost,
		param:       DefaultTokenParam,
		emptyToken:  EmptyTokenNavigate,
		dedupWindow: DefaultDedupWindow,
		starter:     starter,
		now:         time.Now,
		handled:     make(map[uint64]time.Time),
		launches:    make(map[uint64]struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Match reports whether ev is a credential handoff. Schemes compare
// case-insensitively; the host must equal the literal exactly.
func (r *Router) Match(ev *Event) bool {
	if ev == nil || ev.URI == nil {
		return false
	}
	return strings.EqualFold(ev.URI.Scheme, r.scheme) && ev.URI.Host == r.host
}

// Extract returns the token carried by ev. ok is false when the
// parameter is missing or empty.
func (r *Router) Extract(ev *Event) (token string, ok bool) {
	if ev == nil || ev.URI == nil {
		return "", false
	}
	token = ev.URI.Query().Get(r.param)
	return token, token != ""
}

// HandleActivation implements Listener. It returns false only for events
// that are not credential handoffs, leaving them untouched.
func (r *Router) HandleActivation(ctx context.Context, ev *Event) bool {
	if !r.Match(ev) {
		return false
	}

	fields := map[string]any{
		"seq":    ev.Seq,
		"event":  ev.ID,
		"source": string(ev.Source),
	}

	if ev.Consumed() || !r.remember(ev.Seq, ev.Source) {
		log.LogDebugWithFields("router", "Activation already handled, ignoring redelivery", fields)
		return true
	}
	ev.MarkConsumed()

	token, ok := r.Extract(ev)
	if !ok && r.emptyToken == EmptyTokenIgnore {
		log.LogInfoWithFields("router", "Handoff activation without token ignored", fields)
		return true
	}

	outcome := r.starter.Begin(ctx, token)
	fields["outcome"] = outcome.String()
	fields["token"] = log.Redact(token)
	log.LogInfoWithFields("router", "Handoff activation routed", fields)
	return true
}

// remember records seq as handled and reports whether it was new.
// Forwarded arrivals are forgotten after the dedup window.
func (r *Router) remember(seq uint64, source Source) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.launches[seq]; seen {
		return false
	}
	if source == SourceLaunch {
		r.launches[seq] = struct{}{}
		return true
	}

	for s, at := range r.handled {
		if now.Sub(at) >= r.dedupWindow {
			delete(r.handled, s)
		}
	}

	if _, seen := r.handled[seq]; seen {
		return false
	}
	r.handled[seq] = now
	return true
}
