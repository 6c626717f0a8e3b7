package activation

import (
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Source describes which host lifecycle hook produced an event
type Source string

const (
	// SourceLaunch is the activation carried by the invocation that started the host
	SourceLaunch Source = "launch"
	// SourceForward is an activation forwarded to an already running host
	SourceForward Source = "forward"
)

// Event is one external launch signal. The same delivery presented twice
// keeps its Seq, so Seq is an arrival identity rather than a unique key.
type Event struct {
	ID         string
	Seq        uint64
	URI        *url.URL
	Source     Source
	ReceivedAt time.Time

	consumed atomic.Bool
}

// MarkConsumed records that a listener has started processing the event
func (e *Event) MarkConsumed() {
	e.consumed.Store(true)
}

// Consumed reports whether a listener already claimed the event
func (e *Event) Consumed() bool {
	return e.consumed.Load()
}

// Sequencer stamps events with monotonic arrival numbers. Each host owns one.
type Sequencer struct {
	next atomic.Uint64
	now  func() time.Time
}

// NewSequencer creates a sequencer starting at 1
func NewSequencer() *Sequencer {
	return &Sequencer{now: time.Now}
}

// NewEvent parses raw into an event with the next arrival number
func (s *Sequencer) NewEvent(raw string, source Source) (*Event, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing activation uri: %w", err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("activation uri %q has no scheme", redactQuery(u))
	}
	return s.Redeliver(u, source, s.next.Add(1)), nil
}

// Redeliver builds an event for an arrival the host has already numbered,
// as happens when the host replays its pending activation on resume.
func (s *Sequencer) Redeliver(u *url.URL, source Source, seq uint64) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Seq:        seq,
		URI:        u,
		Source:     source,
		ReceivedAt: s.now(),
	}
}

// redactQuery renders the uri without its query string so tokens never
// end up in error messages or logs
func redactQuery(u *url.URL) string {
	c := *u
	if c.RawQuery != "" {
		c.RawQuery = "<redacted>"
	}
	c.User = nil
	return c.String()
}
