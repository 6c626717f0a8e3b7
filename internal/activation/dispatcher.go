package activation

import (
	"context"
	"sync"

	"github.com/dgellow/webview-handoff/internal/log"
)

// Listener receives activation events. Returning true claims the event and
// stops delivery to later listeners.
type Listener interface {
	HandleActivation(ctx context.Context, ev *Event) bool
}

// ListenerFunc adapts a function to a Listener
type ListenerFunc func(ctx context.Context, ev *Event) bool

// HandleActivation implements Listener
func (f ListenerFunc) HandleActivation(ctx context.Context, ev *Event) bool {
	return f(ctx, ev)
}

// Dispatcher delivers events to its listeners in registration order
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewDispatcher creates a dispatcher with the given listeners
func NewDispatcher(listeners ...Listener) *Dispatcher {
	return &Dispatcher{listeners: listeners}
}

// Add appends a listener after the existing ones
func (d *Dispatcher) Add(l Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

// Deliver hands ev to each listener until one claims it. It reports
// whether any listener did.
func (d *Dispatcher) Deliver(ctx context.Context, ev *Event) bool {
	d.mu.RLock()
	listeners := d.listeners
	d.mu.RUnlock()

	for _, l := range listeners {
		if l.HandleActivation(ctx, ev) {
			return true
		}
	}

	log.LogDebugWithFields("dispatcher", "Activation not claimed by any listener", map[string]any{
		"seq":    ev.Seq,
		"scheme": ev.URI.Scheme,
		"host":   ev.URI.Host,
	})
	return false
}
