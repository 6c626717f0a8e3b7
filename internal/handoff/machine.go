package handoff

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgellow/webview-handoff/internal/cookie"
	"github.com/dgellow/webview-handoff/internal/log"
)

const (
	// DefaultSettleDelay separates the acknowledged cookie write from the reload
	DefaultSettleDelay = 300 * time.Millisecond

	// DefaultTimeout bounds how long a handoff may stay in progress
	DefaultTimeout = 10 * time.Second

	// DefaultReloadPath is where the embedded content is sent after a handoff
	DefaultReloadPath = "/"

	// DefaultMirrorTimeout bounds one write to the credential mirror
	DefaultMirrorTimeout = 10 * time.Second
)

// State is the handoff state shared by all activation deliveries
type State int32

const (
	Idle State = iota
	InProgress
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}

// Outcome is what Begin decided for one accepted activation
type Outcome int

const (
	// Started means the activation won the Idle -> InProgress transition
	Started Outcome = iota
	// Dropped means another handoff was in progress; nothing was written
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// CredentialSink materializes a credential where the embedded content reads it.
// SetCredential must overwrite any record with the same origin and name.
// Flush returns once the last write is visible to the next page load.
type CredentialSink interface {
	SetCredential(ctx context.Context, rec cookie.Record) error
	Flush(ctx context.Context) error
}

// Navigator drives the embedded content through its script channel
type Navigator interface {
	NavigateTo(ctx context.Context, path string) error
	ShowLoading(ctx context.Context) error
}

// Stats counts handoff outcomes for the lifetime of a machine
type Stats struct {
	Started   uint64 `json:"started"`
	Dropped   uint64 `json:"dropped"`
	Completed uint64 `json:"completed"`
	TimedOut  uint64 `json:"timed_out"`
	TornDown  uint64 `json:"torn_down"`
	Mirrored  uint64 `json:"mirrored"`
}

// Machine serializes credential handoffs: at most one is in progress, and
// for that one the credential write is acknowledged before the reload is
// issued. Concurrent activations are dropped, never queued.
type Machine struct {
	sink   CredentialSink
	nav    Navigator
	mirror CredentialSink

	origin         string
	settleDelay    time.Duration
	timeout        time.Duration
	reloadPath     string
	loadingOverlay bool
	mirrorTimeout  time.Duration
	now            func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	cancel     context.CancelFunc
	watchdog   *time.Timer
	wg         sync.WaitGroup

	started   atomic.Uint64
	dropped   atomic.Uint64
	completed atomic.Uint64
	timedOut  atomic.Uint64
	tornDown  atomic.Uint64
	mirrored  atomic.Uint64
}

// Option configures a Machine
type Option func(*Machine)

// WithSettleDelay sets the pause between the flushed write and the reload
func WithSettleDelay(d time.Duration) Option {
	return func(m *Machine) {
		m.settleDelay = d
	}
}

// WithTimeout sets how long a handoff may stay in progress before it is
// forced back to idle
func WithTimeout(d time.Duration) Option {
	return func(m *Machine) {
		m.timeout = d
	}
}

// WithReloadPath sets the root-relative path used for the reload
func WithReloadPath(path string) Option {
	return func(m *Machine) {
		m.reloadPath = path
	}
}

// WithLoadingOverlay shows the transient overlay before the settle delay
func WithLoadingOverlay(enabled bool) Option {
	return func(m *Machine) {
		m.loadingOverlay = enabled
	}
}

// WithMirror copies every acknowledged credential to a secondary sink.
// The copy runs beside the sequence with its own timeout, so a slow
// mirror never holds back the reload.
func WithMirror(sink CredentialSink, timeout time.Duration) Option {
	return func(m *Machine) {
		m.mirror = sink
		if timeout > 0 {
			m.mirrorTimeout = timeout
		}
	}
}

// WithClock overrides the clock used to stamp cookie records (for testing)
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// NewMachine creates an idle machine writing credentials for origin
func NewMachine(origin string, sink CredentialSink, nav Navigator, opts ...Option) *Machine {
	m := &Machine{
		sink:          sink,
		nav:           nav,
		origin:        origin,
		settleDelay:   DefaultSettleDelay,
		timeout:       DefaultTimeout,
		reloadPath:    DefaultReloadPath,
		mirrorTimeout: DefaultMirrorTimeout,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// State returns the current handoff state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a snapshot of the outcome counters
func (m *Machine) Stats() Stats {
	return Stats{
		Started:   m.started.Load(),
		Dropped:   m.dropped.Load(),
		Completed: m.completed.Load(),
		TimedOut:  m.timedOut.Load(),
		TornDown:  m.tornDown.Load(),
		Mirrored:  m.mirrored.Load(),
	}
}

// Begin tries to move the machine from Idle to InProgress for token. An
// empty token still reloads the content but writes no credential. The
// sequence runs detached from ctx cancellation; Teardown and Close stop it.
func (m *Machine) Begin(ctx context.Context, token string) Outcome {
	m.mu.Lock()
	if m.state == InProgress {
		generation := m.generation
		m.mu.Unlock()

		m.dropped.Add(1)
		log.LogInfoWithFields("handoff", "Handoff already in progress, dropping activation", map[string]any{
			"generation": generation,
		})
		return Dropped
	}

	m.state = InProgress
	m.generation++
	generation := m.generation

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.watchdog = time.AfterFunc(m.timeout, func() {
		if m.release(generation, "timeout") {
			m.timedOut.Add(1)
		}
	})
	m.wg.Add(1)
	m.mu.Unlock()

	m.started.Add(1)
	log.LogInfoWithFields("handoff", "Handoff started", map[string]any{
		"generation": generation,
		"token":      log.Redact(token),
		"settle":     m.settleDelay.String(),
	})

	go m.run(runCtx, generation, token)
	return Started
}

func (m *Machine) run(ctx context.Context, generation uint64, token string) {
	defer m.wg.Done()

	fields := map[string]any{"generation": generation}

	if token != "" {
		rec := cookie.NewAuthRecord(m.origin, token, m.now())
		if err := m.sink.SetCredential(ctx, rec); err != nil {
			log.LogWarnWithFields("handoff", "Credential write failed", map[string]any{
				"generation": generation,
				"origin":     m.origin,
				"error":      err.Error(),
			})
		} else if err := m.sink.Flush(ctx); err != nil {
			log.LogWarnWithFields("handoff", "Credential flush not acknowledged", map[string]any{
				"generation": generation,
				"error":      err.Error(),
			})
		} else {
			log.LogDebugWithFields("handoff", "Credential written", map[string]any{
				"generation": generation,
				"origin":     m.origin,
				"cookie":     rec.Name,
			})
			m.startMirror(ctx, generation, rec)
		}
	} else {
		log.LogDebugWithFields("handoff", "Empty token, reloading without credential write", fields)
	}

	if m.loadingOverlay {
		if err := m.nav.ShowLoading(ctx); err != nil {
			log.LogDebugWithFields("handoff", "Loading overlay not shown", map[string]any{
				"generation": generation,
				"error":      err.Error(),
			})
		}
	}

	if !sleep(ctx, m.settleDelay) {
		log.LogDebugWithFields("handoff", "Handoff cancelled before reload", fields)
		return
	}

	if err := m.nav.NavigateTo(ctx, m.reloadPath); err != nil {
		log.LogWarnWithFields("handoff", "Reload not issued", map[string]any{
			"generation": generation,
			"path":       m.reloadPath,
			"error":      err.Error(),
		})
	}

	if m.release(generation, "reload issued") {
		m.completed.Add(1)
	}
}

// startMirror copies rec to the mirror without blocking the sequence. The
// copy outlives a teardown of its handoff but not its own timeout.
func (m *Machine) startMirror(ctx context.Context, generation uint64, rec cookie.Record) {
	if m.mirror == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.mirrorTimeout)
		defer cancel()

		err := m.mirror.SetCredential(mctx, rec)
		if err == nil {
			err = m.mirror.Flush(mctx)
		}
		if err != nil {
			log.LogWarnWithFields("handoff", "Credential mirror write failed", map[string]any{
				"generation": generation,
				"error":      err.Error(),
			})
			return
		}
		m.mirrored.Add(1)
	}()
}

// release returns the machine to Idle if generation is still the current
// handoff. A stale watchdog or a late sequence never resets a newer one.
func (m *Machine) release(generation uint64, reason string) bool {
	m.mu.Lock()
	released := m.releaseLocked(generation)
	m.mu.Unlock()

	if released {
		logFinished(generation, reason)
	}
	return released
}

// releaseLocked does the work of release; m.mu must be held
func (m *Machine) releaseLocked(generation uint64) bool {
	if m.generation != generation || m.state != InProgress {
		return false
	}
	m.state = Idle
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	return true
}

func logFinished(generation uint64, reason string) {
	log.LogInfoWithFields("handoff", "Handoff finished", map[string]any{
		"generation": generation,
		"reason":     reason,
	})
}

// Teardown is called when the embedded content goes away. Whatever
// handoff is current when it takes the lock is abandoned, and the machine
// accepts new handoffs immediately.
func (m *Machine) Teardown() {
	m.mu.Lock()
	generation := m.generation
	released := m.releaseLocked(generation)
	m.mu.Unlock()

	if released {
		m.tornDown.Add(1)
		logFinished(generation, "teardown")
	}
}

// Wait blocks until every started sequence and mirror copy has exited
func (m *Machine) Wait() {
	m.wg.Wait()
}

// Close abandons the in-flight handoff and waits for its sequence to exit
func (m *Machine) Close() {
	m.Teardown()
	m.Wait()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
