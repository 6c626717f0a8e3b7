package handoff

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/webview-handoff/internal/cookie"
	"github.com/dgellow/webview-handoff/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://www.taiwan-yummy-food.com"

func waitReload(t *testing.T, rec *testutil.Recorder) string {
	t.Helper()
	select {
	case path := <-rec.Reloaded():
		return path
	case <-time.After(2 * time.Second):
		t.Fatal("reload was never issued")
		return ""
	}
}

func TestMachine_WriteBeforeReload(t *testing.T) {
	rec := testutil.NewRecorder()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMachine(testOrigin, rec, rec,
		WithSettleDelay(10*time.Millisecond),
		WithLoadingOverlay(true),
		WithClock(func() time.Time { return now }),
	)
	defer m.Close()

	assert.Equal(t, Idle, m.State())
	assert.Equal(t, Started, m.Begin(context.Background(), "abc123"))
	assert.Equal(t, InProgress, m.State())

	assert.Equal(t, "/", waitReload(t, rec))
	m.Wait()

	assert.Equal(t, []string{"set:abc123", "flush", "loading", "navigate:/"}, rec.Calls())
	require.Len(t, rec.Records(), 1)
	written := rec.Records()[0]
	assert.Equal(t, testOrigin, written.Origin)
	assert.Equal(t, now, written.SetAt)
	assert.Equal(t, "auth_token=abc123; Path=/; Max-Age=604800; Secure; SameSite=Lax", written.String())

	assert.Equal(t, Idle, m.State())
	assert.Equal(t, Stats{Started: 1, Completed: 1}, m.Stats())
}

func TestMachine_DropsActivationWhileInProgress(t *testing.T) {
	rec := testutil.NewRecorder()
	m := NewMachine(testOrigin, rec, rec, WithSettleDelay(200*time.Millisecond))
	defer m.Close()

	assert.Equal(t, Started, m.Begin(context.Background(), "a"))
	assert.Equal(t, Dropped, m.Begin(context.Background(), "b"))

	waitReload(t, rec)
	m.Wait()

	records := rec.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].Value)
	assert.Equal(t, 1, rec.Navigations())
	assert.Equal(t, uint64(1), m.Stats().Dropped)
}

func TestMachine_ConcurrentBeginStartsExactlyOnce(t *testing.T) {
	rec := testutil.NewRecorder()
	m := NewMachine(testOrigin, rec, rec, WithSettleDelay(200*time.Millisecond))
	defer m.Close()

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Begin(context.Background(), "tok") == Started {
				started.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), started.Load())
	waitReload(t, rec)
	m.Wait()
	assert.Len(t, rec.Records(), 1)
	assert.Equal(t, 1, rec.Navigations())
	assert.Equal(t, uint64(49), m.Stats().Dropped)
}

func TestMachine_AcceptsNewHandoffAfterCompletion(t *testing.T) {
	rec := testutil.NewRecorder()
	m := NewMachine(testOrigin, rec, rec, WithSettleDelay(time.Millisecond))
	defer m.Close()

	require.Equal(t, Started, m.Begin(context.Background(), "first"))
	waitReload(t, rec)
	m.Wait()
	require.Equal(t, Idle, m.State())

	require.Equal(t, Started, m.Begin(context.Background(), "second"))
	waitReload(t, rec)
	m.Wait()

	records := rec.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "first", records[0].Value)
	assert.Equal(t, "second", records[1].Value)
	assert.Equal(t, 2, rec.Navigations())
}

func TestMachine_EmptyTokenReloadsWithoutWrite(t *testing.T) {
	rec := testutil.NewRecorder()
	m := NewMachine(testOrigin, rec, rec, WithSettleDelay(time.Millisecond))
	defer m.Close()

	require.Equal(t, Started, m.Begin(context.Background(), ""))
	waitReload(t, rec)
	m.Wait()

	assert.Empty(t, rec.Records())
	assert.Equal(t, []string{"navigate:/"}, rec.Calls())
}

func TestMachine_WriteFailureStillReloads(t *testing.T) {
	rec := testutil.NewRecorder()
	rec.SetErr = errors.New("cookie store unavailable")
	m := NewMachine(testOrigin, rec, rec, WithSettleDelay(time.Millisecond))
	defer m.Close()

	require.Equal(t, Started, m.Begin(context.Background(), "abc"))
	waitReload(t, rec)
	m.Wait()

	assert.Equal(t, []string{"set:abc", "navigate:/"}, rec.Calls())
	assert.Equal(t, Idle, m.State())
}

func TestMachine_NavigatorFailureReturnsToIdle(t *testing.T) {
	rec := testutil.NewRecorder()
	rec.NavigateErr = errors.New("page closed")
	m := NewMachine(testOrigin, rec, rec, WithSettleDelay(time.Millisecond))
	defer m.Close()

	require.Equal(t, Started, m.Begin(context.Background(), "abc"))
	waitReload(t, rec)
	m.Wait()

	assert.Equal(t, Idle, m.State())
	assert.Equal(t, Started, m.Begin(context.Background(), "again"))
}

func TestMachine_CustomReloadPath(t *testing.T) {
	sink := new(testutil.MockCredentialSink)
	sink.On("SetCredential", mock.Anything, mock.MatchedBy(func(r cookie.Record) bool {
		return r.Value == "tok" && r.Name == cookie.AuthTokenCookie
	})).Return(nil).Once()
	sink.On("Flush", mock.Anything).Return(nil).Once()

	nav := new(testutil.MockNavigator)
	nav.On("NavigateTo", mock.Anything, "/home").Return(nil).Once()

	m := NewMachine(testOrigin, sink, nav, WithSettleDelay(0), WithReloadPath("/home"))
	defer m.Close()

	require.Equal(t, Started, m.Begin(context.Background(), "tok"))
	m.Wait()

	sink.AssertExpectations(t)
	nav.AssertExpectations(t)
	nav.AssertNotCalled(t, "ShowLoading", mock.Anything)
}

func TestMachine_CancelledCallerContextDoesNotAbortHandoff(t *testing.T) {
	rec := testutil.NewRecorder()
	m := NewMachine(testOrigin, rec, rec, WithSettleDelay(20*time.Millisecond))
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.Equal(t, Started, m.Begin(ctx, "abc"))
	cancel()

	waitReload(t, rec)
	m.Wait()
	assert.Len(t, rec.Records(), 1)
}

// blockingSink ignores its context and holds SetCredential until released
type blockingSink struct {
	release chan struct{}
	entered chan struct{}
	once    sync.Once
}

func newBlockingSink() *blockingSink {
	return &blockingSink{release: make(chan struct{}), entered: make(chan struct{})}
}

func (b *blockingSink) SetCredential(context.Context, cookie.Record) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return nil
}

func (b *blockingSink) Flush(context.Context) error { return nil }

func TestMachine_TimeoutRecoversStuckHandoff(t *testing.T) {
	sink := newBlockingSink()
	nav := new(testutil.MockNavigator)

	m := NewMachine(testOrigin, sink, nav, WithSettleDelay(0), WithTimeout(50*time.Millisecond))

	require.Equal(t, Started, m.Begin(context.Background(), "stuck"))
	<-sink.entered

	require.Eventually(t, func() bool { return m.State() == Idle }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), m.Stats().TimedOut)

	// The late sequence must not reload on behalf of the abandoned handoff
	close(sink.release)
	m.Wait()
	nav.AssertNotCalled(t, "NavigateTo", mock.Anything, mock.Anything)
	assert.Equal(t, uint64(0), m.Stats().Completed)
}

func TestMachine_StaleReleaseKeepsNewerHandoff(t *testing.T) {
	rec := testutil.NewRecorder()
	m := NewMachine(testOrigin, rec, rec, WithSettleDelay(time.Millisecond))

	require.Equal(t, Started, m.Begin(context.Background(), "first"))
	waitReload(t, rec)
	m.Wait()

	sink := newBlockingSink()
	m.sink = sink
	require.Equal(t, Started, m.Begin(context.Background(), "second"))
	<-sink.entered

	assert.False(t, m.release(1, "late watchdog"))
	assert.Equal(t, InProgress, m.State())

	m.Teardown()
	close(sink.release)
	m.Wait()
	assert.Equal(t, Idle, m.State())
}

func TestMachine_TeardownAbandonsPendingReload(t *testing.T) {
	rec := testutil.NewRecorder()
	m := NewMachine(testOrigin, rec, rec, WithSettleDelay(time.Hour))

	require.Equal(t, Started, m.Begin(context.Background(), "abc"))
	require.Eventually(t, func() bool {
		return len(rec.Calls()) == 2 // set + flush
	}, 2*time.Second, 5*time.Millisecond)

	m.Teardown()
	assert.Equal(t, Idle, m.State())
	m.Wait()

	assert.Zero(t, rec.Navigations())
	assert.Equal(t, uint64(1), m.Stats().TornDown)

	// A recreated page accepts the next handoff straight away
	m.settleDelay = time.Millisecond
	assert.Equal(t, Started, m.Begin(context.Background(), "next"))
	waitReload(t, rec)
	m.Close()
}

func TestMachine_SlowMirrorDoesNotHoldBackReload(t *testing.T) {
	rec := testutil.NewRecorder()
	mirror := newBlockingSink()
	m := NewMachine(testOrigin, rec, rec,
		WithSettleDelay(time.Millisecond),
		WithTimeout(200*time.Millisecond),
		WithMirror(mirror, 50*time.Millisecond),
	)

	require.Equal(t, Started, m.Begin(context.Background(), "abc123"))
	<-mirror.entered

	assert.Equal(t, "/", waitReload(t, rec))
	require.Eventually(t, func() bool { return m.State() == Idle }, time.Second, 5*time.Millisecond)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Zero(t, stats.TimedOut)
	assert.Equal(t, []string{"set:abc123", "flush", "navigate:/"}, rec.Calls())

	close(mirror.release)
	m.Close()
}

func TestMachine_MirrorReceivesAcknowledgedCredential(t *testing.T) {
	rec := testutil.NewRecorder()
	mirror := testutil.NewRecorder()
	m := NewMachine(testOrigin, rec, rec, WithSettleDelay(time.Millisecond), WithMirror(mirror, time.Second))

	require.Equal(t, Started, m.Begin(context.Background(), "abc123"))
	waitReload(t, rec)
	m.Wait()

	assert.Equal(t, []string{"set:abc123", "flush"}, mirror.Calls())
	assert.Equal(t, uint64(1), m.Stats().Mirrored)
}

func TestMachine_MirrorSkippedWhenBrowserWriteFails(t *testing.T) {
	rec := testutil.NewRecorder()
	rec.SetErr = errors.New("page closed")
	mirror := testutil.NewRecorder()
	m := NewMachine(testOrigin, rec, rec, WithSettleDelay(time.Millisecond), WithMirror(mirror, time.Second))

	require.Equal(t, Started, m.Begin(context.Background(), "abc123"))
	waitReload(t, rec)
	m.Wait()

	assert.Empty(t, mirror.Calls())
	assert.Zero(t, m.Stats().Mirrored)
}

func TestMachine_TeardownRacingBeginIsConsistent(t *testing.T) {
	for i := 0; i < 100; i++ {
		rec := testutil.NewRecorder()
		m := NewMachine(testOrigin, rec, rec, WithSettleDelay(time.Hour))

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			m.Begin(context.Background(), "abc")
		}()
		go func() {
			defer wg.Done()
			<-start
			m.Teardown()
		}()
		close(start)
		wg.Wait()

		// Either the teardown saw the handoff and ended it, or it ran first
		// and the handoff is still pending
		tornDown := m.Stats().TornDown == 1
		assert.Equal(t, tornDown, m.State() == Idle, "iteration %d", i)

		m.Teardown()
		assert.Equal(t, Idle, m.State())
		m.Wait()
	}
}

func TestStateAndOutcomeStrings(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "in_progress", InProgress.String())
	assert.Equal(t, "started", Started.String())
	assert.Equal(t, "dropped", Dropped.String())
}
