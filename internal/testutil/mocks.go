package testutil

import (
	"context"
	"sync"

	"github.com/dgellow/webview-handoff/internal/cookie"
	"github.com/stretchr/testify/mock"
)

// MockCredentialSink is a mock implementation of handoff.CredentialSink
type MockCredentialSink struct {
	mock.Mock
}

func (m *MockCredentialSink) SetCredential(ctx context.Context, rec cookie.Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockCredentialSink) Flush(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockNavigator is a mock implementation of handoff.Navigator
type MockNavigator struct {
	mock.Mock
}

func (m *MockNavigator) NavigateTo(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

func (m *MockNavigator) ShowLoading(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockCredentialStore is a mock implementation of storage.CredentialStore
type MockCredentialStore struct {
	MockCredentialSink
}

func (m *MockCredentialStore) GetCredential(ctx context.Context, origin, name string) (*cookie.Record, error) {
	args := m.Called(ctx, origin, name)
	if rec := args.Get(0); rec != nil {
		return rec.(*cookie.Record), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCredentialStore) ListCredentials(ctx context.Context, origin string) ([]cookie.Record, error) {
	args := m.Called(ctx, origin)
	if recs := args.Get(0); recs != nil {
		return recs.([]cookie.Record), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCredentialStore) CleanupExpired(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockCredentialStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockEncryptor is a mock implementation of crypto.Encryptor
type MockEncryptor struct {
	mock.Mock
}

func (m *MockEncryptor) Encrypt(plaintext string) (string, error) {
	args := m.Called(plaintext)
	return args.String(0), args.Error(1)
}

func (m *MockEncryptor) Decrypt(ciphertext string) (string, error) {
	args := m.Called(ciphertext)
	return args.String(0), args.Error(1)
}

// Recorder is a fake sink and navigator that logs every call in order.
// Tests use it to assert write-before-reload ordering across goroutines.
type Recorder struct {
	mu       sync.Mutex
	calls    []string
	records  []cookie.Record
	paths    []string
	reloaded chan string

	SetErr      error
	FlushErr    error
	NavigateErr error
}

// NewRecorder creates a recorder whose Reloaded channel buffers up to 16 reloads
func NewRecorder() *Recorder {
	return &Recorder{reloaded: make(chan string, 16)}
}

func (r *Recorder) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *Recorder) SetCredential(_ context.Context, rec cookie.Record) error {
	r.mu.Lock()
	r.calls = append(r.calls, "set:"+rec.Value)
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return r.SetErr
}

func (r *Recorder) Flush(_ context.Context) error {
	r.record("flush")
	return r.FlushErr
}

func (r *Recorder) ShowLoading(_ context.Context) error {
	r.record("loading")
	return nil
}

func (r *Recorder) NavigateTo(_ context.Context, path string) error {
	r.mu.Lock()
	r.calls = append(r.calls, "navigate:"+path)
	r.paths = append(r.paths, path)
	r.mu.Unlock()
	r.reloaded <- path
	return r.NavigateErr
}

// Reloaded receives the path of every issued reload
func (r *Recorder) Reloaded() <-chan string {
	return r.reloaded
}

// Calls returns a copy of the call log
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Records returns a copy of every credential written
func (r *Recorder) Records() []cookie.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cookie.Record(nil), r.records...)
}

// Navigations returns how many reloads were issued
func (r *Recorder) Navigations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}
