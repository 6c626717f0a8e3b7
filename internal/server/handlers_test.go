package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgellow/webview-handoff/internal/handoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret-instance-value"

type mockActivator struct {
	mock.Mock
}

func (m *mockActivator) OnResume(ctx context.Context, rawURI string) (bool, error) {
	args := m.Called(ctx, rawURI)
	return args.Bool(0), args.Error(1)
}

type fixedStatus struct {
	state handoff.State
	stats handoff.Stats
}

func (f fixedStatus) State() handoff.State { return f.state }
func (f fixedStatus) Stats() handoff.Stats { return f.stats }

func newLoopbackRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:51234"
	return req
}

func TestActivate(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		auth       string
		remoteAddr string
		setup      func(a *mockActivator)
		wantStatus int
		wantBody   string
	}{
		{
			name:   "forwards the uri",
			method: http.MethodPost,
			body:   `{"uri": "taiwanfood://auth?token=abc123"}`,
			auth:   "Bearer " + testSecret,
			setup: func(a *mockActivator) {
				a.On("OnResume", mock.Anything, "taiwanfood://auth?token=abc123").Return(true, nil).Once()
			},
			wantStatus: http.StatusAccepted,
			wantBody:   `{"status":"accepted","claimed":true}`,
		},
		{
			name:   "unclaimed uri is still accepted",
			method: http.MethodPost,
			body:   `{"uri": "taiwanfood://other?x=1"}`,
			auth:   "Bearer " + testSecret,
			setup: func(a *mockActivator) {
				a.On("OnResume", mock.Anything, "taiwanfood://other?x=1").Return(false, nil).Once()
			},
			wantStatus: http.StatusAccepted,
			wantBody:   `{"status":"accepted","claimed":false}`,
		},
		{
			name:   "unparseable uri",
			method: http.MethodPost,
			body:   `{"uri": "no-scheme"}`,
			auth:   "Bearer " + testSecret,
			setup: func(a *mockActivator) {
				a.On("OnResume", mock.Anything, "no-scheme").Return(false, errors.New("activation uri has no scheme")).Once()
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing secret",
			method:     http.MethodPost,
			body:       `{"uri": "taiwanfood://auth?token=abc123"}`,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong secret",
			method:     http.MethodPost,
			body:       `{"uri": "taiwanfood://auth?token=abc123"}`,
			auth:       "Bearer nope",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "non-loopback peer",
			method:     http.MethodPost,
			body:       `{"uri": "taiwanfood://auth?token=abc123"}`,
			auth:       "Bearer " + testSecret,
			remoteAddr: "192.0.2.10:40000",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "wrong method",
			method:     http.MethodGet,
			auth:       "Bearer " + testSecret,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "empty uri",
			method:     http.MethodPost,
			body:       `{"uri": ""}`,
			auth:       "Bearer " + testSecret,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			method:     http.MethodPost,
			body:       `taiwanfood://auth?token=abc123`,
			auth:       "Bearer " + testSecret,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			activator := new(mockActivator)
			if tt.setup != nil {
				tt.setup(activator)
			}
			handler := NewHandler(activator, fixedStatus{}, testSecret)

			req := newLoopbackRequest(tt.method, "/activate", tt.body)
			if tt.remoteAddr != "" {
				req.RemoteAddr = tt.remoteAddr
			}
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, w.Body.String())
			}
			assert.NotContains(t, w.Body.String(), "abc123")
			activator.AssertExpectations(t)
		})
	}
}

func TestHealth(t *testing.T) {
	status := fixedStatus{
		state: handoff.InProgress,
		stats: handoff.Stats{Started: 3, Dropped: 1, Completed: 2},
	}
	handler := NewHandler(new(mockActivator), status, testSecret)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newLoopbackRequest(http.MethodGet, "/health", ""))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "in_progress", resp.Handoff)
	assert.Equal(t, uint64(3), resp.Stats.Started)
	assert.Equal(t, uint64(1), resp.Stats.Dropped)
}

func TestHealth_NoSecretNeeded(t *testing.T) {
	handler := NewHandler(new(mockActivator), fixedStatus{}, testSecret)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newLoopbackRequest(http.MethodGet, "/health", ""))
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUnknownRoute(t *testing.T) {
	handler := NewHandler(new(mockActivator), fixedStatus{}, testSecret)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newLoopbackRequest(http.MethodGet, "/admin", ""))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestRecoverMiddleware(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	handler := ChainMiddleware(panicking, NewRecoverMiddleware("test"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newLoopbackRequest(http.MethodGet, "/", ""))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestBearerAuthMiddleware_EmptySecretRejectsAll(t *testing.T) {
	handler := ChainMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), NewBearerAuthMiddleware(""))

	req := newLoopbackRequest(http.MethodPost, "/", "")
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
