package instance

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "instance.json")
	f := File{
		Addr:      "127.0.0.1:41000",
		Secret:    "secret-value",
		PID:       4242,
		StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	require.NoError(t, Write(path, f))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, f, *got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file is cleaned up")
}

func TestRead_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Read(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrNotRunning)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0600))
	_, err = Read(bad)
	assert.ErrorContains(t, err, "parsing instance file")

	partial := filepath.Join(dir, "partial.json")
	require.NoError(t, os.WriteFile(partial, []byte(`{"addr": "127.0.0.1:1"}`), 0600))
	_, err = Read(partial)
	assert.ErrorContains(t, err, "incomplete")
}

func TestRemove_OnlyOwnFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.json")
	require.NoError(t, Write(path, File{Addr: "127.0.0.1:1", Secret: "x", PID: 100}))

	require.NoError(t, Remove(path, 200))
	_, err := os.Stat(path)
	assert.NoError(t, err, "file of another process stays")

	require.NoError(t, Remove(path, 100))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, Remove(path, 100), "removing twice is fine")
}

func TestForward(t *testing.T) {
	var gotAuth, gotURI string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotURI = body["uri"]

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"accepted","claimed":true}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "instance.json")
	require.NoError(t, Write(path, File{
		Addr:   strings.TrimPrefix(srv.URL, "http://"),
		Secret: "secret-value",
		PID:    1,
	}))

	claimed, err := Forward(context.Background(), path, "taiwanfood://auth?token=abc123")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "Bearer secret-value", gotAuth)
	assert.Equal(t, "taiwanfood://auth?token=abc123", gotURI)
}

func TestForward_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "instance.json")
	require.NoError(t, Write(path, File{Addr: strings.TrimPrefix(srv.URL, "http://"), Secret: "wrong", PID: 1}))

	_, err := Forward(context.Background(), path, "taiwanfood://auth?token=abc123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "unauthorized")
	assert.NotContains(t, err.Error(), "abc123")
}

func TestForward_NotRunning(t *testing.T) {
	dir := t.TempDir()

	_, err := Forward(context.Background(), filepath.Join(dir, "missing.json"), "taiwanfood://auth?token=x")
	assert.ErrorIs(t, err, ErrNotRunning)

	// Stale file: the recorded port has nothing listening
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	path := filepath.Join(dir, "instance.json")
	require.NoError(t, Write(path, File{Addr: addr, Secret: "s", PID: 1}))

	_, err = Forward(context.Background(), path, "taiwanfood://auth?token=x")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	path, err := DefaultPath("webview-handoff")
	require.NoError(t, err)
	assert.Equal(t, "instance.json", filepath.Base(path))
	assert.Equal(t, "webview-handoff", filepath.Base(filepath.Dir(path)))
}
