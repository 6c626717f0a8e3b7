// Package instance lets a second invocation find the running host and hand
// it an activation URI instead of starting another browser.
package instance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgellow/webview-handoff/internal/ioutil"
	"github.com/dgellow/webview-handoff/internal/log"
)

// ErrNotRunning means no live host answered at the recorded address
var ErrNotRunning = errors.New("no running instance")

// ForwardTimeout bounds a single forward attempt
const ForwardTimeout = 3 * time.Second

// File is what the running host publishes about itself
type File struct {
	Addr      string    `json:"addr"`
	Secret    string    `json:"secret"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// DefaultPath returns the instance file location under the user cache dir
func DefaultPath(appName string) (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locating user cache dir: %w", err)
	}
	return filepath.Join(dir, appName, "instance.json"), nil
}

// Write publishes f at path, readable only by the current user. The file
// is replaced atomically so readers never see a partial write.
func Write(path string, f File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating instance dir: %w", err)
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding instance file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".instance-*.json")
	if err != nil {
		return fmt.Errorf("creating instance file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("securing instance file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing instance file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing instance file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publishing instance file: %w", err)
	}
	return nil
}

// Read loads the instance file. A missing file yields ErrNotRunning.
func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotRunning
	}
	if err != nil {
		return nil, fmt.Errorf("reading instance file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing instance file: %w", err)
	}
	if f.Addr == "" || f.Secret == "" {
		return nil, fmt.Errorf("instance file %s is incomplete", path)
	}
	return &f, nil
}

// Remove deletes the instance file if it still belongs to pid
func Remove(path string, pid int) error {
	f, err := Read(path)
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	if err == nil && f.PID != pid {
		log.LogDebugWithFields("instance", "Instance file belongs to another process, leaving it", map[string]any{
			"pid":   pid,
			"owner": f.PID,
		})
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing instance file: %w", err)
	}
	return nil
}

type forwardResponse struct {
	Claimed bool `json:"claimed"`
}

// Forward hands uri to the host recorded at path. It returns whether a
// listener in the host claimed the activation, or ErrNotRunning when no
// host answers.
func Forward(ctx context.Context, path, uri string) (bool, error) {
	f, err := Read(path)
	if err != nil {
		return false, err
	}

	body, err := json.Marshal(map[string]string{"uri": uri})
	if err != nil {
		return false, fmt.Errorf("encoding activation: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, ForwardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+f.Addr+"/activate", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("building forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.Secret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			log.LogDebugWithFields("instance", "Stale instance file, nothing listening", map[string]any{
				"addr": f.Addr,
				"pid":  f.PID,
			})
			return false, ErrNotRunning
		}
		return false, fmt.Errorf("forwarding activation to %s: %w", f.Addr, err)
	}
	defer ioutil.DrainAndClose(resp.Body, 4<<10)

	if resp.StatusCode != http.StatusAccepted {
		return false, fmt.Errorf("host at %s rejected activation: %s: %s", f.Addr, resp.Status, ioutil.ReadLimited(resp.Body, 512))
	}

	var out forwardResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decoding forward response: %w", err)
	}

	log.LogInfoWithFields("instance", "Activation forwarded to running host", map[string]any{
		"addr":    f.Addr,
		"pid":     f.PID,
		"claimed": out.Claimed,
	})
	return out.Claimed, nil
}
