package integration

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeConfig writes cfg as a config file and returns its path
func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	if _, ok := cfg["version"]; !ok {
		cfg["version"] = "v0.0.1-DEV_EDITION"
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

// runCLI runs the binary to completion and returns its combined output
func runCLI(t *testing.T, env []string, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Env = append(os.Environ(), env...)
	output, err := cmd.CombinedOutput()
	t.Logf("handoff %v output:\n%s", args, output)
	return string(output), err
}

// waitForFile waits until path exists
func waitForFile(t *testing.T, path string, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, timeout, 50*time.Millisecond, "%s never appeared", path)
}
