package integration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLIConfigInitGeneratesValidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "generated-config.json")

	output, err := runCLI(t, nil, "-config-init", configPath)
	require.NoError(t, err, "config-init should succeed")
	assert.Contains(t, output, "Generated default config at:")

	fi, err := os.Stat(configPath)
	require.NoError(t, err, "config file should exist")
	require.Greater(t, fi.Size(), int64(0), "config file should not be empty")

	output, err = runCLI(t, nil, "-config", configPath, "-validate")
	require.NoError(t, err, "validate should succeed for config-init generated file")
	assert.Contains(t, output, "Result: PASS")
}

func TestCLIValidateReportsErrors(t *testing.T) {
	configPath := writeConfig(t, map[string]any{
		"handoff": map[string]any{"timeout": "soon", "emptyToken": "retry"},
		"storage": map[string]any{"encryptionKey": "plain-text-key"},
	})

	output, err := runCLI(t, nil, "-config", configPath, "-validate")
	require.Error(t, err)
	assert.Contains(t, output, "handoff.timeout")
	assert.Contains(t, output, "handoff.emptyToken")
	assert.Contains(t, output, "storage.encryptionKey")
	assert.Contains(t, output, "Result: FAIL")
}

func TestCLIVersion(t *testing.T) {
	output, err := runCLI(t, nil, "-version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", output)
}

func TestCLIRejectsInvalidConfig(t *testing.T) {
	configPath := writeConfig(t, map[string]any{
		"forward": map[string]any{"addr": "0.0.0.0:0"},
	})

	output, err := runCLI(t, nil, "-config", configPath, "-open", "taiwanfood://auth?token=abc123")
	require.Error(t, err)
	assert.Contains(t, output, "loopback")
	assert.NotContains(t, output, "abc123")
}
