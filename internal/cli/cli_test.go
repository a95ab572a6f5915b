package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionFileRoundTrip(t *testing.T) {
	f := SessionFile{Path: filepath.Join(t.TempDir(), "nested", "session")}

	tok, err := f.Load()
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, f.Save("abc123"))
	info, err := os.Stat(f.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	tok, err = f.Load()
	require.NoError(t, err)
	assert.Equal(t, "abc123", tok)

	require.NoError(t, f.Clear())
	require.NoError(t, f.Clear())
	tok, err = f.Load()
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestSessionFileDisabled(t *testing.T) {
	var f SessionFile
	require.NoError(t, f.Save("x"))
	tok, err := f.Load()
	require.NoError(t, err)
	assert.Empty(t, tok)
	assert.NoError(t, f.Clear())
}

func TestSetupLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("warn", &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "component=cli")
}

func TestLoadAndValidateConfig(t *testing.T) {
	logger := SetupLogger("error", &bytes.Buffer{})

	t.Setenv("DATA_BACKEND", "memory")
	cfg, err := LoadAndValidateConfig(logger)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.DataBackend)

	t.Setenv("DATA_BACKEND", "postgres")
	_, err = LoadAndValidateConfig(logger)
	assert.Error(t, err)
}
