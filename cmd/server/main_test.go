package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReportsStartupFailures(t *testing.T) {
	t.Setenv("HEALTHSCAN_PORT", "")
	assert.Equal(t, 2, run([]string{"-no-such-flag"}))

	dir := t.TempDir()
	noPort := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(noPort, []byte(`{"database": {"path": "`+filepath.Join(dir, "h.db")+`"}}`), 0o600))
	assert.Equal(t, 1, run([]string{"-config", noPort}))

	badCache := filepath.Join(dir, "bad-cache.json")
	require.NoError(t, os.WriteFile(badCache, []byte(`{"server": {"port": "0"}, "log": {"mode": "test"}, "cache": {"type": "tape"}}`), 0o600))
	assert.Equal(t, 1, run([]string{"-config", badCache}))
}
