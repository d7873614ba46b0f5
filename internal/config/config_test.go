package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadServerMergesOverBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"num_read_workers": 16}`), 0o644))

	cfg, err := LoadServer(path, DefaultServer())
	require.NoError(t, err)
	require.Equal(t, 16, cfg.NumReadWorkers)
	require.Equal(t, DefaultServer().NumWriteWorkers, cfg.NumWriteWorkers)
}

func TestLoadServerRejectsInvalidSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"num_read_workers": "not-a-number"}`), 0o644))

	_, err := LoadServer(path, DefaultServer())
	require.Error(t, err)
}

func TestLoadServerNoPathReturnsBase(t *testing.T) {
	cfg, err := LoadServer("", DefaultServer())
	require.NoError(t, err)
	require.Equal(t, DefaultServer(), cfg)
}

func TestLoadDaemonMergesOverBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"flush_interval": "10s"}`), 0o644))

	cfg, err := LoadDaemon(path, DefaultDaemon())
	require.NoError(t, err)
	require.Equal(t, "10s", cfg.FlushInterval)
}
