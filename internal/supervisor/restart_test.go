package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRestarter(t *testing.T) {
	log, _ := testLogger()
	code := -1
	r, err := NewRestarter("", nil, 0, func(c int) { code = c }, log)
	require.NoError(t, err)
	require.NoError(t, r.RequestRestart(context.Background(), "crash"))
	assert.Equal(t, 1, code)

	r, err = NewRestarter(RestartRelaunch, nil, 0, nil, log)
	require.NoError(t, err)
	assert.IsType(t, RelaunchRestarter{}, r)

	_, err = NewRestarter(RestartCommand, nil, 0, nil, log)
	assert.Error(t, err)
	_, err = NewRestarter("reboot", nil, 0, nil, log)
	assert.Error(t, err)
}

func TestCommandRestarterRunsCommandAndWaits(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "restarted")
	log, _ := testLogger()
	r, err := NewRestarter(RestartCommand, []string{"/bin/sh", "-c", "touch " + marker}, 30*time.Millisecond, nil, log)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, r.RequestRestart(context.Background(), "build 7"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	_, err = os.Stat(marker)
	assert.NoError(t, err)

	failing := CommandRestarter{Command: []string{"/bin/false"}, Logger: log}
	assert.Error(t, failing.RequestRestart(context.Background(), "x"))
}

func TestStageFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o750))

	require.NoError(t, stageFile(src, dst))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	assert.Error(t, stageFile(filepath.Join(dir, "missing"), dst))
	assert.Error(t, stageFile(dir, dst), "directories are not staged")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}
