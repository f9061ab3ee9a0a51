package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	cfg := testConfig(t)
	d, _ := createTestDaemon(t, cfg)

	lm := NewLifecycleManager(d)
	assert.Equal(t, d, lm.daemon)
	assert.Equal(t, filepath.Join(cfg.DataDir, "curie.pid"), lm.PIDFile())
}

func TestLifecycleManagerStartStop(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())

	pid, err := ReadPID(lm.PIDFile())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	running, ok := IsRunning(d.config.DataDir)
	assert.True(t, ok)
	assert.Equal(t, os.Getpid(), running)

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.PIDFile())
	assert.True(t, os.IsNotExist(err))

	t.Run("should tolerate a missing PID file", func(t *testing.T) {
		assert.NoError(t, lm.Stop())
	})
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	t.Run("should parse a trailing newline", func(t *testing.T) {
		path := filepath.Join(dir, "ok.pid")
		require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(4242)+"\n"), 0644))

		pid, err := ReadPID(path)
		require.NoError(t, err)
		assert.Equal(t, 4242, pid)
	})

	t.Run("should reject garbage", func(t *testing.T) {
		path := filepath.Join(dir, "bad.pid")
		require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0644))

		_, err := ReadPID(path)
		assert.Error(t, err)
	})

	t.Run("should report a missing file", func(t *testing.T) {
		_, ok := IsRunning(filepath.Join(dir, "missing"))
		assert.False(t, ok)
	})
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))
}
