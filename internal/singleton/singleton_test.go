package singleton

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireFreshLockfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.lock")
	g, err := Acquire(path, zerolog.Nop())
	require.NoError(t, err)
	defer g.Release()

	pid, _, _, ok, err := Status(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireEvictsStalePid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.lock")

	// A pid essentially guaranteed not to be alive.
	stale := lockPayload{PID: 1 << 30, InstanceID: "stale", Timestamp: time.Now()}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	g, err := Acquire(path, zerolog.Nop())
	require.NoError(t, err)
	defer g.Release()

	_, instanceID, _, ok, err := Status(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, "stale", instanceID)
}

func TestReleaseOnlyRemovesOwnLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.lock")
	g, err := Acquire(path, zerolog.Nop())
	require.NoError(t, err)

	// Simulate a successor having already taken over.
	successor := lockPayload{PID: os.Getpid(), InstanceID: "someone-else", Timestamp: time.Now()}
	data, err := json.Marshal(successor)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	g.Release()

	_, instanceID, _, ok, err := Status(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "someone-else", instanceID)
}
