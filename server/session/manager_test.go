package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerCreateEnforcesCapacity(t *testing.T) {
	m := NewManager(1, time.Minute)
	defer m.Shutdown()

	_, err := m.Create()
	require.NoError(t, err)

	_, err = m.Create()
	assert.Error(t, err)
}

func TestManagerGetAndClose(t *testing.T) {
	m := NewManager(0, time.Minute)
	defer m.Shutdown()

	h, err := m.Create()
	require.NoError(t, err)

	got, ok := m.Get(h.ID())
	require.True(t, ok)
	assert.Same(t, h, got)

	require.NoError(t, m.Close(h.ID()))
	_, ok = m.Get(h.ID())
	assert.False(t, ok)

	assert.Error(t, m.Close(h.ID()))
}

func TestManagerCleanupExpiredRemovesIdleSessions(t *testing.T) {
	m := NewManager(0, time.Millisecond)
	defer m.Shutdown()

	h, err := m.Create()
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	m.CleanupExpired()
	_, ok := m.Get(h.ID())
	assert.False(t, ok)
}

func TestManagerActiveSnapshot(t *testing.T) {
	m := NewManager(0, time.Minute)
	defer m.Shutdown()

	_, err := m.Create()
	require.NoError(t, err)
	_, err = m.Create()
	require.NoError(t, err)

	assert.Len(t, m.Active(), 2)
}
