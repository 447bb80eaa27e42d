package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closableComponent struct {
	closed bool
	err    error
}

func (c *closableComponent) Close() error {
	c.closed = true
	return c.err
}

func TestHandleComponentLazyAllocation(t *testing.T) {
	h := newHandle()
	_, ok := h.Component("binlog.cache")
	assert.False(t, ok)

	h.SetComponent("binlog.cache", &closableComponent{})
	v, ok := h.Component("binlog.cache")
	require.True(t, ok)
	assert.IsType(t, &closableComponent{}, v)
}

func TestHandleCloseClosesComponentsAndIsIdempotent(t *testing.T) {
	h := newHandle()
	c := &closableComponent{}
	h.SetComponent("x", c)

	require.NoError(t, h.Close())
	assert.True(t, c.closed)

	// closing twice must not re-iterate (and not panic on an empty map).
	require.NoError(t, h.Close())
}

func TestHandleCloseReturnsFirstComponentError(t *testing.T) {
	h := newHandle()
	h.SetComponent("bad", &closableComponent{err: errors.New("spill write failed")})
	err := h.Close()
	assert.Error(t, err)
}

func TestHandleIsExpired(t *testing.T) {
	h := newHandle()
	assert.False(t, h.IsExpired(time.Hour))

	h.mu.Lock()
	h.lastActivity = time.Now().Add(-2 * time.Hour)
	h.mu.Unlock()
	assert.True(t, h.IsExpired(time.Hour))
}

func TestHandleKill(t *testing.T) {
	h := newHandle()
	assert.False(t, h.Killed())
	h.Kill()
	assert.True(t, h.Killed())
}
