package xidlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxdb/binlog/server/engine"
)

func TestLogCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xid.log")

	l, err := Create(path, 1, 2, 4)
	require.NoError(t, err)

	cookie, err := l.LogXID(42)
	require.NoError(t, err)
	assert.Equal(t, 1, l.InUsePages())
	require.NoError(t, l.Close())

	reopened, err := Open(path, 1, 2, 4)
	require.NoError(t, err)
	defer reopened.Close()

	eng := engine.NewMockEngine(false)
	eng.Prepare(42)
	reg := engine.NewRegistry()
	reg.Register("mock", eng)
	require.NoError(t, reopened.Recover(context.Background(), reg))
	assert.Equal(t, "committed", eng.Resolution(42))

	require.NoError(t, reopened.Unlog(cookie))
}

func TestLogOpenRejectsWrongEngineCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xid.log")
	l, err := Create(path, 1, 2, 4)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = Open(path, 2, 2, 4)
	assert.Error(t, err)
}

func TestLogUnlogReturnsSlotToPoolOnceFullyDrained(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xid.log")
	// two pages of two slots: fill page 0 so it retires to DIRTY and
	// page 1 becomes active, then confirm page 0 stays out of the pool
	// until every one of its cookies has been unlogged.
	l, err := Create(path, 1, 2, 2)
	require.NoError(t, err)
	defer l.Close()

	c1, err := l.LogXID(1) // page 0, slot 0
	require.NoError(t, err)
	c2, err := l.LogXID(2) // page 0, slot 1 -- fills it, retires to DIRTY, page 1 activates
	require.NoError(t, err)
	assert.Equal(t, 2, l.InUsePages(), "page 0 (dirty) and page 1 (active) are both in use")

	require.NoError(t, l.Unlog(c1))
	assert.Equal(t, 2, l.InUsePages(), "page 0 must stay out of the pool while c2 is still outstanding")

	require.NoError(t, l.Unlog(c2))
	assert.Equal(t, 1, l.InUsePages(), "page 0 returns to the pool only once fully drained, leaving only page 1 active")
}

// TestLogSlotChecksumDetectsTornWrite confirms a slot whose xid bytes
// were written but whose checksum trailer was not (or no longer
// matches) is treated as empty rather than replayed.
func TestLogSlotChecksumDetectsTornWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xid.log")
	l, err := Create(path, 1, 1, 4)
	require.NoError(t, err)

	cookie, err := l.LogXID(55)
	require.NoError(t, err)

	// corrupt the checksum trailer in place, simulating a write torn
	// by a crash between the xid half and the checksum half of a slot.
	rel := cookie - headerLen
	l.pages[0].data[rel+xidLen] ^= 0xFF
	require.NoError(t, l.Close())

	reopened, err := Open(path, 1, 1, 4)
	require.NoError(t, err)
	defer reopened.Close()

	eng := engine.NewMockEngine(false)
	eng.Prepare(55)
	reg := engine.NewRegistry()
	reg.Register("mock", eng)
	require.NoError(t, reopened.Recover(context.Background(), reg))
	assert.Equal(t, "rolled_back", eng.Resolution(55), "a torn slot must not be handed to the engine as a live xid, so a prior prepare resolves as not-found")
}

func TestLogRecoverSeesXidsWrittenBeforeCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xid.log")
	l, err := Create(path, 1, 2, 4)
	require.NoError(t, err)
	_, err = l.LogXID(100)
	require.NoError(t, err)
	require.NoError(t, l.Close()) // no explicit Unlog: simulates a crash mid-2PC

	reopened, err := Open(path, 1, 2, 4)
	require.NoError(t, err)
	defer reopened.Close()

	eng := engine.NewMockEngine(false)
	eng.Prepare(100)
	reg := engine.NewRegistry()
	reg.Register("mock", eng)
	require.NoError(t, reopened.Recover(context.Background(), reg))
	assert.Equal(t, "committed", eng.Resolution(100))
}
