package binlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxdb/binlog/server/engine"
	"github.com/nyxdb/binlog/server/session"
)

func newTestTwoPC(t *testing.T, maxLogSize int64) (*TwoPC, *Writer, *IndexManager, *engine.MockEngine) {
	t.Helper()
	dir := t.TempDir()
	cacheDir := t.TempDir()
	im, err := OpenIndexManager(filepath.Join(dir, "binlog.index"))
	require.NoError(t, err)
	w := NewWriter(dir, 1, maxLogSize, im)
	require.NoError(t, w.Start())

	eng := engine.NewMockEngine(false)
	reg := engine.NewRegistry()
	reg.Register("mock", eng)

	gate := NewXidGate()
	gc := NewGroupCommit(GroupCommitConfig{Enabled: true, MinBatch: 100, SyncPeriod: 1}, w.Fsync)
	cfg := TwoPCConfig{ServerID: 1, SpillDir: cacheDir, CacheSize: 4096, MaxCacheSize: 1 << 20}
	tp := NewTwoPC(cfg, w, im, NewPurgeEngine(im, NewReaderTracker(), dir), gc, reg, gate)
	return tp, w, im, eng
}

// TestTwoPCSingleSessionCommit exercises scenario S1: one session,
// begin/insert/commit, no XID (non-2PC-aware caller).
func TestTwoPCSingleSessionCommit(t *testing.T) {
	tp, w, _, _ := newTestTwoPC(t, 1<<20)
	sess := testHandle(t)

	cache := tp.cacheFor(sess)
	require.NoError(t, cache.AppendTyped(1, EventQuery, []byte("BEGIN")))
	require.NoError(t, cache.AppendTyped(1, EventQuery, []byte("INSERT")))

	require.NoError(t, tp.Commit(context.Background(), sess, true))
	assert.True(t, cache.IsEmpty(), "commit must reset the cache")
	assert.Greater(t, w.Size(), int64(0))
}

func TestTwoPCLogXIDThenUnlogDecrementsPrepared(t *testing.T) {
	tp, _, _, _ := newTestTwoPC(t, 1<<20)
	sess := testHandle(t)

	cache := tp.cacheFor(sess)
	require.NoError(t, cache.AppendTyped(1, EventQuery, []byte("BEGIN")))

	cookie, err := tp.LogXID(context.Background(), sess, 99)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tp.gate.PreparedCount())

	require.NoError(t, tp.Unlog(context.Background(), cookie))
	assert.Equal(t, int64(0), tp.gate.PreparedCount())
}

func TestTwoPCRollbackEmptyCacheIsNoOp(t *testing.T) {
	tp, w, _, _ := newTestTwoPC(t, 1<<20)
	sess := testHandle(t)
	sizeBefore := w.Size()

	require.NoError(t, tp.Rollback(context.Background(), sess, true))
	assert.Equal(t, sizeBefore, w.Size())
}

func TestTwoPCRollbackRealTransactionWithoutNonTransChangesResetsCache(t *testing.T) {
	tp, w, _, _ := newTestTwoPC(t, 1<<20)
	sess := testHandle(t)
	cache := tp.cacheFor(sess)
	require.NoError(t, cache.AppendTyped(1, EventQuery, []byte("BEGIN")))
	sizeBefore := w.Size()

	require.NoError(t, tp.Rollback(context.Background(), sess, true))
	assert.True(t, cache.IsEmpty())
	assert.Equal(t, sizeBefore, w.Size(), "a pure-rollback transaction never reaches the log")
}

func TestTwoPCRollbackWithNonTransChangesFlushesToLog(t *testing.T) {
	tp, w, _, _ := newTestTwoPC(t, 1<<20)
	sess := testHandle(t)
	cache := tp.cacheFor(sess)
	require.NoError(t, cache.AppendTyped(1, EventQuery, []byte("BEGIN")))
	cache.SetNonTransChanges()
	sizeBefore := w.Size()

	require.NoError(t, tp.Rollback(context.Background(), sess, true))
	assert.True(t, cache.IsEmpty())
	assert.Greater(t, w.Size(), sizeBefore, "non-transactional work must still reach the log on rollback")
}

func TestTwoPCSavepointRollbackTruncatesWithoutNonTransChanges(t *testing.T) {
	tp, _, _, _ := newTestTwoPC(t, 1<<20)
	sess := testHandle(t)
	cache := tp.cacheFor(sess)
	require.NoError(t, cache.AppendTyped(1, EventQuery, []byte("BEGIN")))

	sp, err := tp.SavepointSet(sess, "sp1")
	require.NoError(t, err)
	require.NoError(t, cache.AppendTyped(1, EventQuery, []byte("INSERT")))

	require.NoError(t, tp.SavepointRollback(sess, sp))
	assert.Equal(t, sp.pos, cache.Position())
}

func TestTwoPCSavepointRollbackKeepsLogWhenNonTransChanges(t *testing.T) {
	tp, _, _, _ := newTestTwoPC(t, 1<<20)
	sess := testHandle(t)
	cache := tp.cacheFor(sess)
	require.NoError(t, cache.AppendTyped(1, EventQuery, []byte("BEGIN")))

	sp, err := tp.SavepointSet(sess, "sp1")
	require.NoError(t, err)
	cache.SetNonTransChanges()
	posBefore := cache.Position()

	require.NoError(t, tp.SavepointRollback(sess, sp))
	assert.Greater(t, cache.Position(), posBefore, "keep_log / non-trans changes append a ROLLBACK TO record instead of truncating")
}

func testHandle(t *testing.T) *session.Handle {
	t.Helper()
	mgr := session.NewManager(0, 0)
	t.Cleanup(mgr.Shutdown)
	h, err := mgr.Create()
	require.NoError(t, err)
	return h
}
