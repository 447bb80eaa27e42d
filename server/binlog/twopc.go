package binlog

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/nyxdb/binlog/logger"
	"github.com/nyxdb/binlog/server/engine"
	"github.com/nyxdb/binlog/server/session"
)

// cacheComponentID is the key the per-session component map (spec §9)
// stores this package's transaction cache under.
const cacheComponentID = "binlog.cache"

// XidGate coordinates rotation with in-flight 2PC log_xid/unlog calls
// (spec §4.C/§4.G/§5): new XIDs block while a rotation is in
// progress, and a rotation blocks until every previously-admitted XID
// has been unlogged.
type XidGate struct {
	mu           sync.Mutex
	cond         *sync.Cond
	stopNewXids  bool
	preparedXids int64
}

// NewXidGate returns an open gate with zero prepared XIDs.
func NewXidGate() *XidGate {
	g := &XidGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// WaitForOpen blocks while a rotation holds the gate closed (spec §5
// suspension point: new XIDs blocked during rotation).
func (g *XidGate) WaitForOpen() {
	g.mu.Lock()
	for g.stopNewXids {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// IncrementPrepared bumps the prepared-XID counter, called once the
// XID event's log append has succeeded (spec §4.G).
func (g *XidGate) IncrementPrepared() {
	g.mu.Lock()
	g.preparedXids++
	g.mu.Unlock()
}

// DecrementPrepared drops the counter and, if it reaches zero,
// broadcasts so a rotation waiting on it can proceed (spec §4.G).
func (g *XidGate) DecrementPrepared() {
	g.mu.Lock()
	g.preparedXids--
	if g.preparedXids <= 0 {
		g.preparedXids = 0
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// PreparedCount returns the current prepared-XID count.
func (g *XidGate) PreparedCount() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.preparedXids
}

// BeginRotation closes the gate to new XIDs and waits for every
// already-admitted XID to drain (spec §4.C: "rotation itself waits
// for prepared_xids == 0 before proceeding, suspension point iv").
func (g *XidGate) BeginRotation() {
	g.mu.Lock()
	g.stopNewXids = true
	for g.preparedXids > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// EndRotation reopens the gate.
func (g *XidGate) EndRotation() {
	g.mu.Lock()
	g.stopNewXids = false
	g.cond.Broadcast()
	g.mu.Unlock()
}

// TwoPCConfig mirrors the cache/rotation-relevant subset of spec §6's
// configuration options.
type TwoPCConfig struct {
	ServerID        uint32
	SpillDir        string
	CacheSize       int64
	MaxCacheSize    int64
	KeepLog         bool
	ExpireDays      int
}

// TwoPC implements spec §4.G, wiring the per-session cache, the log
// writer, the group-commit coordinator, the index/purge pair, and the
// engine-coordinator registry into the interface exposed to engines.
type TwoPC struct {
	cfg TwoPCConfig

	writer      *Writer
	index       *IndexManager
	purge       *PurgeEngine
	groupCommit *GroupCommit
	engines     *engine.Registry
	gate        *XidGate
}

// NewTwoPC constructs the 2PC log interface over already-wired
// collaborators.
func NewTwoPC(cfg TwoPCConfig, writer *Writer, index *IndexManager, purge *PurgeEngine, gc *GroupCommit, engines *engine.Registry, gate *XidGate) *TwoPC {
	return &TwoPC{cfg: cfg, writer: writer, index: index, purge: purge, groupCommit: gc, engines: engines, gate: gate}
}

func (t *TwoPC) cacheFor(sess *session.Handle) *Cache {
	if v, ok := sess.Component(cacheComponentID); ok {
		return v.(*Cache)
	}
	spillPath := filepath.Join(t.cfg.SpillDir, sess.ID()+".cache")
	c := NewCache(spillPath, t.cfg.CacheSize, t.cfg.MaxCacheSize)
	sess.SetComponent(cacheComponentID, c)
	return c
}

// Prepare is a no-op beyond signaling two-phase capability; the real
// work is deferred to LogXID (spec §4.G).
func (t *TwoPC) Prepare(_ context.Context, sess *session.Handle, _ bool) error {
	sess.UpdateActivity()
	return nil
}

// Commit appends a COMMIT query record (if the cache has anything to
// flush) and drives it through end_trans (spec §4.G).
func (t *TwoPC) Commit(ctx context.Context, sess *session.Handle, _ bool) error {
	cache := t.cacheFor(sess)
	if cache.IsEmpty() {
		cache.Reset()
		return nil
	}
	if err := cache.AppendTyped(t.cfg.ServerID, EventQuery, []byte("COMMIT")); err != nil {
		return err
	}
	_, err := t.endTrans(ctx, sess, cache)
	return err
}

// Rollback implements spec §4.G's branch on whether non-transactional
// changes occurred: if not, truncate (statement) or reset
// (transaction); if so, the partial work must still reach the log.
// Per §9 open question 1, incident is read from the sticky flag
// rather than re-derived, and always yields an INCIDENT record when
// set, regardless of which branch is taken.
func (t *TwoPC) Rollback(ctx context.Context, sess *session.Handle, isRealTxn bool) error {
	cache := t.cacheFor(sess)
	if cache.IsEmpty() {
		cache.Reset()
		return nil
	}

	if !cache.HasNonTransChanges() {
		if cache.Incident() {
			if err := cache.AppendTyped(t.cfg.ServerID, EventIncident, nil); err != nil {
				return err
			}
			_, err := t.endTrans(ctx, sess, cache)
			return err
		}
		if isRealTxn {
			cache.Reset()
			return nil
		}
		if bsp := cache.BeforeStmtPos(); bsp != UndefinedPos {
			cache.Truncate(bsp)
		}
		return nil
	}

	if err := cache.AppendTyped(t.cfg.ServerID, EventQuery, []byte("ROLLBACK")); err != nil {
		return err
	}
	if cache.Incident() {
		if err := cache.AppendTyped(t.cfg.ServerID, EventIncident, nil); err != nil {
			return err
		}
	}
	_, err := t.endTrans(ctx, sess, cache)
	return err
}

// SavepointSet delegates to the cache (spec §4.B/§4.G).
func (t *TwoPC) SavepointSet(sess *session.Handle, name string) (Savepoint, error) {
	return t.cacheFor(sess).SavepointSet(t.cfg.ServerID, name)
}

// SavepointRollback truncates to the savepoint, unless non-
// transactional changes occurred or keep_log forces emission, in
// which case a ROLLBACK TO record is appended instead (spec §4.B/§4.G).
func (t *TwoPC) SavepointRollback(sess *session.Handle, sp Savepoint) error {
	cache := t.cacheFor(sess)
	if cache.HasNonTransChanges() || t.cfg.KeepLog {
		return cache.AppendRollbackTo(t.cfg.ServerID, sp)
	}
	cache.SavepointRollback(sp)
	return nil
}

// LogXID appends an XID event, copies the transaction group to the
// log, and increments prepared_xids only once the append has
// succeeded. The cookie is the absolute offset of the XID event's own
// header within its log file (spec §4.G added detail).
func (t *TwoPC) LogXID(ctx context.Context, sess *session.Handle, xid uint64) (int64, error) {
	t.gate.WaitForOpen()

	cache := t.cacheFor(sess)
	xidRelOffset := cache.Position()

	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], xid)
	if err := cache.AppendTyped(t.cfg.ServerID, EventXID, payload[:]); err != nil {
		return 0, err
	}

	groupBase, err := t.endTrans(ctx, sess, cache)
	if err != nil {
		return 0, err
	}

	t.gate.IncrementPrepared()
	return groupBase + xidRelOffset, nil
}

// Unlog decrements prepared_xids; reaching zero unblocks any rotation
// waiting on the gate. It then opportunistically retries rotation (a
// no-op if another session already handled it, or if the threshold
// isn't crossed) since this call may be what finally let it proceed
// (spec §4.G).
func (t *TwoPC) Unlog(_ context.Context, _ int64) error {
	t.gate.DecrementPrepared()
	if t.writer.NeedsRotation() {
		return t.rotateAndPurge()
	}
	return nil
}

// Close releases the writer; the session/cache lifecycle is owned by
// server/session.Manager, not by TwoPC.
func (t *TwoPC) Close() error {
	return t.writer.Close()
}

// endTrans implements the copy-cache-to-log / ticket / fsync / commit
// sequence common to Commit, LogXID, and the flush branches of
// Rollback (spec §4.A/§4.F/§4.G). It returns the absolute offset the
// transaction group started at.
func (t *TwoPC) endTrans(ctx context.Context, sess *session.Handle, cache *Cache) (int64, error) {
	ordered := t.engines.IsOrderedCommit(sess.ID())
	ticket := t.groupCommit.AssignTicket(ordered)

	groupBase, err := t.writer.AppendTransaction(cache)
	if err != nil {
		return 0, err
	}

	if err := t.groupCommit.Sync(); err != nil {
		logger.RecordSticky(KindFsyncError.String(), err, "group commit fsync failed")
	}

	t.groupCommit.WaitForTurn(ticket)
	if err := t.engines.CommitFast(ctx, sess.ID()); err != nil {
		t.groupCommit.Advance(ticket)
		return groupBase, errors.Annotate(err, "engine commit_fast")
	}
	t.groupCommit.Advance(ticket)

	cache.Reset()

	if t.writer.NeedsRotation() {
		if err := t.rotateAndPurge(); err != nil {
			return groupBase, err
		}
	}
	return groupBase, nil
}

func (t *TwoPC) rotateAndPurge() error {
	if err := t.writer.Rotate(t.gate); err != nil {
		return err
	}
	if t.purge != nil && t.cfg.ExpireDays > 0 {
		go t.asyncPurge()
	}
	return nil
}

// asyncPurge runs the time-based purge trigger after a rotation (spec
// §2 data flow: "(E) runs asynchronously post-rotation").
func (t *TwoPC) asyncPurge() {
	cutoff := time.Now().AddDate(0, 0, -t.cfg.ExpireDays)
	if _, err := t.purge.PurgeOlderThan(cutoff); err != nil {
		kind := KindPurgeStatError.String()
		if be, ok := err.(*Error); ok {
			kind = be.Kind.String()
		}
		logger.RecordSticky(kind, err, "post-rotation purge failed")
	}
}
