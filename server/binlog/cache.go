package binlog

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/golang/snappy"
	"github.com/juju/errors"
)

// UndefinedPos is the sentinel for BeforeStmtPos: "no statement boundary
// recorded yet" (spec §3).
const UndefinedPos int64 = -1

// chunk is one event's worth of encoded bytes. Cache never truncates
// inside a chunk — every valid truncation target is a chunk boundary,
// which is exactly invariant (i) in spec §3 ("any offset written into
// before_stmt_pos is [a statement boundary]"). Modeling the cache as a
// sequence of whole-event chunks rather than a raw byte slice is what
// makes spill-to-disk compression (spec §4.B) tractable: a
// compressed chunk is decompressed in full or not at all, never sliced.
type chunk struct {
	offset int64 // logical offset this chunk starts at
	length int64 // uncompressed length
	data   []byte
	spillOff int64
	spillLen int64
	spilled  bool
}

// Cache is the per-session spillable transaction buffer (spec §3/§4.B).
type Cache struct {
	chunks []chunk
	pos    int64
	memBytes int64

	beforeStmtPos           int64
	atLeastOneStmtCommitted bool
	incident                bool
	nonTransChanges         bool
	pendingRowsEvent        []byte

	cacheSize    int64
	maxCacheSize int64

	spillPath        string
	spillFile        *os.File
	spillWriteOffset int64
}

// NewCache creates an empty cache that spills to spillPath once its
// in-memory footprint exceeds cacheSize, and refuses writes once the
// logical (uncompressed) size would exceed maxCacheSize.
func NewCache(spillPath string, cacheSize, maxCacheSize int64) *Cache {
	return &Cache{
		beforeStmtPos: UndefinedPos,
		cacheSize:     cacheSize,
		maxCacheSize:  maxCacheSize,
		spillPath:     spillPath,
	}
}

// Position returns the current logical write position.
func (c *Cache) Position() int64 { return c.pos }

// BeforeStmtPos returns the saved statement-start offset, or
// UndefinedPos.
func (c *Cache) BeforeStmtPos() int64 { return c.beforeStmtPos }

// Incident reports whether a write failure occurred that replicas
// must be told about.
func (c *Cache) Incident() bool { return c.incident }

// AtLeastOneStmtCommitted reports whether any statement has committed
// bytes into the cache since the last reset.
func (c *Cache) AtLeastOneStmtCommitted() bool { return c.atLeastOneStmtCommitted }

// IsEmpty holds iff pending_rows_event is nil and the write position
// is 0 (spec §3 invariant iii).
func (c *Cache) IsEmpty() bool { return c.pendingRowsEvent == nil && c.pos == 0 }

// BeginStmt snapshots the current position into BeforeStmtPos only if
// it is still undefined, so nested calls preserve the earliest
// boundary (spec §4.B).
func (c *Cache) BeginStmt() {
	if c.beforeStmtPos == UndefinedPos {
		c.beforeStmtPos = c.pos
	}
}

// Append flushes any pending rows event, then writes ev's encoding
// into the cache. Returns ErrCacheFull (and sets Incident) if doing so
// would exceed maxCacheSize.
func (c *Cache) Append(ev *Event) error {
	if c.pendingRowsEvent != nil {
		pending := c.pendingRowsEvent
		c.pendingRowsEvent = nil
		if err := c.appendRaw(pending); err != nil {
			return err
		}
	}
	return c.appendRaw(ev.Encode())
}

// SetPendingRowsEvent stashes an already-encoded rows event (built by
// the row-format-event collaborator, out of scope per §1) that has not
// yet been serialized into the cache (spec §3 invariant ii).
func (c *Cache) SetPendingRowsEvent(raw []byte) {
	c.pendingRowsEvent = raw
}

// AppendTyped builds and appends an event of typ whose EndLogPos is
// the group-relative offset of the byte following it — computed here,
// after the event's encoded length is known, rather than passed in by
// the caller (spec §3: end_log_pos is "the absolute byte offset of the
// byte following this event"; relative to the group until §4.A's
// rewrite adds groupBase).
func (c *Cache) AppendTyped(serverID uint32, typ EventType, payload []byte) error {
	if c.pendingRowsEvent != nil {
		pending := c.pendingRowsEvent
		c.pendingRowsEvent = nil
		if err := c.appendRaw(pending); err != nil {
			return err
		}
	}
	totalLen := HeaderLen + len(payload) + ChecksumLen
	ev := &Event{
		Header: Header{
			Timestamp: uint32(time.Now().Unix()),
			Type:      typ,
			ServerID:  serverID,
			EndLogPos: uint32(c.pos) + uint32(totalLen),
		},
		Payload: payload,
	}
	return c.appendRaw(ev.Encode())
}

func (c *Cache) appendRaw(raw []byte) error {
	if c.pos+int64(len(raw)) > c.maxCacheSize {
		c.incident = true
		return errors.Trace(ErrCacheFull)
	}

	ck := chunk{offset: c.pos, length: int64(len(raw))}
	if c.memBytes+int64(len(raw)) > c.cacheSize {
		if err := c.spill(&ck, raw); err != nil {
			return newErr(KindWriteIOError, err, "spilling cache chunk")
		}
	} else {
		ck.data = raw
		c.memBytes += int64(len(raw))
	}

	c.chunks = append(c.chunks, ck)
	c.pos += int64(len(raw))
	return nil
}

func (c *Cache) spill(ck *chunk, raw []byte) error {
	if c.spillFile == nil {
		f, err := os.OpenFile(c.spillPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
		if err != nil {
			return errors.Annotate(err, "opening cache spill file")
		}
		c.spillFile = f
	}
	compressed := snappy.Encode(nil, raw)
	n, err := c.spillFile.WriteAt(compressed, c.spillWriteOffset)
	if err != nil {
		return errors.Annotate(err, "writing cache spill block")
	}
	ck.spilled = true
	ck.spillOff = c.spillWriteOffset
	ck.spillLen = int64(n)
	c.spillWriteOffset += int64(n)
	return nil
}

// Truncate discards any pending rows event, drops every chunk whose
// offset is >= pos, clears BeforeStmtPos if it now lies past the new
// end, and sets AtLeastOneStmtCommitted = (pos > 0). Spec §4.B.
func (c *Cache) Truncate(pos int64) {
	c.pendingRowsEvent = nil

	kept := c.chunks[:0:0]
	var mem int64
	for _, ck := range c.chunks {
		if ck.offset >= pos {
			continue
		}
		kept = append(kept, ck)
		if !ck.spilled {
			mem += ck.length
		}
	}
	c.chunks = kept
	c.memBytes = mem
	c.pos = pos

	if c.beforeStmtPos != UndefinedPos && pos < c.beforeStmtPos {
		c.beforeStmtPos = UndefinedPos
	}
	c.atLeastOneStmtCommitted = pos > 0
}

// Reset truncates to 0, clears Incident, and clears BeforeStmtPos
// (spec §4.B). Calling Reset twice in a row is idempotent (spec §8).
func (c *Cache) Reset() {
	c.Truncate(0)
	c.incident = false
	c.nonTransChanges = false
	c.beforeStmtPos = UndefinedPos
	if c.spillFile != nil {
		c.spillWriteOffset = 0
		_ = c.spillFile.Truncate(0)
	}
}

// SetIncident marks the cache as having lost work the slaves must be
// told about (sticky write_error path, spec §7 resolution of open
// question 1 in §9).
func (c *Cache) SetIncident() { c.incident = true }

// SetNonTransChanges marks that this transaction has written to a
// non-transactional table, set by the row/query-event construction
// collaborator (out of scope per §1) as it appends statements. The
// 2PC interface's rollback contract (§4.G) branches on this bit:
// unset, a rollback can simply truncate or reset; set, the partial
// work must still reach the log so replicas see it.
func (c *Cache) SetNonTransChanges() { c.nonTransChanges = true }

// HasNonTransChanges reports whether SetNonTransChanges was called
// since the last Reset.
func (c *Cache) HasNonTransChanges() bool { return c.nonTransChanges }

// Savepoint is the opaque token returned by SavepointSet: the cache's
// logical write position at the moment the savepoint was requested,
// taken BEFORE the SAVEPOINT event itself is appended (so a later
// truncate-to-token removes the SAVEPOINT marker along with everything
// after it — matching the binlog_savepoint_set/_rollback pairing this
// is grounded on), plus the savepoint's name for the case where the
// 2PC interface must append a ROLLBACK TO record instead of truncating
// (spec §4.G).
type Savepoint struct {
	pos  int64
	name string
}

// SavepointSet snapshots the current position as the savepoint token,
// appends a SAVEPOINT event naming it, and returns the token (spec
// §4.B/§4.G).
func (c *Cache) SavepointSet(serverID uint32, name string) (Savepoint, error) {
	sp := Savepoint{pos: c.pos, name: name}
	if err := c.AppendTyped(serverID, EventSavepoint, []byte(name)); err != nil {
		return Savepoint{}, err
	}
	return sp, nil
}

// SavepointRollback implements the cache-level half of spec §4.B's
// savepoint_rollback contract: truncate to the token. The decision of
// whether to truncate at all, versus appending a ROLLBACK TO record
// and leaving the buffer intact, depends on session-level state (has
// this transaction touched non-transactional tables?) that the cache
// doesn't hold — that decision is made by the 2PC interface (§4.G),
// which calls either this method or AppendRollbackTo.
func (c *Cache) SavepointRollback(sp Savepoint) {
	c.Truncate(sp.pos)
}

// AppendRollbackTo appends a ROLLBACK TO record naming sp, used
// instead of SavepointRollback when non-transactional changes
// occurred and slaves must see the partial work (spec §4.B/§4.G).
func (c *Cache) AppendRollbackTo(serverID uint32, sp Savepoint) error {
	return c.AppendTyped(serverID, EventRollbackTo, []byte(sp.name))
}

// Close releases the spill file.
func (c *Cache) Close() error {
	if c.spillFile == nil {
		return nil
	}
	path := c.spillFile.Name()
	err := c.spillFile.Close()
	c.spillFile = nil
	_ = os.Remove(path)
	return err
}

// chunkReader presents the cache's chunks, in order, as a single
// io.Reader, decompressing spilled chunks whole as they're reached.
// Never spans two chunks mid-read in a way that would split a
// compressed block.
type chunkReader struct {
	c      *Cache
	idx    int
	cur    *bytes.Reader
}

func (c *Cache) reader() *chunkReader {
	return &chunkReader{c: c}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.cur != nil {
			n, err := r.cur.Read(p)
			if n > 0 {
				return n, nil
			}
			if err != io.EOF {
				return 0, err
			}
			r.cur = nil
		}
		if r.idx >= len(r.c.chunks) {
			return 0, io.EOF
		}
		ck := r.c.chunks[r.idx]
		r.idx++
		if !ck.spilled {
			r.cur = bytes.NewReader(ck.data)
			continue
		}
		compressed := make([]byte, ck.spillLen)
		if _, err := r.c.spillFile.ReadAt(compressed, ck.spillOff); err != nil {
			return 0, errors.Annotate(err, "reading cache spill block")
		}
		raw, err := snappy.Decode(nil, compressed)
		if err != nil {
			return 0, errors.Annotate(err, "decompressing cache spill block")
		}
		r.cur = bytes.NewReader(raw)
	}
}

// CopyTo streams the cache's contents through RewriteEndLogPos into w,
// rewriting each event's EndLogPos by groupBase (spec §4.A/§4.C).
func (c *Cache) CopyTo(w io.Writer, groupBase uint32) error {
	return RewriteEndLogPos(c.reader(), w, groupBase)
}
