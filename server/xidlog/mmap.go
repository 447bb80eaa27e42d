// Package xidlog implements spec §4.I: a simpler, memory-mapped
// fixed-slot alternative to the full replication log, for deployments
// that want 2PC durability without the append-log/index/purge
// machinery in server/binlog. Grounded in the mmap-file idiom the
// corpus's embedded-database example uses (bbolt-style
// golang.org/x/sys/unix.Mmap over a fixed-size backing file), adapted
// here to a flat array of fixed xid slots instead of a B+tree.
package xidlog

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/juju/errors"
	"golang.org/x/sys/unix"

	"github.com/nyxdb/binlog/logger"
	"github.com/nyxdb/binlog/server/engine"
)

// Magic identifies an xid log file, distinct from the append-log's
// Magic (spec §4.I/§6).
var Magic = [4]byte{0xFE, 0x78, 0x69, 0x64}

const headerLen = 4 + 4 // magic + engine count

// Each slot holds an 8-byte xid followed by an 8-byte xxhash64 of the
// xid bytes, so a slot torn by a crash mid-write (xid present, trailer
// missing or stale) is distinguishable from a genuinely logged one
// instead of being silently replayed as live.
const (
	xidLen     = 8
	slotSumLen = 8
	slotLen    = xidLen + slotSumLen
)

func slotChecksum(xid uint64) uint64 {
	var buf [xidLen]byte
	binary.BigEndian.PutUint64(buf[:], xid)
	return xxhash.Checksum64(buf[:])
}

// readSlot returns the slot's xid and whether it is both non-zero and
// checksum-valid. A non-zero xid whose checksum fails is corruption,
// not a live transaction, and recovery must not hand it to an engine.
func readSlot(data []byte) (xid uint64, valid bool) {
	xid = binary.BigEndian.Uint64(data[:xidLen])
	if xid == 0 {
		return 0, false
	}
	want := binary.BigEndian.Uint64(data[xidLen : xidLen+slotSumLen])
	return xid, want == slotChecksum(xid)
}

func writeSlot(data []byte, xid uint64) {
	binary.BigEndian.PutUint64(data[:xidLen], xid)
	binary.BigEndian.PutUint64(data[xidLen:xidLen+slotSumLen], slotChecksum(xid))
}

func clearSlot(data []byte) {
	binary.BigEndian.PutUint64(data[:xidLen], 0)
	binary.BigEndian.PutUint64(data[xidLen:xidLen+slotSumLen], 0)
}

// pageState tracks a page's place in the POOL/ACTIVE/DIRTY/ERROR
// lifecycle (spec §4.I).
type pageState int

const (
	statePool pageState = iota
	stateActive
	stateDirty
	stateError
)

type page struct {
	index    int
	data     []byte // this page's slotsPerPage*slotLen byte window into the mapping
	slots    int
	nextSlot int // next unclaimed slot, valid only while state == stateActive
	used     int // count of currently non-zero slots
	state    pageState
}

// Log is the mmap-backed fixed-slot XID log.
//
// Design note (resolving an underspecified point in the source
// spec): a DIRTY page returns to the pool only once every slot on it
// has been cleared by Unlog, not immediately after its msync. Pooling
// a page while cookies still point at live slots on it would let a
// later claim overwrite an unresolved transaction's xid out from
// under its still-outstanding cookie, which the round-trip law in
// spec §8 forbids.
type Log struct {
	mu sync.Mutex

	file    *os.File
	mapping []byte

	engineCount  uint32
	pageSize     int
	slotsPerPage int

	pages      []*page
	pool       []int // FIFO of page indices in statePool
	activeIdx  int   // -1 if none assigned
	inUsePages int   // pages currently ACTIVE or DIRTY
}

// Create lays out a new fixed-size xid log file with numPages pages
// of slotsPerPage slots each, memory-maps it, and marks the first
// pool page active.
func Create(path string, engineCount uint32, numPages, slotsPerPage int) (*Log, error) {
	pageSize := slotsPerPage * slotLen
	totalSize := int64(headerLen) + int64(numPages)*int64(pageSize)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.Annotate(err, "creating xid log file")
	}
	if err := f.Truncate(totalSize); err != nil {
		f.Close()
		return nil, errors.Annotate(err, "sizing xid log file")
	}

	var hdr [headerLen]byte
	copy(hdr[0:4], Magic[:])
	binary.BigEndian.PutUint32(hdr[4:8], engineCount)
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, errors.Annotate(err, "writing xid log header")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, errors.Annotate(err, "fsync xid log header")
	}

	return open(f, engineCount, numPages, slotsPerPage, true)
}

// Open memory-maps an existing xid log file for recovery and further
// use, verifying its magic and engine count.
func Open(path string, engineCount uint32, numPages, slotsPerPage int) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Annotate(err, "opening xid log file")
	}
	var hdr [headerLen]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, errors.Annotate(err, "reading xid log header")
	}
	var magic [4]byte
	copy(magic[:], hdr[0:4])
	if magic != Magic {
		f.Close()
		return nil, errors.New("xidlog: bad magic")
	}
	fileEngines := binary.BigEndian.Uint32(hdr[4:8])
	if fileEngines != engineCount {
		f.Close()
		return nil, errors.Errorf("xidlog: engine count mismatch: file has %d, expected %d", fileEngines, engineCount)
	}
	return open(f, engineCount, numPages, slotsPerPage, false)
}

func open(f *os.File, engineCount uint32, numPages, slotsPerPage int, fresh bool) (*Log, error) {
	pageSize := slotsPerPage * slotLen
	totalSize := int64(headerLen) + int64(numPages)*int64(pageSize)

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Annotate(err, "mmap xid log file")
	}

	l := &Log{
		file:         f,
		mapping:      mapping,
		engineCount:  engineCount,
		pageSize:     pageSize,
		slotsPerPage: slotsPerPage,
		activeIdx:    -1,
	}
	for i := 0; i < numPages; i++ {
		start := headerLen + i*pageSize
		p := &page{index: i, data: mapping[start : start+pageSize], slots: slotsPerPage, state: statePool}
		if !fresh {
			// an existing file may already hold live xids; scan its
			// slots to rebuild used/state before accepting new claims.
			for s := 0; s < slotsPerPage; s++ {
				xid, valid := readSlot(p.data[s*slotLen:])
				if xid == 0 {
					continue
				}
				if !valid {
					logger.RecordSticky("index-inconsistency", nil, "xidlog: page %d slot %d has a torn xid, treating as empty", i, s)
					clearSlot(p.data[s*slotLen:])
					continue
				}
				p.used++
			}
			if p.used > 0 {
				p.state = stateDirty
				l.inUsePages++
			}
		}
		l.pages = append(l.pages, p)
		if p.state == statePool {
			l.pool = append(l.pool, i)
		}
	}

	if err := l.assignActiveLocked(); err != nil {
		unix.Munmap(mapping)
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) assignActiveLocked() error {
	if len(l.pool) == 0 {
		return errors.New("xidlog: no pool pages available to activate")
	}
	idx := l.pool[0]
	l.pool = l.pool[1:]
	p := l.pages[idx]
	p.state = stateActive
	p.nextSlot = 0
	l.activeIdx = idx
	l.inUsePages++
	return nil
}

// LogXID claims a slot on the active page and writes xid into it,
// returning the slot's absolute file offset as the cookie.
func (l *Log) LogXID(xid uint64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.activeIdx < 0 {
		if err := l.assignActiveLocked(); err != nil {
			return 0, err
		}
	}
	p := l.pages[l.activeIdx]

	slot := p.nextSlot
	writeSlot(p.data[slot*slotLen:], xid)
	p.nextSlot++
	p.used++

	cookie := int64(headerLen) + int64(p.index)*int64(l.pageSize) + int64(slot)*slotLen

	if p.nextSlot >= p.slots {
		if err := l.retireActiveLocked(p); err != nil {
			return cookie, err
		}
	}
	return cookie, nil
}

// retireActiveLocked transitions a full active page to DIRTY, syncs
// it, and assigns a fresh active page from the pool if one is
// available (spec §4.I: "a single syncer calls msync").
func (l *Log) retireActiveLocked(p *page) error {
	p.state = stateDirty
	l.activeIdx = -1

	start := headerLen + p.index*l.pageSize
	// msync needs a page-aligned address: round down to the start of
	// the OS page holding this xid page's first byte.
	syncStart := start &^ (os.Getpagesize() - 1)
	if err := unix.Msync(l.mapping[syncStart:start+l.pageSize], unix.MS_SYNC); err != nil {
		p.state = stateError
		logger.RecordSticky("fsync-error", err, "xidlog: msync page %d failed", p.index)
		return errors.Annotate(err, "msync xid log page")
	}

	if len(l.pool) > 0 {
		return l.assignActiveLocked()
	}
	// no free page right now; the next LogXID call assigns one once
	// some page drains back to the pool via Unlog.
	return nil
}

// Unlog clears cookie's slot. If the owning page is now fully
// drained, it returns to the pool tail (see the Log doc comment for
// why this, not the post-msync moment, is when a page becomes
// reusable).
func (l *Log) Unlog(cookie int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rel := cookie - headerLen
	if rel < 0 {
		return fmt.Errorf("xidlog: cookie %d out of range", cookie)
	}
	pageIdx := int(rel / int64(l.pageSize))
	slotIdx := int(rel%int64(l.pageSize)) / slotLen
	if pageIdx < 0 || pageIdx >= len(l.pages) {
		return fmt.Errorf("xidlog: cookie %d out of range", cookie)
	}
	p := l.pages[pageIdx]
	clearSlot(p.data[slotIdx*slotLen:])
	p.used--

	if p.used <= 0 && p.state == stateDirty {
		p.used = 0
		p.state = statePool
		l.inUsePages--
		l.pool = append(l.pool, pageIdx)
		if l.activeIdx < 0 {
			return l.assignActiveLocked()
		}
	}
	return nil
}

// InUsePages reports how many pages are currently ACTIVE or DIRTY. The
// ACTIVE page counts from the moment it is activated, even before its
// first xid is written.
func (l *Log) InUsePages() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUsePages
}

// Recover walks every page collecting non-zero xids and asks the
// engine registry to resolve them (spec §4.I).
func (l *Log) Recover(ctx context.Context, engines *engine.Registry) error {
	l.mu.Lock()
	xids := make(map[uint64]struct{})
	for _, p := range l.pages {
		for s := 0; s < p.slots; s++ {
			xid, valid := readSlot(p.data[s*slotLen:])
			if xid == 0 {
				continue
			}
			if !valid {
				logger.RecordSticky("index-inconsistency", nil, "xidlog: page %d slot %d has a torn xid, skipping recovery", p.index, s)
				continue
			}
			xids[xid] = struct{}{}
		}
	}
	l.mu.Unlock()

	if engines == nil {
		return nil
	}
	return engines.Recover(ctx, xids)
}

// Close flushes and unmaps the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mapping == nil {
		return nil
	}
	_ = unix.Msync(l.mapping, unix.MS_SYNC)
	err := unix.Munmap(l.mapping)
	l.mapping = nil
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	return err
}
