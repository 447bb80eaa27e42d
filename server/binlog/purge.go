package binlog

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nyxdb/binlog/logger"
)

// ReaderTracker lets the replication-reader collaborator (out of scope
// per §1) tell the purge engine "I still have file X open", so purge
// never removes a file out from under a live reader (spec §4.E step 2).
type ReaderTracker struct {
	mu   sync.Mutex
	refs map[string]int
}

func NewReaderTracker() *ReaderTracker {
	return &ReaderTracker{refs: make(map[string]int)}
}

func (rt *ReaderTracker) Acquire(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.refs[name]++
}

func (rt *ReaderTracker) Release(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.refs[name] <= 1 {
		delete(rt.refs, name)
		return
	}
	rt.refs[name]--
}

func (rt *ReaderTracker) IsHeld(name string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.refs[name] > 0
}

// PurgeEngine implements spec §4.E: time- and name-based deletion of
// obsolete log files, coordinating with the active file and any live
// readers.
type PurgeEngine struct {
	index     *IndexManager
	readers   *ReaderTracker
	dir       string
	spaceUsed int64 // bytes; caller may read via SpaceUsed, best-effort
	mu        sync.Mutex
}

func NewPurgeEngine(index *IndexManager, readers *ReaderTracker, dir string) *PurgeEngine {
	return &PurgeEngine{index: index, readers: readers, dir: dir}
}

// PurgeBefore purges every file up to "name" (spec §4.E trigger 1),
// walking the index from the head and stopping early at the active
// file or the first file a live reader holds (spec §4.E step 2).
func (p *PurgeEngine) PurgeBefore(name string, inclusive bool) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.index.VictimsUpTo(name, inclusive); err != nil {
		return nil, errors.Wrap(err, "purge before")
	}

	active := p.index.Active()
	var victims []string
	for _, e := range p.index.Entries() {
		if e == active {
			break
		}
		if p.readers != nil && p.readers.IsHeld(e) {
			break
		}
		if e == name {
			if inclusive {
				victims = append(victims, e)
			}
			break
		}
		victims = append(victims, e)
	}
	return p.commit(victims)
}

// PurgeOlderThan purges every file strictly older than cutoff,
// determined by each log file's mtime (spec §4.E trigger 2).
func (p *PurgeEngine) PurgeOlderThan(cutoff time.Time) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.index.Entries()
	active := p.index.Active()

	var victims []string
	for _, e := range entries {
		if e == active {
			break
		}
		if p.readers != nil && p.readers.IsHeld(e) {
			break
		}
		info, err := os.Stat(filepath.Join(p.dir, e))
		if err == nil && !info.ModTime().Before(cutoff) {
			break
		}
		victims = append(victims, e)
	}
	return p.commit(victims)
}

// commit runs steps 3-6 of spec §4.E for an already-computed victim
// list: write the purge-pending file, unlink each victim from disk
// (missing files are a warning, not fatal), then truncate the index
// and remove the pending file.
func (p *PurgeEngine) commit(victims []string) ([]string, error) {
	if len(victims) == 0 {
		return nil, nil
	}

	if err := p.index.BeginRemoval(victims); err != nil {
		return nil, newErr(KindIndexInconsistency, err, "purge: writing pending file")
	}

	for _, v := range victims {
		info, statErr := os.Stat(filepath.Join(p.dir, v))
		err := os.Remove(filepath.Join(p.dir, v))
		if err != nil {
			if os.IsNotExist(err) {
				logger.Warnf("purge: file %s already missing", v)
				continue
			}
			if statErr != nil && !os.IsNotExist(statErr) {
				return nil, newErr(KindPurgeStatError, err, "purge: stat failed for "+v)
			}
			return nil, newErr(KindPurgeStatError, err, "purge: removing "+v)
		}
		if info != nil {
			p.spaceUsed -= info.Size()
		}
	}

	if err := p.index.FinalizeRemoval(victims); err != nil {
		return nil, newErr(KindIndexInconsistency, err, "purge: finalizing index")
	}
	return victims, nil
}

// SpaceUsed returns the purge engine's best-effort change to "log
// space used" so far: it starts at 0 and drops by the size of each
// file purged, so it is zero or negative (a caller may add it to its
// own counter per spec §4.E step 4).
func (p *PurgeEngine) SpaceUsed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spaceUsed
}
