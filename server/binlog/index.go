package binlog

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/nyxdb/binlog/server/latch"
)

// pendingSuffix names the shadow "purge-pending" file (spec §3/§4.D).
const pendingSuffix = ".~rec~"

// IndexManager is the ordered list of active log file paths, mutated
// exclusively through the shadow-file protocol described in §4.D: write
// intent to the sibling .~rec~ file, fsync, mutate the index, fsync,
// unlink the pending file.
type IndexManager struct {
	mu          latch.Latch
	path        string
	pendingPath string
	entries     []string
}

// OpenIndexManager loads (or creates) the index at path, replaying any
// stale pending file left by a crash before accepting further requests
// (spec §4.D).
func OpenIndexManager(path string) (*IndexManager, error) {
	im := &IndexManager{path: path, pendingPath: path + pendingSuffix}
	if err := im.replayPending(); err != nil {
		return nil, errors.Wrap(err, "replaying index pending file")
	}
	if err := im.load(); err != nil {
		return nil, errors.Wrap(err, "loading index file")
	}
	return im, nil
}

func (im *IndexManager) load() error {
	f, err := os.OpenFile(im.path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	im.entries = im.entries[:0]
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		im.entries = append(im.entries, line)
	}
	return scanner.Err()
}

func (im *IndexManager) replayPending() error {
	data, err := os.ReadFile(im.pendingPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 0 {
		return os.Remove(im.pendingPath)
	}

	if err := im.load(); err != nil {
		return err
	}

	switch lines[0] {
	case "ADD":
		if len(lines) >= 2 {
			im.appendIfAbsent(lines[1])
			if err := im.writeIndexFile(); err != nil {
				return err
			}
		}
	case "DEL":
		victims := make(map[string]bool, len(lines)-1)
		for _, v := range lines[1:] {
			victims[v] = true
		}
		kept := im.entries[:0:0]
		for _, e := range im.entries {
			if !victims[e] {
				kept = append(kept, e)
			}
		}
		im.entries = kept
		if err := im.writeIndexFile(); err != nil {
			return err
		}
	}
	return os.Remove(im.pendingPath)
}

func (im *IndexManager) appendIfAbsent(name string) {
	for _, e := range im.entries {
		if e == name {
			return
		}
	}
	im.entries = append(im.entries, name)
}

func (im *IndexManager) writeIndexFile() error {
	f, err := os.OpenFile(im.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, e := range im.entries {
		if _, err := f.WriteString(e + "\n"); err != nil {
			return err
		}
	}
	return f.Sync()
}

func (im *IndexManager) writePending(lines []string) error {
	f, err := os.OpenFile(im.pendingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, l := range lines {
		if _, err := f.WriteString(l + "\n"); err != nil {
			return err
		}
	}
	return f.Sync()
}

// Append adds name to the index, following the shadow-file protocol.
func (im *IndexManager) Append(name string) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	if err := im.writePending([]string{"ADD", name}); err != nil {
		return errors.Wrap(err, "writing index pending file")
	}
	im.entries = append(im.entries, name)
	if err := im.writeIndexFile(); err != nil {
		return errors.Wrap(err, "writing index file")
	}
	if err := os.Remove(im.pendingPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing index pending file")
	}
	return nil
}

// FindByName returns the position of name in the index, or -1.
func (im *IndexManager) FindByName(name string) int {
	im.mu.RLock()
	defer im.mu.RUnlock()
	for i, e := range im.entries {
		if e == name {
			return i
		}
	}
	return -1
}

// NextAfter returns the entry immediately after position, or "" if
// position is the last (or an invalid) entry.
func (im *IndexManager) NextAfter(position int) (string, bool) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	if position < 0 || position+1 >= len(im.entries) {
		return "", false
	}
	return im.entries[position+1], true
}

// Entries returns a snapshot copy of the ordered index.
func (im *IndexManager) Entries() []string {
	im.mu.RLock()
	defer im.mu.RUnlock()
	out := make([]string, len(im.entries))
	copy(out, im.entries)
	return out
}

// Active returns the last entry (the currently-open log file), or ""
// if the index is empty.
func (im *IndexManager) Active() string {
	im.mu.RLock()
	defer im.mu.RUnlock()
	if len(im.entries) == 0 {
		return ""
	}
	return im.entries[len(im.entries)-1]
}

// VictimsUpTo computes, without mutating anything, the ordered prefix
// of the index up to "upto" (inclusive or exclusive) — the candidate
// list a purge call would act on. Returns an error if upto is not in
// the index.
func (im *IndexManager) VictimsUpTo(upto string, inclusive bool) ([]string, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()

	idx := -1
	for i, e := range im.entries {
		if e == upto {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errors.Errorf("index: file %q not found", upto)
	}
	cut := idx
	if inclusive {
		cut = idx + 1
	}
	return append([]string(nil), im.entries[:cut]...), nil
}

// BeginRemoval is phase 1 of the purge engine's crash-safe deletion
// (spec §4.E steps 1-3): record the victim list in the shadow pending
// file and fsync it. The caller (PurgeEngine) then deletes the victim
// files from disk (step 4) before calling FinalizeRemoval.
func (im *IndexManager) BeginRemoval(victims []string) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	return errors.Wrap(im.writePending(append([]string{"DEL"}, victims...)), "writing index pending file")
}

// FinalizeRemoval is phase 2 (spec §4.E steps 5-6): drop victims from
// the in-memory index, rewrite and fsync the index file, then unlink
// the pending file. This is also exactly what replayPending does on
// startup if step 4 was interrupted by a crash.
func (im *IndexManager) FinalizeRemoval(victims []string) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	drop := make(map[string]bool, len(victims))
	for _, v := range victims {
		drop[v] = true
	}
	kept := im.entries[:0:0]
	for _, e := range im.entries {
		if !drop[e] {
			kept = append(kept, e)
		}
	}
	im.entries = kept
	if err := im.writeIndexFile(); err != nil {
		return errors.Wrap(err, "writing index file")
	}
	if err := os.Remove(im.pendingPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing index pending file")
	}
	return nil
}
