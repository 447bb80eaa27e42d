package binlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
)

// countingWriter tracks how many bytes have flowed through it, so the
// writer can advance its notion of the log file's current size without
// a redundant Stat after every append.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Writer is the append-only log file writer (spec §4.C): it owns the
// single active file, rotates it by size, and maintains the
// updateCond readers block on (spec §5 suspension point v).
type Writer struct {
	mu sync.RWMutex

	dir        string
	serverID   uint32
	maxLogSize int64

	file        *os.File
	fileName    string // basename, no directory
	fdeOffset   int64  // byte offset of the format-description event's header
	writeOffset int64  // next write position == current file size

	index   *IndexManager
	updateCond *sync.Cond

	writeErr error // sticky WriteIOError/FsyncError flag (spec §7)
}

// NewWriter constructs a writer against dir/index; call Start to
// create the first log file.
func NewWriter(dir string, serverID uint32, maxLogSize int64, index *IndexManager) *Writer {
	w := &Writer{dir: dir, serverID: serverID, maxLogSize: maxLogSize, index: index}
	w.updateCond = sync.NewCond(&w.mu)
	return w
}

// Start creates the very first log file if the index is empty, or
// resumes appending to the active file named by the index. Crash
// recovery is not done here: Recover (recovery.go) scans and trims the
// active file before Start runs.
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if active := w.index.Active(); active != "" {
		return w.reopenLocked(active)
	}
	return w.createFileLocked(w.newFileName())
}

func (w *Writer) newFileName() string {
	return fmt.Sprintf("binlog.%06d", len(w.index.Entries())+1)
}

func (w *Writer) createFileLocked(name string) error {
	path := filepath.Join(w.dir, name)
	// No O_APPEND: os.File rejects WriteAt on such handles, and the
	// IN_USE flag is cleared by a positional write. Appends use Write at
	// the file offset, which stays at the end of the file.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Annotate(err, "creating log file")
	}

	if _, err := f.Write(Magic[:]); err != nil {
		f.Close()
		return errors.Annotate(err, "writing log magic")
	}
	fde := FormatDescriptionEvent(w.serverID, time.Now())
	fde.Header.EndLogPos = uint32(len(Magic)) + uint32(HeaderLen+len(fde.Payload)+ChecksumLen)
	fdeBytes := fde.Encode()
	if _, err := f.Write(fdeBytes); err != nil {
		f.Close()
		return errors.Annotate(err, "writing format description event")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Annotate(err, "fsync new log file")
	}

	w.file = f
	w.fileName = name
	w.fdeOffset = int64(len(Magic))
	w.writeOffset = int64(len(Magic)) + int64(len(fdeBytes))

	return w.index.Append(name)
}

// reopenLocked resumes appending to an already-created file (no magic
// rewrite), used by Start when the index already names an active file.
func (w *Writer) reopenLocked(name string) error {
	path := filepath.Join(w.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return errors.Annotate(err, "stat existing log file")
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return errors.Annotate(err, "reopening log file")
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return errors.Annotate(err, "seeking to end of reopened log file")
	}
	w.file = f
	w.fileName = name
	w.fdeOffset = int64(len(Magic))
	w.writeOffset = info.Size()

	// Recovery (if it ran) clears IN_USE as part of validating the
	// file; re-set it now that a new writing session is claiming the
	// file, so a crash before the next clean close is detected again.
	var flagsBuf [2]byte
	binary.BigEndian.PutUint16(flagsBuf[:], FlagInUse)
	if _, err := f.WriteAt(flagsBuf[:], w.fdeOffset+FlagsOffset); err != nil {
		f.Close()
		return errors.Annotate(err, "re-setting IN_USE on reopened log file")
	}
	return nil
}

// ActiveFile returns the basename of the currently open log file.
func (w *Writer) ActiveFile() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.fileName
}

// Size returns the current write offset (== file size).
func (w *Writer) Size() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.writeOffset
}

// NeedsRotation reports whether the file has already reached
// max_log_size (writeOffset >= maxLogSize). It does not look at the
// size of any append still to come.
func (w *Writer) NeedsRotation() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.writeOffset >= w.maxLogSize
}

// AppendTransaction copies cache's contents into the active log file,
// rewriting each event's EndLogPos by the file's current write offset
// (spec §4.A), and returns the absolute offset the group started at.
// TwoPC.LogXID adds the XID event's offset within the group to this
// to form the 2PC cookie (spec §4.G).
func (w *Writer) AppendTransaction(cache *Cache) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writeErr != nil {
		return 0, w.writeErr
	}

	groupBase := w.writeOffset
	cw := &countingWriter{w: w.file}
	if err := cache.CopyTo(cw, uint32(groupBase)); err != nil {
		w.writeErr = newErr(KindWriteIOError, err, "copying cache to log")
		return 0, w.writeErr
	}
	w.writeOffset += cw.n
	w.updateCond.Broadcast()
	return groupBase, nil
}

// Fsync durably syncs the active file. Intended as the GroupCommit
// coordinator's doFsync callback.
func (w *Writer) Fsync() error {
	w.mu.RLock()
	f := w.file
	w.mu.RUnlock()
	if f == nil {
		return nil
	}
	if err := f.Sync(); err != nil {
		w.mu.Lock()
		w.writeErr = newErr(KindFsyncError, err, "fsync log file")
		w.mu.Unlock()
		return w.writeErr
	}
	return nil
}

// WriteErr returns the sticky I/O error flag, if any (spec §7).
func (w *Writer) WriteErr() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.writeErr
}

// WaitForUpdate blocks until the next Broadcast on the update
// condition (spec §5 suspension point v), used by readers waiting for
// new log data. Callers needing a timeout should race this against
// their own timer.
func (w *Writer) WaitForUpdate() {
	w.mu.Lock()
	w.updateCond.Wait()
	w.mu.Unlock()
}

// Rotate performs spec §4.C's rotation sequence. gate coordinates with
// the 2PC interface: new XIDs are blocked while rotation runs, and
// rotation itself waits for prepared_xids==0 first, so recovery never
// needs to scan more than one log file (spec §4.C/§5).
func (w *Writer) Rotate(gate *XidGate) error {
	gate.BeginRotation()
	defer gate.EndRotation()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writeErr != nil {
		return w.writeErr
	}
	if w.writeOffset < w.maxLogSize {
		// another session already rotated while we waited on the gate.
		return nil
	}

	nextName := w.newFileNameLocked()

	payload := []byte(nextName)
	endLogPos := uint32(w.writeOffset) + uint32(HeaderLen+len(payload)+ChecksumLen)
	rotateEv := NewEvent(EventRotate, w.serverID, endLogPos, payload)
	raw := rotateEv.Encode()
	if _, err := w.file.Write(raw); err != nil {
		w.writeErr = newErr(KindWriteIOError, err, "writing rotate event")
		return w.writeErr
	}
	w.writeOffset += int64(len(raw))

	w.updateCond.Broadcast()

	if err := w.clearInUseLocked(); err != nil {
		w.writeErr = newErr(KindRotationError, err, "clearing IN_USE on old log file")
		return w.writeErr
	}
	if err := w.file.Sync(); err != nil {
		w.writeErr = newErr(KindRotationError, err, "fsync old log file before close")
		return w.writeErr
	}
	if err := w.file.Close(); err != nil {
		w.writeErr = newErr(KindRotationError, err, "closing old log file")
		return w.writeErr
	}

	if err := w.createFileLocked(nextName); err != nil {
		w.writeErr = newErr(KindRotationError, err, "opening new log file")
		return w.writeErr
	}
	return nil
}

func (w *Writer) newFileNameLocked() string {
	return fmt.Sprintf("binlog.%06d", len(w.index.Entries())+1)
}

// clearInUseLocked zeroes the IN_USE bit in the active file's format
// description header via a positional write, without disturbing the
// rest of the header (spec §4.C/§6).
func (w *Writer) clearInUseLocked() error {
	var flagsBuf [2]byte // FlagInUse cleared
	_, err := w.file.WriteAt(flagsBuf[:], w.fdeOffset+FlagsOffset)
	return err
}

// clearInUseOnClose clears the active file's IN_USE flag as the last
// step of a clean Close; createFileLocked is what sets it, via
// FormatDescriptionEvent, when the file is first created.
func (w *Writer) clearInUseOnClose() error {
	return w.clearInUseLocked()
}

// Close flushes, clears IN_USE, and closes the active file cleanly
// (spec §3: "IN_USE flag bit cleared at clean close").
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.clearInUseOnClose(); err != nil {
		return errors.Annotate(err, "clearing IN_USE on close")
	}
	if err := w.file.Sync(); err != nil {
		return errors.Annotate(err, "fsync on close")
	}
	err := w.file.Close()
	w.file = nil
	return err
}
