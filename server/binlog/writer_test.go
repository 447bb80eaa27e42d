package binlog

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T, maxLogSize int64) (*Writer, *IndexManager, string) {
	t.Helper()
	dir := t.TempDir()
	im, err := OpenIndexManager(filepath.Join(dir, "binlog.index"))
	require.NoError(t, err)
	w := NewWriter(dir, 1, maxLogSize, im)
	require.NoError(t, w.Start())
	return w, im, dir
}

func TestWriterStartCreatesFirstFileWithMagicAndFDE(t *testing.T) {
	w, im, dir := newTestWriter(t, 1<<20)
	assert.Equal(t, "binlog.000001", w.ActiveFile())
	assert.Equal(t, []string{"binlog.000001"}, im.Entries())

	data, err := os.ReadFile(filepath.Join(dir, w.ActiveFile()))
	require.NoError(t, err)
	assert.Equal(t, Magic[:], data[:4])

	fde, _, err := ReadEvent(newReaderAt(data, 4))
	require.NoError(t, err)
	assert.Equal(t, EventFormatDescription, fde.Header.Type)
	assert.NotZero(t, fde.Header.Flags&FlagInUse)
	assert.Equal(t, int64(w.Size()), int64(fde.Header.EndLogPos))
}

func newReaderAt(data []byte, off int) *sliceReader {
	return &sliceReader{data: data[off:]}
}

type sliceReader struct {
	data []byte
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestWriterAppendTransactionRewritesEndLogPosAbsolute(t *testing.T) {
	w, _, dir := newTestWriter(t, 1<<20)

	c := newTestCache(t, 4096, 1<<20)
	require.NoError(t, c.AppendTyped(1, EventQuery, []byte("BEGIN")))
	require.NoError(t, c.AppendTyped(1, EventQuery, []byte("COMMIT")))

	groupBase, err := w.AppendTransaction(c)
	require.NoError(t, err)
	assert.Equal(t, int64(len(Magic)+HeaderLen+8+ChecksumLen), groupBase)

	assert.Equal(t, groupBase+c.Position(), w.Size())

	data, err := os.ReadFile(filepath.Join(dir, w.ActiveFile()))
	require.NoError(t, err)
	first, _, err := ReadEvent(newReaderAt(data, int(groupBase)))
	require.NoError(t, err)
	assert.Equal(t, uint32(groupBase)+uint32(HeaderLen+len("BEGIN")+ChecksumLen), first.Header.EndLogPos)
}

func TestWriterNeedsRotationAtMaxLogSize(t *testing.T) {
	w, _, _ := newTestWriter(t, 8) // absurdly small: FDE alone already exceeds it
	assert.True(t, w.NeedsRotation())
}

// growPastMaxLogSize appends a transaction large enough to push w past
// maxLogSize, so Rotate's idempotency guard doesn't see this as an
// already-rotated file.
func growPastMaxLogSize(t *testing.T, w *Writer) {
	t.Helper()
	c := newTestCache(t, 4096, 1<<20)
	require.NoError(t, c.AppendTyped(1, EventQuery, make([]byte, 64)))
	_, err := w.AppendTransaction(c)
	require.NoError(t, err)
}

func TestWriterRotateCreatesNewFileAndClearsInUseOnOld(t *testing.T) {
	w, im, dir := newTestWriter(t, 50)
	growPastMaxLogSize(t, w)
	require.True(t, w.NeedsRotation())
	oldFile := w.ActiveFile()

	gate := NewXidGate()
	require.NoError(t, w.Rotate(gate))

	assert.NotEqual(t, oldFile, w.ActiveFile())
	assert.Equal(t, []string{oldFile, w.ActiveFile()}, im.Entries())
	assert.False(t, w.NeedsRotation(), "the freshly rotated file should start well under max_log_size")

	data, err := os.ReadFile(filepath.Join(dir, oldFile))
	require.NoError(t, err)
	fde, _, err := ReadEvent(newReaderAt(data, 4))
	require.NoError(t, err)
	assert.Zero(t, fde.Header.Flags&FlagInUse, "old file must have IN_USE cleared after rotation")
}

func TestWriterRotateIsIdempotentAgainstConcurrentTrigger(t *testing.T) {
	w, _, _ := newTestWriter(t, 50)
	growPastMaxLogSize(t, w)
	gate := NewXidGate()
	require.NoError(t, w.Rotate(gate))
	firstActive := w.ActiveFile()

	// a second, racing call to Rotate (e.g. from Unlog's opportunistic
	// retry) must be a safe no-op once someone else already rotated.
	require.NoError(t, w.Rotate(gate))
	assert.Equal(t, firstActive, w.ActiveFile())
}

func TestWriterReopenResetsInUseFlag(t *testing.T) {
	dir := t.TempDir()
	im, err := OpenIndexManager(filepath.Join(dir, "binlog.index"))
	require.NoError(t, err)
	w1 := NewWriter(dir, 1, 1<<20, im)
	require.NoError(t, w1.Start())
	active := w1.ActiveFile()

	// simulate recovery having cleared IN_USE on the active file
	var zero [2]byte
	f, err := os.OpenFile(filepath.Join(dir, active), os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt(zero[:], int64(len(Magic))+FlagsOffset)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2 := NewWriter(dir, 1, 1<<20, im)
	require.NoError(t, w2.Start())

	data, err := os.ReadFile(filepath.Join(dir, active))
	require.NoError(t, err)
	fde, _, err := ReadEvent(newReaderAt(data, 4))
	require.NoError(t, err)
	assert.NotZero(t, fde.Header.Flags&FlagInUse, "reopening a writer must re-set IN_USE")
}
