package binlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPurgeFixture(t *testing.T, names ...string) (*PurgeEngine, *IndexManager, string) {
	t.Helper()
	dir := t.TempDir()
	im, err := OpenIndexManager(filepath.Join(dir, "binlog.index"))
	require.NoError(t, err)
	for _, n := range names {
		require.NoError(t, im.Append(n))
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0644))
	}
	return NewPurgeEngine(im, NewReaderTracker(), dir), im, dir
}

func TestPurgeEngineNeverRemovesTheActiveFile(t *testing.T) {
	p, im, dir := setupPurgeFixture(t, "binlog.000001", "binlog.000002")

	victims, err := p.PurgeBefore("binlog.000002", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"binlog.000001"}, victims)
	assert.Equal(t, []string{"binlog.000002"}, im.Entries())

	_, err = os.Stat(filepath.Join(dir, "binlog.000002"))
	assert.NoError(t, err, "active file must survive purge")
}

func TestPurgeEngineStopsAtHeldReader(t *testing.T) {
	dir := t.TempDir()
	im, err := OpenIndexManager(filepath.Join(dir, "binlog.index"))
	require.NoError(t, err)
	readers := NewReaderTracker()
	for _, n := range []string{"binlog.000001", "binlog.000002", "binlog.000003"} {
		require.NoError(t, im.Append(n))
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0644))
	}
	readers.Acquire("binlog.000001")
	p := NewPurgeEngine(im, readers, dir)

	victims, err := p.PurgeBefore("binlog.000003", false)
	require.NoError(t, err)
	assert.Empty(t, victims, "a live reader on the first candidate blocks the whole prefix")
	assert.Equal(t, []string{"binlog.000001", "binlog.000002", "binlog.000003"}, im.Entries())
}

func TestPurgeEngineOlderThanUsesMtime(t *testing.T) {
	p, im, dir := setupPurgeFixture(t, "binlog.000001", "binlog.000002")
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "binlog.000001"), old, old))

	victims, err := p.PurgeOlderThan(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"binlog.000001"}, victims)
	assert.Equal(t, []string{"binlog.000002"}, im.Entries())
}

func TestPurgeEngineNoVictimsIsNoOp(t *testing.T) {
	p, im, _ := setupPurgeFixture(t, "binlog.000001")
	victims, err := p.PurgeOlderThan(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Nil(t, victims)
	assert.Equal(t, []string{"binlog.000001"}, im.Entries())
}
