package binlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxdb/binlog/server/engine"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Dir:          filepath.Join(dir, "binlog"),
		ServerID:     1,
		MaxLogSize:   1 << 20,
		CacheDir:     filepath.Join(dir, "cache"),
		CacheSize:    4096,
		MaxCacheSize: 1 << 20,
		GroupCommit:  GroupCommitConfig{Enabled: true, MinBatch: 100, SyncPeriod: 1},
	}
}

func TestBinlogOpenOnFreshDirHasNoRecovery(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Dir, 0755))
	require.NoError(t, os.MkdirAll(cfg.CacheDir, 0755))

	reg := engine.NewRegistry()
	bl, err := Open(context.Background(), cfg, reg)
	require.NoError(t, err)
	defer bl.Close()

	assert.Nil(t, bl.Recovery)
	assert.NotEmpty(t, bl.Writer.ActiveFile())
}

func TestBinlogEndToEndCommitThenRestartRecovers(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Dir, 0755))
	require.NoError(t, os.MkdirAll(cfg.CacheDir, 0755))

	eng := engine.NewMockEngine(false)
	reg := engine.NewRegistry()
	reg.Register("mock", eng)

	bl, err := Open(context.Background(), cfg, reg)
	require.NoError(t, err)

	sess := testHandle(t)
	cache := bl.TwoPC.cacheFor(sess)
	require.NoError(t, cache.AppendTyped(cfg.ServerID, EventQuery, []byte("BEGIN")))
	require.NoError(t, bl.TwoPC.Commit(context.Background(), sess, true))

	sizeAfterCommit := bl.Writer.Size()
	require.NoError(t, bl.Close())

	// restart against the same directory: recovery must see a clean
	// shutdown (IN_USE cleared) and no data loss.
	bl2, err := Open(context.Background(), cfg, reg)
	require.NoError(t, err)
	defer bl2.Close()

	require.NotNil(t, bl2.Recovery)
	assert.False(t, bl2.Recovery.WasUnclean)
	assert.Equal(t, sizeAfterCommit, bl2.Recovery.ValidPos)
}
