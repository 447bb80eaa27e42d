package binlog

import (
	"context"
	"path/filepath"
	"time"

	"github.com/juju/errors"

	"github.com/nyxdb/binlog/server/engine"
)

// Config collects the construction-time and runtime-mutable settings
// named in spec §6, trimmed to what Open needs to wire the core
// together (the rest — session table sizing, log levels — lives in
// server/conf.Cfg and is read by the caller before constructing this).
type Config struct {
	Dir          string
	ServerID     uint32
	MaxLogSize   int64
	CacheDir     string
	CacheSize    int64
	MaxCacheSize int64
	KeepLog      bool
	ExpireDays   int
	GroupCommit  GroupCommitConfig
}

// Binlog is the top-level handle wiring every component together,
// replacing the source's global singletons with an explicit,
// caller-owned context (spec §9).
type Binlog struct {
	Index       *IndexManager
	Writer      *Writer
	Purge       *PurgeEngine
	Readers     *ReaderTracker
	GroupCommit *GroupCommit
	Gate        *XidGate
	TwoPC       *TwoPC
	Engines     *engine.Registry

	// Recovery is the result of the startup scan, nil on a fresh
	// install with no prior log file (spec §4.H).
	Recovery *RecoveryResult
}

// Open constructs every collaborator in dependency order: index,
// purge, recovery (which must run against whatever file the index
// names as active before the writer reopens it for further appends),
// writer, group commit, and finally the 2PC interface.
func Open(ctx context.Context, cfg Config, engines *engine.Registry) (*Binlog, error) {
	index, err := OpenIndexManager(filepath.Join(cfg.Dir, "binlog.index"))
	if err != nil {
		return nil, errors.Annotate(err, "opening binlog index")
	}

	readers := NewReaderTracker()
	purge := NewPurgeEngine(index, readers, cfg.Dir)

	recovery, err := Recover(ctx, cfg.Dir, index, engines)
	if err != nil {
		return nil, errors.Annotate(err, "binlog recovery")
	}

	writer := NewWriter(cfg.Dir, cfg.ServerID, cfg.MaxLogSize, index)
	if err := writer.Start(); err != nil {
		return nil, errors.Annotate(err, "starting binlog writer")
	}

	gate := NewXidGate()
	gc := NewGroupCommit(cfg.GroupCommit, writer.Fsync)

	twopcCfg := TwoPCConfig{
		ServerID:     cfg.ServerID,
		SpillDir:     cfg.CacheDir,
		CacheSize:    cfg.CacheSize,
		MaxCacheSize: cfg.MaxCacheSize,
		KeepLog:      cfg.KeepLog,
		ExpireDays:   cfg.ExpireDays,
	}
	twopc := NewTwoPC(twopcCfg, writer, index, purge, gc, engines, gate)

	return &Binlog{
		Index:       index,
		Writer:      writer,
		Purge:       purge,
		Readers:     readers,
		GroupCommit: gc,
		Gate:        gate,
		TwoPC:       twopc,
		Engines:     engines,
		Recovery:    recovery,
	}, nil
}

// PurgeOlderThanConfigured runs the time-based purge trigger using
// expire_days relative to now; exposed for a periodic caller (e.g. a
// server-internal maintenance thread, spec §5 "handful of
// server-internal threads").
func (b *Binlog) PurgeOlderThanConfigured(expireDays int) ([]string, error) {
	if expireDays <= 0 {
		return nil, nil
	}
	cutoff := time.Now().AddDate(0, 0, -expireDays)
	return b.Purge.PurgeOlderThan(cutoff)
}

// Close shuts the writer down cleanly (clears IN_USE, fsyncs).
func (b *Binlog) Close() error {
	return b.TwoPC.Close()
}
