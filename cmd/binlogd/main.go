package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nyxdb/binlog/logger"
	"github.com/nyxdb/binlog/server/binlog"
	"github.com/nyxdb/binlog/server/conf"
	"github.com/nyxdb/binlog/server/engine"
)

const help = `
******************************************************************************************
 binlogd -- transactional write-ahead log and two-phase-commit coordinator
******************************************************************************************
 -configPath   path to an ini-style configuration file
******************************************************************************************
`

func main() {
	var configPath string
	flag.StringVar(&configPath, "configPath", "", "configuration file path")
	flag.Parse()
	if flag.Arg(0) == "help" {
		fmt.Print(help)
		return
	}

	args := &conf.CommandLineArgs{ConfigPath: configPath}
	cfg := conf.NewCfg().Load(args)

	logConfig := logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
	}
	if err := logger.InitLogger(logConfig); err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	logger.Info("binlogd starting")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Errorf("creating data dir: %v", err)
		os.Exit(1)
	}
	binlogDir := filepath.Join(cfg.DataDir, cfg.BinlogDir)
	if err := os.MkdirAll(binlogDir, 0755); err != nil {
		logger.Errorf("creating binlog dir: %v", err)
		os.Exit(1)
	}
	cacheDir := filepath.Join(cfg.DataDir, "binlog_cache")
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		logger.Errorf("creating cache spill dir: %v", err)
		os.Exit(1)
	}

	// Engines register themselves against this registry before Open
	// runs crash recovery, so recovery can ask every storage engine to
	// resolve its prepared transactions (spec §4.H/§9). A standalone
	// binlogd has no storage engine of its own to register; an
	// embedding process wires its engine(s) in here instead.
	engines := engine.NewRegistry()

	gcCfg := binlog.GroupCommitConfig{
		Enabled:            cfg.GroupCommitEnabled,
		MinBatch:           cfg.GroupCommitMinBatch,
		TimeoutUsec:        cfg.GroupCommitTimeoutUsec,
		HangLogSec:         cfg.GroupCommitHangLogSec,
		HangDisableSec:     cfg.GroupCommitHangDisableSec,
		SyncPeriod:         cfg.SyncPeriod,
		SlowFsyncThreshold: time.Duration(cfg.SlowFsyncThresholdUsec) * time.Microsecond,
	}

	blCfg := binlog.Config{
		Dir:          binlogDir,
		ServerID:     1,
		MaxLogSize:   cfg.MaxLogSize,
		CacheDir:     cacheDir,
		CacheSize:    cfg.CacheSize,
		MaxCacheSize: cfg.MaxCacheSize,
		KeepLog:      cfg.KeepLog,
		ExpireDays:   cfg.ExpireDays,
		GroupCommit:  gcCfg,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bl, err := binlog.Open(ctx, blCfg, engines)
	if err != nil {
		logger.Errorf("opening binlog: %v", err)
		os.Exit(1)
	}
	if bl.Recovery != nil && bl.Recovery.WasUnclean {
		logger.Warnf("recovered from unclean shutdown: file=%s valid_pos=%d prepared_xids=%d",
			bl.Recovery.File, bl.Recovery.ValidPos, len(bl.Recovery.PreparedXIDs))
	}
	logger.Info("binlogd ready")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("binlogd shutting down")
	if err := bl.Close(); err != nil {
		logger.Errorf("closing binlog: %v", err)
		os.Exit(1)
	}
}
