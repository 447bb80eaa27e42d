package conf

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/nyxdb/binlog/logger"

	"gopkg.in/ini.v1"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

// Cfg holds every runtime-mutable option named in spec §6, plus the
// logging/session knobs the ambient stack needs. Fields are loaded from
// an ini.File the way the server's original my.ini-style config is:
// section-scoped keys with typed defaults.
type Cfg struct {
	Raw *ini.File

	DataDir string
	AppName string

	LogError string `default:"log/error.log" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"log/binlog.log" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`

	// binlog (§6)
	BinlogDir               string `default:"binlog" yaml:"binlog_dir" json:"binlog_dir,omitempty"`
	MaxLogSize              int64  `default:"1073741824" yaml:"max_log_size" json:"max_log_size,omitempty"`
	SyncPeriod              int    `default:"1" yaml:"sync_period" json:"sync_period,omitempty"`
	ExpireDays              int    `default:"0" yaml:"expire_days" json:"expire_days,omitempty"`
	CacheSize               int64  `default:"32768" yaml:"cache_size" json:"cache_size,omitempty"`
	MaxCacheSize            int64  `default:"4294967296" yaml:"max_cache_size" json:"max_cache_size,omitempty"`
	BinlogDirectNonTransUpd bool   `default:"false" yaml:"binlog_direct_non_trans_update" json:"binlog_direct_non_trans_update,omitempty"`
	KeepLog                 bool   `default:"false" yaml:"keep_log" json:"keep_log,omitempty"`

	// group commit (§4.F/§6)
	GroupCommitEnabled       bool   `default:"true" yaml:"group_commit_enabled" json:"group_commit_enabled,omitempty"`
	GroupCommitMinBatch      int    `default:"4" yaml:"group_commit_min_batch" json:"group_commit_min_batch,omitempty"`
	GroupCommitTimeoutUsec   int    `default:"1000" yaml:"group_commit_timeout_usec" json:"group_commit_timeout_usec,omitempty"`
	GroupCommitHangLogSec    int    `default:"4" yaml:"group_commit_hang_log_sec" json:"group_commit_hang_log_sec,omitempty"`
	GroupCommitHangDisableSec int   `default:"10" yaml:"group_commit_hang_disable_sec" json:"group_commit_hang_disable_sec,omitempty"`
	SlowFsyncThresholdUsec   int    `default:"1000000" yaml:"slow_fsync_threshold_usec" json:"slow_fsync_threshold_usec,omitempty"`

	// session
	SessionTimeout         string `default:"60s" yaml:"session_timeout" json:"session_timeout,omitempty"`
	SessionTimeoutDuration time.Duration
	SessionNumber          int `default:"1000" yaml:"session_number" json:"session_number,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:                       ini.Empty(),
		DataDir:                   "data",
		AppName:                   "nyxdb-binlogd",
		LogError:                  "log/error.log",
		LogInfos:                  "log/binlog.log",
		LogLevel:                  "info",
		BinlogDir:                 "binlog",
		MaxLogSize:                1 << 30,
		SyncPeriod:                1,
		ExpireDays:                0,
		CacheSize:                 32 * 1024,
		MaxCacheSize:              4 << 30,
		GroupCommitEnabled:        true,
		GroupCommitMinBatch:       4,
		GroupCommitTimeoutUsec:    1000,
		GroupCommitHangLogSec:     4,
		GroupCommitHangDisableSec: 10,
		SlowFsyncThresholdUsec:    1_000_000,
		SessionTimeout:            "60s",
		SessionNumber:             1000,
	}
}

// Load reads the ini file named by args, falling back to NewCfg's
// defaults for anything absent, and returns cfg for chaining. When args
// names no file, nothing is read and every option keeps its default.
func (cfg *Cfg) Load(args *CommandLineArgs) *Cfg {
	setHomePath(args)
	iniFile, err := cfg.loadConfiguration(args)
	if err != nil {
		logger.Warnf("no config file loaded, using defaults: %v", err)
		iniFile = ini.Empty()
	}
	cfg.Raw = iniFile

	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	cfg.parseBinlogCfg(cfg.Raw.Section("binlog"))
	cfg.parseGroupCommitCfg(cfg.Raw.Section("group_commit"))
	cfg.parseSessionCfg(cfg.Raw.Section("session"))
	return cfg
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}
	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	if args.ConfigPath == "" {
		return ini.Empty(), nil
	}
	return ini.Load(args.ConfigPath)
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) *Cfg {
	logError, _ := valueAsString(section, "log_error", cfg.LogError)
	cfg.LogError = logError

	logInfos, _ := valueAsString(section, "log_infos", cfg.LogInfos)
	cfg.LogInfos = logInfos

	logLevel, _ := valueAsString(section, "log_level", cfg.LogLevel)
	cfg.LogLevel = strings.ToLower(logLevel)
	return cfg
}

func (cfg *Cfg) parseBinlogCfg(section *ini.Section) *Cfg {
	dir, _ := valueAsString(section, "binlog_dir", cfg.BinlogDir)
	cfg.BinlogDir = dir

	cfg.MaxLogSize = valueAsInt64(section, "max_log_size", cfg.MaxLogSize)
	cfg.SyncPeriod = int(valueAsInt64(section, "sync_period", int64(cfg.SyncPeriod)))
	cfg.ExpireDays = int(valueAsInt64(section, "expire_days", int64(cfg.ExpireDays)))
	cfg.CacheSize = valueAsInt64(section, "cache_size", cfg.CacheSize)
	cfg.MaxCacheSize = valueAsInt64(section, "max_cache_size", cfg.MaxCacheSize)
	cfg.BinlogDirectNonTransUpd = valueAsBool(section, "binlog_direct_non_trans_update", cfg.BinlogDirectNonTransUpd)
	cfg.KeepLog = valueAsBool(section, "keep_log", cfg.KeepLog)
	return cfg
}

func (cfg *Cfg) parseGroupCommitCfg(section *ini.Section) *Cfg {
	cfg.GroupCommitEnabled = valueAsBool(section, "group_commit_enabled", cfg.GroupCommitEnabled)
	cfg.GroupCommitMinBatch = int(valueAsInt64(section, "group_commit_min_batch", int64(cfg.GroupCommitMinBatch)))
	cfg.GroupCommitTimeoutUsec = int(valueAsInt64(section, "group_commit_timeout_usec", int64(cfg.GroupCommitTimeoutUsec)))
	cfg.GroupCommitHangLogSec = int(valueAsInt64(section, "group_commit_hang_log_sec", int64(cfg.GroupCommitHangLogSec)))
	cfg.GroupCommitHangDisableSec = int(valueAsInt64(section, "group_commit_hang_disable_sec", int64(cfg.GroupCommitHangDisableSec)))
	cfg.SlowFsyncThresholdUsec = int(valueAsInt64(section, "slow_fsync_threshold_usec", int64(cfg.SlowFsyncThresholdUsec)))
	return cfg
}

func (cfg *Cfg) parseSessionCfg(section *ini.Section) *Cfg {
	timeout, _ := valueAsString(section, "session_timeout", cfg.SessionTimeout)
	cfg.SessionTimeout = timeout
	if d, err := time.ParseDuration(timeout); err == nil {
		cfg.SessionTimeoutDuration = d
	} else {
		cfg.SessionTimeoutDuration = 60 * time.Second
	}
	cfg.SessionNumber = int(valueAsInt64(section, "session_number", int64(cfg.SessionNumber)))
	return cfg
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) (value string, err error) {
	if section == nil {
		return defaultValue, nil
	}
	value = section.Key(keyName).MustString(defaultValue)
	if value == "" {
		value = defaultValue
	}
	return value, nil
}

func valueAsInt64(section *ini.Section, keyName string, defaultValue int64) int64 {
	if section == nil {
		return defaultValue
	}
	return section.Key(keyName).MustInt64(defaultValue)
}

func valueAsBool(section *ini.Section, keyName string, defaultValue bool) bool {
	if section == nil {
		return defaultValue
	}
	return section.Key(keyName).MustBool(defaultValue)
}
