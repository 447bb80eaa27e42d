package binlog

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"

	"github.com/nyxdb/binlog/logger"
	"github.com/nyxdb/binlog/server/engine"
)

// RecoveryResult summarizes what a startup scan found, for callers
// that want to log or assert on it (spec §4.H / §8 round-trip laws).
type RecoveryResult struct {
	File         string
	WasUnclean   bool
	ValidPos     int64
	PreparedXIDs map[uint64]struct{}
}

// Recover implements spec §4.H: locate the last indexed log file,
// confirm its magic, detect IN_USE (unclean shutdown), scan
// sequentially collecting prepared-but-unresolved XIDs while tracking
// the last transaction-safe offset, hand the XID set to every
// registered engine, then truncate the file to the valid position and
// clear IN_USE.
//
// A missing index (fresh install, nothing to recover) is not an
// error: Recover returns a nil result.
func Recover(ctx context.Context, dir string, index *IndexManager, engines *engine.Registry) (*RecoveryResult, error) {
	active := index.Active()
	if active == "" {
		return nil, nil
	}

	path := filepath.Join(dir, active)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, newErr(KindRecoveryError, err, "opening active log file for recovery")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, newErr(KindRecoveryError, err, "stat active log file")
	}

	var magicBuf [4]byte
	if _, err := io.ReadFull(f, magicBuf[:]); err != nil {
		return nil, newErr(KindRecoveryError, err, "reading log magic")
	}
	if magicBuf != Magic {
		return nil, newErr(KindRecoveryError, errors.New("bad magic"), "active log file has invalid magic")
	}

	fdeOffset := int64(len(Magic))
	fde, fdeRaw, err := ReadEvent(f)
	if err != nil {
		return nil, newErr(KindRecoveryError, err, "reading format description event")
	}
	wasUnclean := fde.Header.Flags&FlagInUse != 0

	offset := fdeOffset + int64(len(fdeRaw))
	validPos := offset

	preparedXids := make(map[uint64]struct{})
	inTransaction := false

	for {
		ev, raw, err := ReadEvent(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			// A corrupt or truncated tail is indistinguishable from a
			// crash mid-write: stop scanning here, never trust bytes
			// past the last fully-verified event (spec §4.H/§3 added).
			logger.Warnf("recovery: stopping scan of %s at offset %d: %v", active, offset, err)
			break
		}
		if !VerifyChecksum(raw) {
			logger.Warnf("recovery: checksum mismatch in %s at offset %d, truncating here", active, offset)
			break
		}

		offset += int64(len(raw))

		switch ev.Header.Type {
		case EventQuery:
			switch string(ev.Payload) {
			case "BEGIN":
				inTransaction = true
			case "COMMIT", "ROLLBACK":
				inTransaction = false
			}
		case EventXID:
			if len(ev.Payload) >= 8 {
				preparedXids[binary.BigEndian.Uint64(ev.Payload)] = struct{}{}
			}
			inTransaction = false
		}

		if !inTransaction {
			validPos = offset
		}
	}

	if engines != nil {
		if err := engines.Recover(ctx, preparedXids); err != nil {
			return nil, newErr(KindRecoveryError, err, "engine recovery")
		}
	}

	if validPos < info.Size() {
		if err := f.Truncate(validPos); err != nil {
			return nil, newErr(KindRecoveryError, err, "truncating log file to valid position")
		}
	}

	var flagsBuf [2]byte
	if _, err := f.WriteAt(flagsBuf[:], fdeOffset+FlagsOffset); err != nil {
		return nil, newErr(KindRecoveryError, err, "clearing IN_USE after recovery")
	}
	if err := f.Sync(); err != nil {
		return nil, newErr(KindRecoveryError, err, "fsync after recovery")
	}

	return &RecoveryResult{
		File:         active,
		WasUnclean:   wasUnclean,
		ValidPos:     validPos,
		PreparedXIDs: preparedXids,
	}, nil
}
