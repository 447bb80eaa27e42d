package binlog

import (
	"github.com/juju/errors"
)

// Kind distinguishes the error taxonomy in spec §7. The 2PC interface
// (server/binlog.TwoPC) returns errors, not a boolean success: a failed
// call hands its caller the error itself, which may be (or wrap) an
// *Error carrying one of these kinds; IsKind tells them apart.
type Kind int

const (
	KindNone Kind = iota
	KindCacheFull
	KindWriteIOError
	KindFsyncError
	KindRotationError
	KindPurgeMissingFile
	KindPurgeStatError
	KindRecoveryError
	KindIndexInconsistency
)

func (k Kind) String() string {
	switch k {
	case KindCacheFull:
		return "cache-full"
	case KindWriteIOError:
		return "write-io-error"
	case KindFsyncError:
		return "fsync-error"
	case KindRotationError:
		return "rotation-error"
	case KindPurgeMissingFile:
		return "purge-missing-file"
	case KindPurgeStatError:
		return "purge-stat-error"
	case KindRecoveryError:
		return "recovery-error"
	case KindIndexInconsistency:
		return "index-inconsistency"
	default:
		return "none"
	}
}

// Error wraps an underlying cause with a Kind so the sticky-flag logic
// in writer.go can dispatch on it without string-matching.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

func (e *Error) Cause() error { return e.cause }

func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, cause: errors.Annotate(cause, msg)}
}

// ErrCacheFull is returned (not just logged) whenever a cache write
// would exceed max_cache_size; the session must reset per §4.B.
var ErrCacheFull = &Error{Kind: KindCacheFull}

// IsKind reports whether err (or something it wraps) carries kind.
func IsKind(err error, kind Kind) bool {
	var be *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			be = e
			break
		}
		err = errors.Cause(err)
		if e, ok := err.(*Error); ok {
			be = e
			break
		}
		break
	}
	return be != nil && be.Kind == kind
}
