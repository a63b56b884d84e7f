// Package errors defines the error taxonomy shared by every tskv component.
//
// Every error surfaced across a component boundary carries a Kind so that
// callers (background jobs, the vnode controller, RPC handlers) can decide
// whether to retry, quarantine a file, or fail the caller outright without
// parsing error strings.
package errors

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Kind classifies an error by how the caller should react to it. It mirrors
// the taxonomy in the storage engine's design: none of these are Go error
// *types*, they are a property attached to a wrapped error.
type Kind int

const (
	// KindUnknown is the zero value; Wrap/New always set a real kind.
	KindUnknown Kind = iota
	// KindIO is a disk read/write failure. Retried at the operation level a
	// bounded number of times, else surfaced; a write that can no longer be
	// made durable must fail the client.
	KindIO
	// KindCorruption is a CRC mismatch in a record. The record is skipped in
	// read paths and logged, but does not abort recovery. A corrupt footer is
	// fatal for that file: the file is quarantined and excluded from the
	// Version on next open.
	KindCorruption
	// KindEOF is an expected end of a record file; an internal signal, not an
	// error at the API boundary.
	KindEOF
	// KindMeta is a metadata-service rejection (unknown tenant/db); surfaced
	// unchanged to the caller.
	KindMeta
	// KindResourceExhausted is raised when the memcache or flush queue is
	// saturated; writes fail fast so callers back off.
	KindResourceExhausted
	// KindInvalidArgument covers bad precision, a malformed predicate, or a
	// duplicate series on an update.
	KindInvalidArgument
	// KindStopped means the vnode is closing; surfaced to the caller so it
	// can retry elsewhere.
	KindStopped
	// KindReplication is a consensus network/timeout error; the consensus
	// module handles its own retry.
	KindReplication
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCorruption:
		return "corruption"
	case KindEOF:
		return "eof"
	case KindMeta:
		return "meta"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindStopped:
		return "stopped"
	case KindReplication:
		return "replication"
	default:
		return "unknown"
	}
}

type kindMark struct{ kind Kind }

func (kindMark) Error() string { return "" }

// New creates a new error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), kindMark{kind})
}

// Wrap attaches a Kind to an existing error, preserving its cause chain.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), kindMark{kind})
}

// GetKind extracts the Kind attached to err, or KindUnknown if none was set.
func GetKind(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, candidate := range []Kind{
		KindIO, KindCorruption, KindEOF, KindMeta, KindResourceExhausted,
		KindInvalidArgument, KindStopped, KindReplication,
	} {
		if errors.Is(err, kindMark{candidate}) {
			return candidate
		}
	}
	return KindUnknown
}

func (k kindMark) Is(target error) bool {
	other, ok := target.(kindMark)
	return ok && other.kind == k.kind
}

// Is, As and Cause re-export the cockroachdb/errors helpers so callers never
// need to import both packages.
var (
	Is    = errors.Is
	As    = errors.As
	Cause = errors.Cause
)

// RedactTenant formats a tenant/database identifier for inclusion in a log
// or error message without leaking it verbatim; callers outside this package
// should prefer %s with RedactTenant's result over embedding raw identifiers,
// since tenant identity is pass-through only (no quota enforcement) but
// still should not leak across tenant boundaries in shared logs.
func RedactTenant(tenant, database string) redact.RedactableString {
	return redact.Sprintf("%s/%s", tenant, database)
}

// IsEOF reports whether err signals a clean end-of-file on a record stream.
func IsEOF(err error) bool { return GetKind(err) == KindEOF }

// ErrEOF is the canonical EOF sentinel used by record-file readers.
var ErrEOF = New(KindEOF, "eof")

// ErrStopped is returned by vnode operations invoked after a close signal.
var ErrStopped = New(KindStopped, "vnode is stopped")
