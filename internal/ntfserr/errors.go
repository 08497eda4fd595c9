// Package ntfserr defines the error categories surfaced by the NTFS core.
//
// Callers should use errors.Is against the sentinel values here rather than
// comparing error strings; wrapped errors (via fmt.Errorf("%w", ...) or
// xerrors.Errorf) still match.
package ntfserr

import "golang.org/x/xerrors"

// Kind categorizes an error the way the on-disk engine reports it to its
// callers. Kind values are deliberately coarse: they mirror the recovery
// policy attached to each class of failure, not the internal fault.
type Kind int

const (
	_ Kind = iota

	// NotFound means no such attribute, index entry, or inode exists.
	NotFound
	// Exists means a create collided with an existing name or id.
	Exists
	// NoSpace means cluster or MFT-record allocation failed.
	NoSpace
	// NoRoom means an MFT record has no space for an attribute. Callers
	// inside the engine recover from this by growing an attribute list or
	// allocating a subrecord; it must never reach an external caller.
	NoRoom
	// BadFormat means on-disk corruption was detected: a bad fixup, a
	// malformed run list, an out-of-bounds attribute, a bad signature or
	// sequence number.
	BadFormat
	// IO means the underlying block device returned an error.
	IO
	// TooLarge means a value exceeds a hard limit (MAX_EA_DATA_SIZE, a
	// volume's maxbytes, ...).
	TooLarge
	// NameTooLong means a name exceeds 255 UTF-16 code units.
	NameTooLong
	// NotEmpty means a directory removal was attempted while it still had
	// entries.
	NotEmpty
	// NotSupported means the requested feature is unavailable on this
	// volume (e.g. encrypted streams).
	NotSupported
	// ReplayNeeded means a writer was invoked before $LogFile replay ran.
	ReplayNeeded
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not-found"
	case Exists:
		return "exists"
	case NoSpace:
		return "no-space"
	case NoRoom:
		return "no-room"
	case BadFormat:
		return "bad-format"
	case IO:
		return "io-error"
	case TooLarge:
		return "too-large"
	case NameTooLong:
		return "name-too-long"
	case NotEmpty:
		return "not-empty"
	case NotSupported:
		return "not-supported"
	case ReplayNeeded:
		return "replay-needed"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause (which may be nil) with a Kind.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "mi.insert_attr"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is implements the target-comparison half of errors.Is: a *Error matches
// another *Error with the same Kind, and matches the sentinel values below.
func (e *Error) Is(target error) bool {
	if s, ok := target.(sentinel); ok {
		return e.Kind == Kind(s)
	}
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

type sentinel Kind

func (sentinel) Error() string { return "" }

// Sentinels for use with errors.Is(err, ntfserr.NotFoundErr), etc.
var (
	NotFoundErr     error = sentinel(NotFound)
	ExistsErr       error = sentinel(Exists)
	NoSpaceErr      error = sentinel(NoSpace)
	NoRoomErr       error = sentinel(NoRoom)
	BadFormatErr    error = sentinel(BadFormat)
	IOErr           error = sentinel(IO)
	TooLargeErr     error = sentinel(TooLarge)
	NameTooLongErr  error = sentinel(NameTooLong)
	NotEmptyErr     error = sentinel(NotEmpty)
	NotSupportedErr error = sentinel(NotSupported)
	ReplayNeededErr error = sentinel(ReplayNeeded)
)

// New builds a *Error, recording op for diagnostics.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is a convenience wrapper combining New with xerrors.Errorf-style
// formatting of the wrapped cause.
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: xerrors.Errorf(format, args...)}
}

// Is reports whether err (or anything it wraps) is classified as kind.
func Is(err error, kind Kind) bool {
	return xerrors.Is(err, sentinel(kind))
}
