// Package ferr defines the typed error kinds shared across the mapper,
// cache, encoder, and pipeline packages, and the single place those kinds
// are translated into FUSE errno values.
package ferr

import (
	"errors"
	"fmt"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// Kind classifies why an operation failed. Every error kind spec.md names
// has exactly one Kind here; new call sites should reuse an existing kind
// rather than add one.
type Kind int

const (
	// Unknown is the zero value; it should never be returned deliberately.
	Unknown Kind = iota
	// NotFound means a path, mount name, or cache key is not known.
	NotFound
	// InvalidInput means a virtual path or request was malformed.
	InvalidInput
	// Unreadable means the encoder could not read the source file.
	Unreadable
	// Undecodable means the source bytes were not a decodable image.
	Undecodable
	// Unsupported means the decoded pixel format can't be encoded.
	Unsupported
	// EncoderFailed means the HEIC encoder itself returned an error.
	EncoderFailed
	// CacheIoError means a disk operation on the artifact cache failed.
	CacheIoError
	// Cancelled means the operation was abandoned due to shutdown.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case InvalidInput:
		return "invalid input"
	case Unreadable:
		return "unreadable"
	case Undecodable:
		return "undecodable"
	case Unsupported:
		return "unsupported"
	case EncoderFailed:
		return "encoder failed"
	case CacheIoError:
		return "cache io error"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a typed error carrying a Kind plus an optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an *Error with the given kind and operation name, wrapping
// cause if non-nil.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the Kind from err, returning Unknown if err is nil or not
// (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// ToErrno maps err to the FUSE status spec.md §7 specifies. This is only
// ever called at the internal/heicfs boundary — internal packages pass
// *Error values around untranslated.
func ToErrno(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	switch KindOf(err) {
	case NotFound:
		return fuse.ENOENT
	case InvalidInput:
		return fuse.EINVAL
	case Cancelled:
		return fuse.EIO
	case Unreadable, Undecodable, Unsupported, EncoderFailed, CacheIoError, Unknown:
		return fuse.EIO
	default:
		return fuse.EIO
	}
}
