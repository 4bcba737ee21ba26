// Package engineerr defines the recording engine's error taxonomy.
//
// Components classify failures by intent (Kind), not by exception type, so
// callers can map a Kind to an HTTP status or a recovery action in one
// place instead of string-matching error messages.
package engineerr

import "fmt"

// Kind classifies the intent of an error across the recording engine.
type Kind int

const (
	// Unknown is the zero value; Err values constructed outside this
	// package default to Unknown and are treated as IoError by callers
	// that switch on Kind.
	Unknown Kind = iota

	// NotFound covers an unknown camera id, unknown stream tag, or a
	// query range entirely outside retained data.
	NotFound

	// InvalidArgument covers a malformed query, a reversed range, or a
	// non-monotone write. No internal state is mutated before this is
	// returned.
	InvalidArgument

	// IoError covers disk-full, short-read, and catalog corruption on a
	// single block.
	IoError

	// DecodeError covers a broken key frame or a codec init failure in
	// the Motion Engine.
	DecodeError

	// TransientSourceError covers a Media Source connection failure that
	// occurred before the first sample was observed.
	TransientSourceError

	// PluginError covers a failure at the Plugin Host boundary. Plugin
	// return values are otherwise ignored.
	PluginError
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidArgument:
		return "invalid_argument"
	case IoError:
		return "io_error"
	case DecodeError:
		return "decode_error"
	case TransientSourceError:
		return "transient_source_error"
	case PluginError:
		return "plugin_error"
	default:
		return "unknown"
	}
}

// Error is the engine's single error type. Components construct one with
// the relevant Kind and wrap the underlying cause, if any.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "storagefile.WriteFrame"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an *Error wrapping an existing error.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else Unknown.
func KindOf(err error) Kind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return Unknown
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
