package graphkey

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind identifies which fault a *Error represents, per the error
// taxonomy: bad-key, bad-value, bad-ref-list-shape, duplicate-key,
// bad-signature, bad-options, bad-data, no-such-file.
type ErrorKind int

const (
	// BadKey: key arity wrong, element empty, or contains a forbidden byte.
	BadKey ErrorKind = iota
	// BadValue: value contains NUL or LF.
	BadValue
	// BadRefListShape: reference-list count does not match ref_lists.
	BadRefListShape
	// DuplicateKey: add-duplicate during build, or the same key surfaced
	// from two backing indices during merge.
	DuplicateKey
	// BadSignature: file's leading bytes do not match the expected signature.
	BadSignature
	// BadOptions: a required header option line is missing or unparseable.
	BadOptions
	// BadData: unknown page type, decompression failure, trailing garbage,
	// or an internal page's offset pointing outside its row.
	BadData
	// NoSuchFile: the transport reports the backing file missing.
	NoSuchFile
)

func (k ErrorKind) String() string {
	switch k {
	case BadKey:
		return "bad-key"
	case BadValue:
		return "bad-value"
	case BadRefListShape:
		return "bad-ref-list-shape"
	case DuplicateKey:
		return "duplicate-key"
	case BadSignature:
		return "bad-signature"
	case BadOptions:
		return "bad-options"
	case BadData:
		return "bad-data"
	case NoSuchFile:
		return "no-such-file"
	default:
		return "unknown-error-kind"
	}
}

// Error is the typed fault raised by every package in this module. It
// identifies both the kind of fault and the subject (a file name, a key,
// or a record index) that triggered it, and preserves a stack trace from
// the point it was constructed.
type Error struct {
	kind    ErrorKind
	subject string
	msg     string
	cause   error
}

func newError(kind ErrorKind, subject, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	e := &Error{kind: kind, subject: subject, msg: msg}
	e.cause = errors.New(e.Error())
	return e
}

// Wrap constructs an *Error of the given kind wrapping cause, preserving
// cause's stack trace context via github.com/pkg/errors.
func Wrap(kind ErrorKind, subject string, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{kind: kind, subject: subject, msg: msg, cause: errors.Wrap(cause, msg)}
}

// New constructs an *Error of the given kind with a formatted message and
// a freshly captured stack trace.
func New(kind ErrorKind, subject, format string, args ...any) *Error {
	return newError(kind, subject, format, args...)
}

func (e *Error) Error() string {
	if e.subject != "" {
		return fmt.Sprintf("%s: %s: %s", e.kind, e.subject, e.msg)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Kind reports which fault this error represents.
func (e *Error) Kind() ErrorKind { return e.kind }

// Subject reports the file name, key, or record index that triggered the
// fault, if any.
func (e *Error) Subject() string { return e.subject }

// Unwrap exposes the wrapped stack-trace-carrying cause so errors.Is/As
// see through to it. *Error has no Cause method, so
// github.com/pkg/errors.Cause stops at the *Error itself.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is a *Error of the same Kind, so callers can
// write errors.Is(err, graphkey.ErrNoSuchFile) style sentinels via the
// kind-tagged sentinel values below.
func (e *Error) Is(target error) bool {
	kindErr, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == kindErr.kind
}

// Sentinel values for errors.Is comparisons against a specific kind,
// ignoring subject/message.
var (
	ErrBadKey          = &Error{kind: BadKey}
	ErrBadValue        = &Error{kind: BadValue}
	ErrBadRefListShape = &Error{kind: BadRefListShape}
	ErrDuplicateKey    = &Error{kind: DuplicateKey}
	ErrBadSignature    = &Error{kind: BadSignature}
	ErrBadOptions      = &Error{kind: BadOptions}
	ErrBadData         = &Error{kind: BadData}
	ErrNoSuchFile      = &Error{kind: NoSuchFile}
)
