// Package fault classifies errors crossing component boundaries so callers
// can branch on what went wrong without matching message strings.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies a failure category. Kinds are stable strings: they are
// persisted on job records and document rows, so renaming one is a
// migration, not a refactor.
type Kind string

const (
	NotFound           Kind = "not_found"
	UnsupportedMIME    Kind = "unsupported_mime"
	ValidationError    Kind = "validation_error"
	Cancelled          Kind = "cancelled"
	StorageError       Kind = "storage_error"
	EncodingError      Kind = "encoding_error"
	EmptyContent       Kind = "empty_content"
	EncryptedSource    Kind = "encrypted_source"
	InvalidSource      Kind = "invalid_source"
	ParseError         Kind = "parse_error"
	EmbeddingFailed    Kind = "embedding_failed"
	DatabaseError      Kind = "database_error"
	Stalled            Kind = "stalled"
	MaxRetriesExceeded Kind = "max_retries_exceeded"
	Timeout            Kind = "timeout"
	HandlerError       Kind = "handler_error"
	Unknown            Kind = "unknown"
)

// Error carries a Kind alongside a wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the Kind of err, walking the wrap chain. Errors without a
// classification report Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
