package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the worker must react to it.
type Kind string

const (
	// KindFatal terminates the process (startup credential missing, unsupported engine, ...).
	KindFatal Kind = "fatal"
	// KindTransient is retryable; exhaustion surfaces it to the caller.
	KindTransient Kind = "transient"
	// KindJob is local to one job and is always routed through failure handling.
	KindJob Kind = "job"
	// KindBestEffort is logged and swallowed.
	KindBestEffort Kind = "best_effort"
	// KindSession marks registration or token renewal failures.
	KindSession Kind = "session"
	// KindValidation marks malformed persisted or received data.
	KindValidation Kind = "validation"
)

// maxMessageLen bounds messages derived from foreign errors.
const maxMessageLen = 512

// Error is the typed error carried across burrow packages.
type Error struct {
	Kind    Kind
	Key     string
	Message string
	Err     error
}

// New creates a typed error.
func New(kind Kind, key, message string) *Error {
	return &Error{Kind: kind, Key: key, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, key, format string, args ...any) *Error {
	return &Error{Kind: kind, Key: key, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error around cause. The cause's normalized message is
// appended to message.
func Wrap(kind Kind, key string, cause error, message string) *Error {
	if cause != nil {
		message = message + " " + Message(cause)
	}
	return &Error{Kind: kind, Key: key, Message: message, Err: cause}
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s]: %s", e.Key, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the outermost typed error in err's chain, or
// the empty kind when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// KeyOf returns the key of the outermost typed error in err's chain.
func KeyOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Key
	}
	return ""
}

// Is reports whether any typed error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}

// HasKey reports whether any typed error in err's chain has the given key.
func HasKey(err error, key string) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Key == key {
			return true
		}
		err = fe.Err
	}
	return false
}

// SafeMessager is implemented by errors that know how to render themselves
// without leaking credentials or oversized payloads.
type SafeMessager interface {
	SafeMessage() string
}

// Message is the single normalization step applied before an error is logged
// or sent to the coordination server.
func Message(err error) string {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) && fe == err {
		return fe.Error()
	}

	var sm SafeMessager
	if errors.As(err, &sm) {
		return truncate(sm.SafeMessage())
	}

	return truncate(err.Error())
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	return s[:maxMessageLen] + "..."
}
