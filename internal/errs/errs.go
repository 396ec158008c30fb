// Package errs defines the failure kinds shared by the readers, writers,
// matcher and rewrite engine.
//
// Every failure surfaced to a caller is an *Error carrying a Kind, an
// optional context (a path, topic or channel) and a message. Kinds are
// compared with errors.Is against the Err* sentinels, which keeps the check
// working through fmt.Errorf("...: %w") wrapping.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	NotFound Kind = iota + 1
	UnsupportedFormat
	MalformedContainer
	UnknownChannel
	DuplicateChannel
	WriterClosed
	DecodeFailure
	EncodeFailure
	InvalidSchema
	InvalidArgument
	IOFailure
)

var kindNames = map[Kind]string{
	NotFound:           "NotFound",
	UnsupportedFormat:  "UnsupportedFormat",
	MalformedContainer: "MalformedContainer",
	UnknownChannel:     "UnknownChannel",
	DuplicateChannel:   "DuplicateChannel",
	WriterClosed:       "WriterClosed",
	DecodeFailure:      "DecodeFailure",
	EncodeFailure:      "EncodeFailure",
	InvalidSchema:      "InvalidSchema",
	InvalidArgument:    "InvalidArgument",
	IOFailure:          "IOFailure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels for errors.Is.
var (
	ErrNotFound           = &Error{Kind: NotFound}
	ErrUnsupportedFormat  = &Error{Kind: UnsupportedFormat}
	ErrMalformedContainer = &Error{Kind: MalformedContainer}
	ErrUnknownChannel     = &Error{Kind: UnknownChannel}
	ErrDuplicateChannel   = &Error{Kind: DuplicateChannel}
	ErrWriterClosed       = &Error{Kind: WriterClosed}
	ErrDecodeFailure      = &Error{Kind: DecodeFailure}
	ErrEncodeFailure      = &Error{Kind: EncodeFailure}
	ErrInvalidSchema      = &Error{Kind: InvalidSchema}
	ErrInvalidArgument    = &Error{Kind: InvalidArgument}
	ErrIOFailure          = &Error{Kind: IOFailure}
)

// Error is the structured failure value.
type Error struct {
	Kind    Kind
	Context string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Context != "" {
		msg += " [" + e.Context + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels compare by kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Context == "" || t.Context == e.Context)
}

// New builds an *Error with a formatted message.
func New(kind Kind, context, format string, args ...any) *Error {
	return &Error{Kind: kind, Context: context, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and context to err. A nil err yields nil.
func Wrap(err error, kind Kind, context, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Context: context, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// ContextOf returns the context string of the first *Error in err's chain.
func ContextOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return ""
}
