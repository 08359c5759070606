package stream

import (
	"errors"
	"fmt"
)

// Codec error kinds. A *CodecError wraps exactly one of these.
var (
	ErrBadMagic           = errors.New("not a command stream")
	ErrVersionMismatch    = errors.New("unsupported command stream version")
	ErrTruncated          = errors.New("truncated input")
	ErrUnknownOpcode      = errors.New("unknown opcode")
	ErrUnknownAgentType   = errors.New("unknown agent type")
	ErrUnknownCommandType = errors.New("unknown command type")
	ErrUnknownCounter     = errors.New("unknown counter name")
	ErrUnknownEnum        = errors.New("unrecognised enumerated value")
	ErrMalformedText      = errors.New("malformed text stream")
)

// NoOffset marks a CodecError from the text parser, which reports the
// element path instead of a byte offset.
const NoOffset = -1

// CodecError reports a failure to encode, decode or parse a stream.
type CodecError struct {
	// Offset is the byte offset in the binary, or the input offset of the
	// element in the text. NoOffset when unknown.
	Offset int
	// Field names the field or element being processed.
	Field  string
	Detail string
	Err    error
}

func (e *CodecError) Error() string {
	msg := e.Err.Error()
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Offset >= 0 {
		msg = fmt.Sprintf("offset %d: %s", e.Offset, msg)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *CodecError) Unwrap() error { return e.Err }

func codecErr(offset int, field string, kind error, format string, args ...any) *CodecError {
	return &CodecError{Offset: offset, Field: field, Detail: fmt.Sprintf(format, args...), Err: kind}
}

// IsCodecError reports whether err carries a CodecError.
func IsCodecError(err error) bool {
	var ce *CodecError
	return errors.As(err, &ce)
}
