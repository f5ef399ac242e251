package types

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine readable classification of a CDC failure.
type ErrorCode string

const (
	ConnectionFailed            ErrorCode = "connection_failed"
	PositionInvalid             ErrorCode = "position_invalid"
	StreamInterrupted           ErrorCode = "stream_interrupted"
	HandlerFailed               ErrorCode = "handler_failed"
	DeserializationFailed       ErrorCode = "deserialization_failed"
	PositionStoreFailed         ErrorCode = "position_store_failed"
	ShardNotFound               ErrorCode = "shard_not_found"
	ShardStreamFailed           ErrorCode = "shard_stream_failed"
	DeadLetterStoreFailed       ErrorCode = "dead_letter_store_failed"
	DeadLetterNotFound          ErrorCode = "dead_letter_not_found"
	DeadLetterAlreadyResolved   ErrorCode = "dead_letter_already_resolved"
	DeadLetterInvalidResolution ErrorCode = "dead_letter_invalid_resolution"
)

// Sentinels for errors.Is; matching is done on the code only.
var (
	ErrConnectionFailed            = &Error{Code: ConnectionFailed}
	ErrPositionInvalid             = &Error{Code: PositionInvalid}
	ErrStreamInterrupted           = &Error{Code: StreamInterrupted}
	ErrHandlerFailed               = &Error{Code: HandlerFailed}
	ErrDeserializationFailed       = &Error{Code: DeserializationFailed}
	ErrPositionStoreFailed         = &Error{Code: PositionStoreFailed}
	ErrShardNotFound               = &Error{Code: ShardNotFound}
	ErrShardStreamFailed           = &Error{Code: ShardStreamFailed}
	ErrDeadLetterStoreFailed       = &Error{Code: DeadLetterStoreFailed}
	ErrDeadLetterNotFound          = &Error{Code: DeadLetterNotFound}
	ErrDeadLetterAlreadyResolved   = &Error{Code: DeadLetterAlreadyResolved}
	ErrDeadLetterInvalidResolution = &Error{Code: DeadLetterInvalidResolution}
)

// Error is the single error type returned by every CDC component.
type Error struct {
	Code    ErrorCode
	Message string
	// ShardID is set for errors raised by the sharded connector.
	ShardID string
	Err     error
}

// NewError builds an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying failure.
func WrapError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.ShardID != "" {
		msg = fmt.Sprintf("%s[shard=%s]", msg, e.ShardID)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the outermost ErrorCode found in the chain, or "" for foreign errors.
func CodeOf(err error) ErrorCode {
	var cdcErr *Error
	if errors.As(err, &cdcErr) {
		return cdcErr.Code
	}
	return ""
}
