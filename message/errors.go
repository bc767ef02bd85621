package message

import (
	"errors"
	"fmt"
)

// Error is an RPC error with an explicit code. When returned from a handler its code and
// message are sent to the peer verbatim.
type Error struct {
	Code    int
	Message string
}

func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Is matches errors with the same code, so a reply decoded off the wire satisfies
// errors.Is(err, ErrJobNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Base codes, shared numbering with JSON-RPC.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
)

// Stratum codes.
const (
	CodeUnknown            = 20
	CodeJobNotFound        = 21
	CodeDuplicateShare     = 22
	CodeLowDifficultyShare = 23
	CodeUnauthorized       = 24
	CodeNotSubscribed      = 25
)

var (
	ErrParse          = NewError(CodeParseError, "Parse error")
	ErrInvalidRequest = NewError(CodeInvalidRequest, "Invalid Request")
	ErrMethodNotFound = NewError(CodeMethodNotFound, "Method not found")
	ErrInvalidParams  = NewError(CodeInvalidParams, "Invalid params")
	ErrServer         = NewError(CodeServerError, "Server error")

	ErrUnknown            = NewError(CodeUnknown, "Other/Unknown")
	ErrJobNotFound        = NewError(CodeJobNotFound, "Job not found (=stale)")
	ErrDuplicateShare     = NewError(CodeDuplicateShare, "Duplicate share")
	ErrLowDifficultyShare = NewError(CodeLowDifficultyShare, "Low difficulty share")
	ErrUnauthorized       = NewError(CodeUnauthorized, "Unauthorized worker")
	ErrNotSubscribed      = NewError(CodeNotSubscribed, "Not subscribed")
)

// Reply-side failures, raised while decoding a response on the client.
var (
	ErrInvalidReply = errors.New("invalid reply")
	ErrMissingID    = fmt.Errorf("%w: missing id in response", ErrInvalidReply)
)

// Class tags an error that has no code of its own.
type Class int

const (
	ClassInvalidRequest Class = iota + 1
	ClassMethodNotFound
)

func (c Class) String() string {
	switch c {
	case ClassInvalidRequest:
		return "invalid request"
	case ClassMethodNotFound:
		return "method not found"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ClassError classifies an underlying error. It resolves to the fixed code and message of
// its class, never to its own text.
type ClassError struct {
	Class Class
	Err   error
}

func (e *ClassError) Error() string {
	if e.Err == nil {
		return e.Class.String()
	}
	return e.Class.String() + ": " + e.Err.Error()
}

func (e *ClassError) Unwrap() error {
	return e.Err
}

// InvalidRequest returns an invalid-request classified error.
func InvalidRequest(format string, args ...any) error {
	return &ClassError{Class: ClassInvalidRequest, Err: fmt.Errorf(format, args...)}
}

// MethodNotFound returns a method-not-found classified error for method.
func MethodNotFound(method string) error {
	return &ClassError{Class: ClassMethodNotFound, Err: fmt.Errorf("unknown method %q", method)}
}

// Resolve maps err to the code and message sent to the peer. Precedence:
//  1. an explicit *Error anywhere in the chain, verbatim
//  2. ClassInvalidRequest → ErrInvalidRequest
//  3. ClassMethodNotFound → ErrMethodNotFound
//  4. anything else → CodeServerError carrying err.Error()
//
// A plain errors.New("...") is the unspecified case and falls through to 4.
func Resolve(err error) (int, string) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}
	var classed *ClassError
	if errors.As(err, &classed) {
		switch classed.Class {
		case ClassInvalidRequest:
			return ErrInvalidRequest.Code, ErrInvalidRequest.Message
		case ClassMethodNotFound:
			return ErrMethodNotFound.Code, ErrMethodNotFound.Message
		}
	}
	return CodeServerError, err.Error()
}
