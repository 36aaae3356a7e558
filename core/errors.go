package core

import (
	"errors"
	"fmt"
	"strings"
)

// Domain identifies the subsystem an Error originates from.
type Domain string

// DomainKumbu is the domain of every error produced by this module.
const DomainKumbu Domain = "kumbu"

// ErrorCode is the numeric part of the error taxonomy. The zero value means
// "no error" and is what CodeOf reports for a nil error, which is how callers
// tell a soft absence (nil result, nil error) apart from a failure.
type ErrorCode int

const (
	CodeUnexpected ErrorCode = iota + 1
	CodeNotOpen
	CodeNotFound
	CodeConflict
	CodeInvalidParameter
	CodeCorruptData
)

func (c ErrorCode) String() string {
	switch c {
	case 0:
		return "none"
	case CodeUnexpected:
		return "unexpected"
	case CodeNotOpen:
		return "not open"
	case CodeNotFound:
		return "not found"
	case CodeConflict:
		return "conflict"
	case CodeInvalidParameter:
		return "invalid parameter"
	case CodeCorruptData:
		return "corrupt data"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is a classified failure. Two Errors match under errors.Is when their
// domain and code are equal, so the sentinels below can be used as targets.
type Error struct {
	Domain  Domain
	Code    ErrorCode
	Message string
	Err     error
}

var (
	ErrNotOpen          = &Error{Domain: DomainKumbu, Code: CodeNotOpen, Message: "database or collection is not open"}
	ErrNotFound         = &Error{Domain: DomainKumbu, Code: CodeNotFound, Message: "not found"}
	ErrConflict         = &Error{Domain: DomainKumbu, Code: CodeConflict, Message: "document update conflict"}
	ErrInvalidParameter = &Error{Domain: DomainKumbu, Code: CodeInvalidParameter, Message: "invalid parameter"}
	ErrCorruptData      = &Error{Domain: DomainKumbu, Code: CodeCorruptData, Message: "corrupt data"}
	ErrUnexpected       = &Error{Domain: DomainKumbu, Code: CodeUnexpected, Message: "unexpected error"}
)

// Errorf builds an Error with the given code and a formatted message. If the
// last argument is an error it becomes the wrapped cause.
func Errorf(code ErrorCode, format string, args ...any) error {
	e := &Error{Domain: DomainKumbu, Code: code, Message: fmt.Sprintf(format, args...)}
	if n := len(args); n > 0 {
		if cause, ok := args[n-1].(error); ok {
			e.Err = cause
		}
	}
	return e
}

// Wrap classifies err under code unless it is already an *Error, in which case
// it is returned unchanged with msg prepended.
func Wrap(code ErrorCode, err error, msg string) error {
	if err == nil {
		return nil
	}
	var ke *Error
	if errors.As(err, &ke) {
		return &Error{Domain: ke.Domain, Code: ke.Code, Message: msg + ": " + ke.Message, Err: ke.Err}
	}
	return &Error{Domain: DomainKumbu, Code: code, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil && !strings.HasSuffix(e.Message, e.Err.Error()) {
		return fmt.Sprintf("%s: %s: %v", e.Domain, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Domain, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Domain == t.Domain && e.Code == t.Code
}

// CodeOf returns the taxonomy code carried by err, 0 for nil and
// CodeUnexpected for errors that were never classified.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return 0
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code
	}
	return CodeUnexpected
}
