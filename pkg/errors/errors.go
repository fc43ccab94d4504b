package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies framework errors. It is the machine-readable code of an Error.
type Kind string

const (
	// Configuration indicates an invalid or illegal configuration value
	Configuration Kind = "Configuration"

	// LogicError indicates a violated internal precondition
	LogicError Kind = "LogicError"

	// BadState indicates the state machine received an input it could not handle
	BadState Kind = "BadState"

	// ForkedChildFailed indicates a worker process exited abnormally
	ForkedChildFailed Kind = "ForkedChildFailed"

	// ForkedParentFailed indicates the orchestrating process could not continue
	ForkedParentFailed Kind = "ForkedParentFailed"

	// SourceRead indicates the input source failed to deliver an item
	SourceRead Kind = "SourceRead"

	// Module indicates a user module failed during a transition
	Module Kind = "Module"

	// EventSetup indicates a conditions lookup failed
	EventSetup Kind = "EventSetup"

	// Unknown is used for errors that did not originate from the framework
	Unknown Kind = "Unknown"
)

// Error represents a structured framework error
type Error struct {
	// Code is a machine-readable error code
	Code Kind

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error

	// Context lists the operations in progress when the error happened, innermost first
	Context []string

	// AdditionalInfo holds secondary failures observed while unwinding
	AdditionalInfo []string

	// AlreadyPrinted is set once the error has been logged in full
	AlreadyPrinted bool
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	if e.Err != nil {
		fmt.Fprintf(&b, "[%s] %s: %v", e.Code, e.Message, e.Err)
	} else {
		fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	}
	for _, c := range e.Context {
		b.WriteString("\n  while ")
		b.WriteString(c)
	}
	for _, info := range e.AdditionalInfo {
		b.WriteString("\n  additional info: ")
		b.WriteString(info)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// AddContext appends an outer operation description
func (e *Error) AddContext(format string, args ...any) *Error {
	e.Context = append(e.Context, fmt.Sprintf(format, args...))
	return e
}

// AddAdditionalInfo records a secondary failure message
func (e *Error) AddAdditionalInfo(info string) *Error {
	if info != "" {
		e.AdditionalInfo = append(e.AdditionalInfo, info)
	}
	return e
}

// NewError creates a new framework error
func NewError(code Kind, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Newf creates a framework error with a formatted message and no cause
func Newf(code Kind, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap converts err into a framework error. Framework errors are returned
// as-is; anything else is wrapped with the given kind.
func Wrap(err error, code Kind, message string) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return NewError(code, message, err)
}

// Printed reports whether err has already been logged in full
func Printed(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.AlreadyPrinted
}

// KindOf returns the kind of the outermost framework error in err's chain
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Unknown
}

// IsKind reports whether err carries the given kind
func IsKind(err error, code Kind) bool {
	return err != nil && KindOf(err) == code
}

// Is forwards to the standard library
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As forwards to the standard library
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New forwards to the standard library
func New(text string) error {
	return errors.New(text)
}

// ExitCode maps an error to the process exit status used by the executable
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case Configuration:
		return 7002
	case LogicError:
		return 8001
	case BadState:
		return 8009
	case ForkedChildFailed:
		return 8010
	case ForkedParentFailed:
		return 8011
	case SourceRead:
		return 8021
	case Module:
		return 8002
	case EventSetup:
		return 8003
	default:
		return 8000
	}
}
