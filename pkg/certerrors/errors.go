// Package certerrors defines the exhaustive error-kind taxonomy shared by
// every component of the certificate lifecycle engine, so that transport
// layers can map a single Kind enum to an HTTP status without inspecting
// error strings.
package certerrors

import "errors"

// Kind enumerates the error categories the engine produces. Exhaustive: any
// new failure mode picks the closest existing Kind rather than growing the
// set silently.
type Kind string

const (
	NotFound        Kind = "NotFound"
	BadInput        Kind = "BadInput"
	IOError         Kind = "IOError"
	CryptoError     Kind = "CryptoError"
	WrongPassphrase Kind = "WrongPassphrase"
	ConfigCorrupt   Kind = "ConfigCorrupt"
	Conflict        Kind = "Conflict"
	DeployError     Kind = "DeployError"
)

// Error is the concrete error type every component returns. Detail carries
// machine-readable context (a struct, a map) for API responses; it is
// omitted from Error() to keep log lines short.
type Error struct {
	Kind    Kind
	Message string
	Detail  any
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error that wraps cause, preserving errors.Is/As against it.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetail attaches machine-readable detail and returns the receiver for
// chaining at the call site.
func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

// Is reports whether err carries the given Kind, unwrapping through any
// wrapped causes.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to IOError for an
// unclassified error, so every unexpected failure surfaces as a 500-class
// condition rather than silently becoming a 200.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return IOError
}
