// Package broker defines the error vocabulary shared across the broker's
// components, translated to HTTP status codes at the API boundary.
package broker

import (
	"errors"
	"fmt"
)

// Kind classifies a broker error so that transport layers (HTTP, WebSocket)
// can map it to an appropriate status code without inspecting message text.
type Kind int

const (
	// Unspecified is the zero value; treated as an internal error.
	Unspecified Kind = iota
	// MalformedIdentifier marks an invalid topic id, object id, or resource path.
	MalformedIdentifier
	// AuthenticationFailure marks a missing or invalid bearer token.
	AuthenticationFailure
	// Unauthorized marks a valid subject lacking a grant for the resource.
	Unauthorized
	// EventDescriptorError marks a missing or incompatible event descriptor.
	EventDescriptorError
	// PreStorageProcessorError marks a schema validation or extraction failure.
	PreStorageProcessorError
	// IntegrityProtectionError marks a hash-tree or digest verification failure.
	IntegrityProtectionError
	// TrustedTimeError marks a health-gating failure due to untrusted clock state.
	TrustedTimeError
)

func (k Kind) String() string {
	switch k {
	case MalformedIdentifier:
		return "malformed_identifier"
	case AuthenticationFailure:
		return "authentication_failure"
	case Unauthorized:
		return "unauthorized"
	case EventDescriptorError:
		return "event_descriptor_error"
	case PreStorageProcessorError:
		return "pre_storage_processor_error"
	case IntegrityProtectionError:
		return "integrity_protection_error"
	case TrustedTimeError:
		return "trusted_time_error"
	default:
		return "unspecified"
	}
}

// Error is the broker's single error type, carrying a Kind plus an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error wrapping cause with the given kind and message.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, otherwise
// returns Unspecified.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return Unspecified
}
