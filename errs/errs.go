// Package errs implements the PCP client error taxonomy described in
// spec.md §7: a small, closed set of error kinds that replace the original
// cpp-pcp-client exception hierarchy (connection_config_error,
// connection_fatal_error, connection_processing_error,
// connection_not_init_error, connection_association_error,
// connection_association_response_failure, message_serialization_error,
// unsupported_version_error, invalid_chunk_error, schema redefinition /
// not found, and validator errors).
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies which class of failure an Error represents.
type Kind int

const (
	// ConnectionConfig indicates construction-time misconfiguration: bad
	// certificates, an unreachable TLS init, or an invalid monitoring
	// timing combination.
	ConnectionConfig Kind = iota

	// ConnectionFatal indicates that reconnect attempts were exhausted.
	ConnectionFatal

	// ConnectionProcessing indicates a transient underlying WebSocket
	// send/close/ping failure.
	ConnectionProcessing

	// ConnectionNotInit indicates an API call before Connect.
	ConnectionNotInit

	// AssociationError indicates a Session Association timeout, an
	// invalid message received during the handshake, or a correlated
	// error/ttl-expired message.
	AssociationError

	// AssociationResponseFailure indicates the broker returned
	// success=false for an associate_request.
	AssociationResponseFailure

	// MessageSerialization indicates a malformed v1 wire message.
	MessageSerialization

	// UnsupportedVersion indicates a v1 message whose version byte isn't
	// supported.
	UnsupportedVersion

	// InvalidChunk indicates a MessageChunk with an unknown descriptor or
	// a size that doesn't match its content.
	InvalidChunk

	// SchemaRedefinition indicates an attempt to register a schema name
	// that already exists.
	SchemaRedefinition

	// SchemaNotFound indicates validation against an unregistered schema
	// name.
	SchemaNotFound

	// Validation indicates a document that failed schema validation.
	Validation
)

func (k Kind) String() string {
	switch k {
	case ConnectionConfig:
		return "ConnectionConfig"
	case ConnectionFatal:
		return "ConnectionFatal"
	case ConnectionProcessing:
		return "ConnectionProcessing"
	case ConnectionNotInit:
		return "ConnectionNotInit"
	case AssociationError:
		return "AssociationError"
	case AssociationResponseFailure:
		return "AssociationResponseFailure"
	case MessageSerialization:
		return "MessageSerialization"
	case UnsupportedVersion:
		return "UnsupportedVersion"
	case InvalidChunk:
		return "InvalidChunk"
	case SchemaRedefinition:
		return "SchemaRedefinition"
	case SchemaNotFound:
		return "SchemaNotFound"
	case Validation:
		return "Validation"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned across the PCP client. Callers
// distinguish failure modes with errors.As and Error.Kind, mirroring how
// the original catches a specific exception type.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}
