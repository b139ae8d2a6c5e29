// Package pcp implements a resilient client for the Puppet Communications
// Protocol: connection lifecycle with broker failover, optional Session
// Association, a keep-alive Monitor Task, and a schema-routed message
// dispatcher (spec.md §1, §2).
package pcp

import "github.com/puppetlabs/pcp-client-go/errs"

// Kind identifies a class of PCP client failure. It is a type alias for
// errs.Kind so callers never need to import the errs package directly
// (spec.md §7).
type Kind = errs.Kind

const (
	ErrConnectionConfig             = errs.ConnectionConfig
	ErrConnectionFatal              = errs.ConnectionFatal
	ErrConnectionProcessing         = errs.ConnectionProcessing
	ErrConnectionNotInit            = errs.ConnectionNotInit
	ErrAssociationError             = errs.AssociationError
	ErrAssociationResponseFailure   = errs.AssociationResponseFailure
	ErrMessageSerialization         = errs.MessageSerialization
	ErrUnsupportedVersion           = errs.UnsupportedVersion
	ErrInvalidChunk                 = errs.InvalidChunk
	ErrSchemaRedefinition           = errs.SchemaRedefinition
	ErrSchemaNotFound               = errs.SchemaNotFound
	ErrValidation                   = errs.Validation
)

// Error is the concrete error type returned across the client. Use
// errors.As(err, &pcpErr) or Is(err, kind) to distinguish failure modes.
type Error = errs.Error

// Is reports whether err is, or wraps, an Error of the given Kind.
func Is(err error, kind Kind) bool { return errs.Is(err, kind) }

// KindOf extracts the Kind from err, if it is (or wraps) an Error.
func KindOf(err error) (Kind, bool) { return errs.KindOf(err) }
