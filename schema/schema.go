// Package schema implements the PCP SchemaRegistry and Validator: a
// thread-safe name-to-schema map and content validation, either against
// structured field constraints or a pre-parsed JSON-Schema document
// (spec.md §4.3).
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/puppetlabs/pcp-client-go/errs"
)

// ContentType distinguishes how a message_type's data chunk is interpreted.
type ContentType int

const (
	Json ContentType = iota
	Binary
)

// FieldType restates the original's TypeConstraint enum for structured
// (non-JSON-Schema-document) constraints.
type FieldType int

const (
	TypeObject FieldType = iota
	TypeArray
	TypeString
	TypeInt
	TypeBool
	TypeDouble
	TypeNull
	TypeAny
)

// fieldConstraint is one structured constraint added via Schema.AddConstraint.
type fieldConstraint struct {
	typ      FieldType
	required bool
	sub      *Schema
}

// Schema declares how to validate a message_type's content: either a set
// of structured field constraints, or a pre-parsed JSON-Schema document.
// Once built from a JSON-Schema document it accepts no further
// constraints, matching the original's parsing constructor (spec.md §4.3).
type Schema struct {
	name        string
	contentType ContentType

	constraints map[string]fieldConstraint
	required    map[string]bool

	document *gojsonschema.Schema
	parsed   bool
}

// New builds an empty, constraint-less Object schema with the given
// content type. Use AddConstraint to build it out field by field.
func New(name string, contentType ContentType) *Schema {
	return &Schema{
		name:        name,
		contentType: contentType,
		constraints: make(map[string]fieldConstraint),
		required:    make(map[string]bool),
	}
}

// NewFromDocument builds a Schema by compiling a JSON-Schema document. A
// Schema built this way cannot take further AddConstraint calls.
func NewFromDocument(name string, contentType ContentType, doc json.RawMessage) (*Schema, error) {
	loader := gojsonschema.NewBytesLoader(doc)
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionConfig, fmt.Sprintf("invalid JSON schema document for %q", name), err)
	}
	return &Schema{name: name, contentType: contentType, document: compiled, parsed: true}, nil
}

// Name returns the schema's registered name.
func (s *Schema) Name() string { return s.name }

// ContentType returns whether matching data chunks hold JSON or binary
// content.
func (s *Schema) ContentType() ContentType { return s.contentType }

// AddConstraint adds a structured field constraint. Fails if the schema
// was built from a parsed JSON-Schema document (spec.md §4.3: "the
// structured ... or a pre-parsed JSON-Schema document" are mutually
// exclusive).
func (s *Schema) AddConstraint(field string, typ FieldType, required bool) error {
	if s.parsed {
		return errs.New(errs.ConnectionConfig, "cannot add constraints to a schema parsed from a JSON-Schema document")
	}
	s.constraints[field] = fieldConstraint{typ: typ, required: required}
	if required {
		s.required[field] = true
	}
	return nil
}

// validate checks raw JSON content against this schema.
func (s *Schema) validate(raw []byte) error {
	if s.parsed {
		result, err := s.document.Validate(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return errs.Wrap(errs.Validation, fmt.Sprintf("does not match schema: %q", s.name), err)
		}
		if !result.Valid() {
			return errs.New(errs.Validation, fmt.Sprintf("does not match schema: %q: %s", s.name, joinResultErrors(result)))
		}
		return nil
	}

	var doc map[string]interface{}
	if len(s.constraints) > 0 || len(s.required) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return errs.Wrap(errs.Validation, fmt.Sprintf("does not match schema: %q", s.name), err)
		}
	}

	for field := range s.required {
		if _, ok := doc[field]; !ok {
			return errs.New(errs.Validation, fmt.Sprintf("does not match schema: %q: missing required field %q", s.name, field))
		}
	}

	for field, c := range s.constraints {
		v, present := doc[field]
		if !present {
			continue
		}
		if !matchesType(v, c.typ) {
			return errs.New(errs.Validation, fmt.Sprintf("does not match schema: %q: field %q has wrong type", s.name, field))
		}
	}

	return nil
}

func matchesType(v interface{}, typ FieldType) bool {
	switch typ {
	case TypeAny:
		return true
	case TypeObject:
		_, ok := v.(map[string]interface{})
		return ok
	case TypeArray:
		_, ok := v.([]interface{})
		return ok
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeNull:
		return v == nil
	case TypeInt, TypeDouble:
		_, ok := v.(float64)
		return ok
	default:
		return false
	}
}

func joinResultErrors(result *gojsonschema.Result) string {
	msg := ""
	for i, e := range result.Errors() {
		if i > 0 {
			msg += "; "
		}
		msg += e.String()
	}
	return msg
}

// Registry is the thread-safe name-to-Schema map described in spec.md
// §4.3: concurrent reads (validate) are unrestricted, mutations
// (Register) take an exclusive lock, and once registered a name is
// immutable.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register adds schema to the registry. Fails with SchemaRedefinition if
// the name is already bound.
func (r *Registry) Register(s *Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[s.name]; exists {
		return errs.New(errs.SchemaRedefinition, fmt.Sprintf("schema %q already defined", s.name))
	}
	r.schemas[s.name] = s
	return nil
}

// Includes reports whether name is registered.
func (r *Registry) Includes(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[name]
	return ok
}

// Validate checks raw JSON content against the schema registered under
// name. Fails with SchemaNotFound if unknown, Validation if it does not
// satisfy the schema.
func (r *Registry) Validate(name string, raw []byte) error {
	r.mu.RLock()
	s, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return errs.New(errs.SchemaNotFound, fmt.Sprintf("%q is not a registered schema", name))
	}
	return s.validate(raw)
}

// ContentTypeOf returns the content type registered for name. Fails with
// SchemaNotFound if unknown.
func (r *Registry) ContentTypeOf(name string) (ContentType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	if !ok {
		return 0, errs.New(errs.SchemaNotFound, fmt.Sprintf("%q is not a registered schema", name))
	}
	return s.contentType, nil
}
