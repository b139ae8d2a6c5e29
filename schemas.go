package pcp

import "github.com/puppetlabs/pcp-client-go/schema"

// Well-known PCP message types (spec.md §6).
const (
	MsgAssociateRequest  = "http://puppetlabs.com/associate_request"
	MsgAssociateResponse = "http://puppetlabs.com/associate_response"
	MsgErrorMessage      = "http://puppetlabs.com/error_message"
	MsgTTLExpired        = "http://puppetlabs.com/ttl_expired"
	MsgInventoryRequest  = "http://puppetlabs.com/inventory_request"
	MsgInventoryResponse = "http://puppetlabs.com/inventory_response"
)

const (
	envelopeSchemaName = "envelope"
	debugSchemaName    = "debug"
	debugItemSchemaName = "debug_item"
)

// envelopeSchema mirrors Protocol::getEnvelopeSchema (spec.md §4.2
// "Envelope v1 schema").
func envelopeSchema() *schema.Schema {
	s := schema.New(envelopeSchemaName, schema.Json)
	_ = s.AddConstraint("id", schema.TypeString, true)
	_ = s.AddConstraint("message_type", schema.TypeString, true)
	_ = s.AddConstraint("expires", schema.TypeString, true)
	_ = s.AddConstraint("targets", schema.TypeArray, true)
	_ = s.AddConstraint("sender", schema.TypeString, true)
	_ = s.AddConstraint("destination_report", schema.TypeBool, false)
	return s
}

func debugSchema() *schema.Schema {
	s := schema.New(debugSchemaName, schema.Json)
	_ = s.AddConstraint("hops", schema.TypeArray, true)
	return s
}

func debugItemSchema() *schema.Schema {
	s := schema.New(debugItemSchemaName, schema.Json)
	_ = s.AddConstraint("server", schema.TypeString, true)
	_ = s.AddConstraint("stage", schema.TypeString, true)
	_ = s.AddConstraint("time", schema.TypeString, true)
	return s
}

func associateResponseSchema() *schema.Schema {
	s := schema.New(MsgAssociateResponse, schema.Json)
	_ = s.AddConstraint("id", schema.TypeString, true)
	_ = s.AddConstraint("success", schema.TypeBool, true)
	return s
}

func errorMessageSchema() *schema.Schema {
	s := schema.New(MsgErrorMessage, schema.Json)
	_ = s.AddConstraint("id", schema.TypeString, true)
	_ = s.AddConstraint("description", schema.TypeString, true)
	return s
}

func ttlExpiredSchema() *schema.Schema {
	s := schema.New(MsgTTLExpired, schema.Json)
	_ = s.AddConstraint("id", schema.TypeString, true)
	return s
}

// InventoryRequestSchema and InventoryResponseSchema are exported so
// cmd/pcp-agent (and any application code) can register the inventory
// exchange without hand-building constraint lists (spec.md §6
// "inventory_request / ..._response").
func InventoryRequestSchema() *schema.Schema {
	s := schema.New(MsgInventoryRequest, schema.Json)
	_ = s.AddConstraint("query", schema.TypeString, true)
	return s
}

func InventoryResponseSchema() *schema.Schema {
	s := schema.New(MsgInventoryResponse, schema.Json)
	_ = s.AddConstraint("uris", schema.TypeArray, true)
	return s
}
