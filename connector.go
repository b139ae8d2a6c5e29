package pcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/puppetlabs/pcp-client-go/errs"
	"github.com/puppetlabs/pcp-client-go/identity"
	"github.com/puppetlabs/pcp-client-go/schema"
	"github.com/puppetlabs/pcp-client-go/transport"
	"github.com/puppetlabs/pcp-client-go/wire"
)

// Protocol selects the wire format and association behavior a Connector
// uses: v1's binary-chunked frame plus Session Association, or v2's
// single JSON envelope conveyed over a path-scoped WebSocket URI with no
// association (spec.md §2 components 6 and 7).
type Protocol int

const (
	ProtocolV1 Protocol = iota
	ProtocolV2
)

// myBrokerURI is the fixed destination of the v1 associate_request
// (spec.md §4.5).
const myBrokerURI = "pcp:///server"

// wsConnectionCloseTimeout bounds how long v1's Connect waits for a
// lingering WebSocket to close before re-associating (spec.md §4.5 step 1).
const wsConnectionCloseTimeout = 5 * time.Second

// MessageHandler processes one inbound, schema-validated message.
type MessageHandler func(wire.ParsedMessage)

// AssociationTimings holds the v1 Session Association handshake's
// lifecycle timestamps (spec.md §3).
type AssociationTimings struct {
	Start       time.Time
	Association time.Time
	Close       time.Time
	Completed   bool
	Success     bool
	Closed      bool
}

func (t *AssociationTimings) reset() {
	*t = AssociationTimings{Start: time.Now()}
}

func (t *AssociationTimings) setCompleted(success bool) {
	t.Completed = true
	t.Success = success
	t.Association = time.Now()
}

func (t *AssociationTimings) setClosed() {
	if !t.Closed {
		t.Closed = true
		t.Close = time.Now()
	}
}

// sessionAssociation is the v1 handshake's correlation/blocking state
// (spec.md §3 SessionAssociation). Each attempt gets its own done channel
// rather than a shared sync.Cond, so a caller waiting on one attempt can
// never be woken by (or left blocked on) a different attempt's outcome.
type sessionAssociation struct {
	mu               sync.Mutex
	inProgress       bool
	success          bool
	gotMessagingFail bool
	requestID        string
	assocError       string
	assocTimeout     time.Duration
	done             chan struct{}
}

func newSessionAssociation(timeout time.Duration) *sessionAssociation {
	return &sessionAssociation{assocTimeout: timeout}
}

// reset clears correlation state, including inProgress, so a response that
// arrives after an attempt has already concluded (success, failure, or
// timeout) is never mistaken for belonging to a later one. Caller must
// hold sa.mu.
func (sa *sessionAssociation) reset() {
	sa.inProgress = false
	sa.success = false
	sa.gotMessagingFail = false
	sa.assocError = ""
}

// begin starts a fresh attempt and returns the channel that conclude will
// close when this attempt's outcome is known. Caller must hold sa.mu.
func (sa *sessionAssociation) begin() chan struct{} {
	sa.reset()
	sa.inProgress = true
	sa.done = make(chan struct{})
	return sa.done
}

// conclude marks the in-flight attempt finished and wakes its waiter, if
// any is still waiting. Safe to call more than once per attempt (only the
// first closes the channel). Caller must hold sa.mu.
func (sa *sessionAssociation) conclude() {
	sa.inProgress = false
	if sa.done != nil {
		close(sa.done)
		sa.done = nil
	}
}

// Connector composes a transport.Connection, a schema registry, and a
// message-type-routed handler table, optionally layering v1 Session
// Association on top (spec.md §4.4, §4.5).
type Connector struct {
	protocol Protocol
	identity *identity.ClientIdentity
	brokers  []string
	registry *schema.Registry

	mu           sync.Mutex
	handlers     map[string]MessageHandler
	errorHandler MessageHandler

	connMu sync.Mutex
	conn   *transport.Connection

	assoc              *sessionAssociation
	assocTimings       AssociationTimings
	assocTimingsMu      sync.Mutex
	associateHandler   MessageHandler
	ttlExpiredHandler  MessageHandler
	requestTTL         time.Duration

	monitorMu   sync.Mutex
	monitoring  bool
	mustStop    chan struct{}
	monitorDone chan struct{}
	monitorWake chan struct{}
	monitorErr  error
}

func newBase(protocol Protocol, brokers []string, id *identity.ClientIdentity) *Connector {
	return &Connector{
		protocol: protocol,
		identity: id,
		brokers:  brokers,
		registry: schema.NewRegistry(),
		handlers: make(map[string]MessageHandler),
	}
}

// NewV1 builds a Connector that performs Session Association after every
// WebSocket open (spec.md §4.5). The envelope, debug, and debug-item
// schemas, along with the associate_response/error_message/ttl_expired
// internal handlers, are registered automatically — mirroring
// v1::Connector's constructor registering the PCP schemas up front.
func NewV1(brokers []string, id *identity.ClientIdentity) (*Connector, error) {
	c := newBase(ProtocolV1, brokers, id)
	c.assoc = newSessionAssociation(id.Timeouts.AssociationTimeout)
	c.requestTTL = id.Timeouts.AssociationRequestTTL

	for _, s := range []*schema.Schema{envelopeSchema(), debugSchema(), debugItemSchema()} {
		if err := c.registry.Register(s); err != nil {
			return nil, err
		}
	}
	if err := c.registry.Register(associateResponseSchema()); err != nil {
		return nil, err
	}
	if err := c.registry.Register(errorMessageSchema()); err != nil {
		return nil, err
	}
	if err := c.registry.Register(ttlExpiredSchema()); err != nil {
		return nil, err
	}
	return c, nil
}

// NewV2 builds a Connector with no Session Association; the client's
// identity is instead conveyed via the WebSocket path (spec.md §2
// component 7, §6 broker URL).
func NewV2(brokers []string, id *identity.ClientIdentity) (*Connector, error) {
	c := newBase(ProtocolV2, brokers, id)
	if err := c.registry.Register(errorMessageSchema()); err != nil {
		return nil, err
	}
	return c, nil
}

// RegisterCallback registers schema with the validator and binds handler
// to its name. Fails with SchemaRedefinition if already bound (spec.md
// §4.4 "register_callback").
func (c *Connector) RegisterCallback(s *schema.Schema, handler MessageHandler) error {
	if err := c.registry.Register(s); err != nil {
		return err
	}
	c.mu.Lock()
	c.handlers[s.Name()] = handler
	c.mu.Unlock()
	return nil
}

// SetErrorCallback installs the single error_message handler. Last-writer-
// wins (spec.md §8 "set_error_callback is last-writer-wins").
func (c *Connector) SetErrorCallback(handler MessageHandler) {
	c.mu.Lock()
	c.errorHandler = handler
	c.mu.Unlock()
}

// SetAssociateCallback installs an optional observer invoked after every
// associate_response that answers the in-flight request, whether it
// reports success or failure (v1 only). Responses that cannot be decoded,
// arrive while no association is in progress, or carry another request id
// are discarded without reaching it.
func (c *Connector) SetAssociateCallback(handler MessageHandler) {
	c.mu.Lock()
	c.associateHandler = handler
	c.mu.Unlock()
}

// SetTTLExpiredCallback installs an optional observer invoked for every
// ttl_expired message, regardless of correlation (v1 only).
func (c *Connector) SetTTLExpiredCallback(handler MessageHandler) {
	c.mu.Lock()
	c.ttlExpiredHandler = handler
	c.mu.Unlock()
}

// IsConnected reports whether the underlying Connection is open (spec.md
// §4.4 "is_connected").
func (c *Connector) IsConnected() bool {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	return conn != nil && conn.IsOpen()
}

// IsAssociated reports whether the connection is open and, for v1, the
// Session Association succeeded.
func (c *Connector) IsAssociated() bool {
	if c.protocol != ProtocolV1 {
		return c.IsConnected()
	}
	c.assoc.mu.Lock()
	success := c.assoc.success
	c.assoc.mu.Unlock()
	return c.IsConnected() && success
}

// GetConnectionTimings returns the current Connection's lifecycle
// timestamps, or a zero value if never connected.
func (c *Connector) GetConnectionTimings() transport.Timings {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return transport.Timings{}
	}
	return c.conn.Timings
}

// GetAssociationTimings returns the v1 Session Association's lifecycle
// timestamps.
func (c *Connector) GetAssociationTimings() AssociationTimings {
	c.assocTimingsMu.Lock()
	defer c.assocTimingsMu.Unlock()
	return c.assocTimings
}

func (c *Connector) checkInitialized() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errs.New(errs.ConnectionNotInit, "connection not initialized")
	}
	return nil
}

// brokerURLs derives the URLs the Connector actually dials: v1 brokers are
// used as given, v2 brokers get "/<client_type>" appended if missing
// (spec.md §6 "Broker URL").
func (c *Connector) brokerURLs() []string {
	if c.protocol == ProtocolV1 {
		return c.brokers
	}
	suffix := "/" + c.identity.ClientType
	out := make([]string, len(c.brokers))
	for i, b := range c.brokers {
		if len(b) >= len(suffix) && b[len(b)-len(suffix):] == suffix {
			out[i] = b
			continue
		}
		out[i] = b + suffix
	}
	return out
}

func (c *Connector) ensureConnection() *transport.Connection {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn
	}

	hooks := transport.Hooks{
		OnMessage: c.processMessage,
		OnClose:   c.notifyMonitor,
	}
	if c.protocol == ProtocolV1 {
		hooks.OnOpen = c.associateSession
		hooks.OnClose = func() { c.closeAssociationTimings(); c.notifyMonitor() }
		hooks.OnFail = c.closeAssociationTimings
	}

	conn, err := transport.New(c.brokerURLs(), c.identity, hooks)
	if err != nil {
		// brokers are validated non-empty at Connector construction call
		// sites; this would only fire on a programmer error.
		panic(err)
	}
	c.conn = conn
	return conn
}

// Connect opens the WebSocket connection, performing v1 Session
// Association synchronously (spec.md §4.4 "connect", §4.5).
func (c *Connector) Connect(ctx context.Context, maxAttempts int) error {
	if c.protocol == ProtocolV2 {
		conn := c.ensureConnection()
		if err := conn.Connect(ctx, maxAttempts); err != nil {
			return upgradeConnectError(err)
		}
		return nil
	}
	return c.connectV1(ctx, maxAttempts)
}

func upgradeConnectError(err error) error {
	// connection_fatal_errors and _config_errors propagate unchanged;
	// _processing_errors (synchronous dial-call failures) are upgraded to
	// _config_errors by the Connector layer (spec.md §7 propagation policy).
	if errs.Is(err, errs.ConnectionProcessing) {
		return errs.Wrap(errs.ConnectionConfig, "failed to establish the WebSocket connection", err)
	}
	return err
}

func (c *Connector) connectV1(ctx context.Context, maxAttempts int) error {
	conn := c.ensureConnection()

	switch conn.State() {
	case transport.StateConnecting, transport.StateOpen:
		slog.Debug("closing existing WebSocket connection before re-associating")
		_ = conn.Close(1000, "must Associate Session again")
		deadline := time.Now().Add(wsConnectionCloseTimeout)
		for conn.State() != transport.StateClosed && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
	}

	c.assoc.mu.Lock()
	done := c.assoc.begin()
	c.assoc.mu.Unlock()

	if err := conn.Connect(ctx, maxAttempts); err != nil {
		c.assocTimingsMu.Lock()
		c.assocTimings.setCompleted(false)
		c.assocTimingsMu.Unlock()
		c.assoc.mu.Lock()
		c.assoc.reset()
		c.assoc.mu.Unlock()
		return upgradeConnectError(err)
	}

	slog.Info("waiting for the PCP Session Association to complete")

	select {
	case <-done:
	case <-time.After(c.assoc.assocTimeout):
	}

	c.assoc.mu.Lock()
	defer c.assoc.mu.Unlock()

	if c.assoc.gotMessagingFail {
		c.assocTimingsMu.Lock()
		c.assocTimings.setCompleted(false)
		c.assocTimingsMu.Unlock()
		errMsg := c.assoc.assocError
		c.assoc.reset()
		if errMsg == "" {
			errMsg = "undetermined error"
		}
		return errs.New(errs.AssociationError, "invalid Associate Session response: "+errMsg)
	}
	if c.assoc.inProgress {
		c.assoc.reset()
		return errs.New(errs.AssociationError, "operation timeout")
	}
	if !c.assoc.success {
		msg := "Associate Session failure"
		if c.assoc.assocError != "" {
			msg += ": " + c.assoc.assocError
		}
		c.assoc.reset()
		return errs.New(errs.AssociationResponseFailure, msg)
	}

	c.assocTimingsMu.Lock()
	c.assocTimings.setCompleted(true)
	c.assocTimingsMu.Unlock()
	return nil
}

func (c *Connector) closeAssociationTimings() {
	c.assocTimingsMu.Lock()
	defer c.assocTimingsMu.Unlock()
	if c.assocTimings.Completed && !c.assocTimings.Closed {
		c.assocTimings.setClosed()
	}
}

// associateSession sends the v1 associate_request; it runs on the
// Connection's open hook (spec.md §4.5 step 3).
func (c *Connector) associateSession() {
	c.assoc.mu.Lock()
	defer c.assoc.mu.Unlock()

	if !c.assoc.inProgress {
		slog.Debug("sending Associate Session request outside the expected associating state")
	}
	c.assoc.gotMessagingFail = false
	c.assoc.assocError = ""

	c.assocTimingsMu.Lock()
	c.assocTimings.reset()
	c.assocTimingsMu.Unlock()

	envelope, requestID := c.createEnvelope([]string{myBrokerURI}, MsgAssociateRequest, c.requestTTL, false)
	c.assoc.requestID = requestID

	msg, err := wire.NewMessage(mustMarshal(envelope))
	if err != nil {
		slog.Error("failed to build Associate Session request", "error", err)
		return
	}
	slog.Info("sending Associate Session request", "id", requestID, "ttl", c.requestTTL)
	if err := c.rawSend(msg); err != nil {
		slog.Error("failed to send Associate Session request", "error", err)
	}
}

// createEnvelope builds an outbound envelope with a fresh UUID id and an
// expires timeout timeout.Seconds() in the future (spec.md §3 invariant
// "fresh UUID id on every outbound v1 message", §6 envelope fields).
func (c *Connector) createEnvelope(targets []string, messageType string, timeout time.Duration, destinationReport bool) (wire.Envelope, string) {
	id := uuid.NewString()
	expires := time.Now().UTC().Add(timeout).Format("2006-01-02T15:04:05.000Z")
	return wire.Envelope{
		ID:                id,
		MessageType:       messageType,
		Targets:           targets,
		Expires:           expires,
		Sender:            c.identity.URI,
		DestinationReport: destinationReport,
	}, id
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Send constructs and transmits a message with the given data payload,
// returning the message's id (spec.md §4.4 "send").
func (c *Connector) Send(targets []string, messageType string, timeout time.Duration, data interface{}, debug ...interface{}) (string, error) {
	return c.sendMessage(targets, messageType, timeout, false, data, debug)
}

// SendWithReport is Send with destination_report requested.
func (c *Connector) SendWithReport(targets []string, messageType string, timeout time.Duration, data interface{}, debug ...interface{}) (string, error) {
	return c.sendMessage(targets, messageType, timeout, true, data, debug)
}

// SendError sends a well-known error_message referencing id (spec.md §6
// error_message data shape).
func (c *Connector) SendError(targets []string, timeout time.Duration, id, description string) (string, error) {
	return c.Send(targets, MsgErrorMessage, timeout, wire.ErrorData{ID: id, Description: description})
}

func (c *Connector) sendMessage(targets []string, messageType string, timeout time.Duration, destinationReport bool, data interface{}, debug []interface{}) (string, error) {
	if err := c.checkInitialized(); err != nil {
		return "", err
	}

	envelope, id := c.createEnvelope(targets, messageType, timeout, destinationReport)
	msg, err := wire.NewMessage(mustMarshal(envelope))
	if err != nil {
		return "", err
	}

	if data != nil {
		if err := msg.SetData(wire.ChunkData, mustMarshal(data)); err != nil {
			return "", err
		}
	}
	for _, d := range debug {
		if err := msg.AddDebug(mustMarshal(d)); err != nil {
			return "", err
		}
	}

	if err := c.rawSend(msg); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Connector) rawSend(msg *wire.Message) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errs.New(errs.ConnectionNotInit, "connection not initialized")
	}
	return conn.Send(msg.Serialize())
}

// processMessage is the Connection's on-message hook: parse, validate,
// dispatch (spec.md §4.4 "process_message").
func (c *Connector) processMessage(payload []byte) {
	var parsed wire.ParsedMessage
	var err error

	if c.protocol == ProtocolV1 {
		parsed, err = c.parseV1(payload)
	} else {
		parsed, err = c.parseV2(payload)
	}

	if err != nil {
		slog.Error("failed to deserialize message", "error", err)
		if c.protocol == ProtocolV1 {
			c.assoc.mu.Lock()
			if c.assoc.inProgress {
				c.assoc.gotMessagingFail = true
				c.assoc.assocError = err.Error()
				c.assoc.conclude()
			}
			c.assoc.mu.Unlock()
		}
		return
	}

	slog.Debug("received message", "message_type", parsed.Envelope.MessageType, "id", parsed.Envelope.ID, "sender", parsed.Envelope.Sender)

	if c.protocol == ProtocolV1 {
		switch parsed.Envelope.MessageType {
		case MsgAssociateResponse:
			c.associateResponseCallback(parsed)
			return
		case MsgTTLExpired:
			c.ttlMessageCallback(parsed)
			return
		}
	}

	if parsed.Envelope.MessageType == MsgErrorMessage {
		c.errorMessageCallback(parsed)
		return
	}

	c.mu.Lock()
	handler := c.handlers[parsed.Envelope.MessageType]
	c.mu.Unlock()

	if handler == nil {
		slog.Warn("no message callback registered", "message_type", parsed.Envelope.MessageType)
		return
	}
	c.invokeHandler(handler, parsed)
}

// invokeHandler recovers from a handler panic, matching the original's
// "handler exceptions are caught and logged" rule (spec.md §4.4).
func (c *Connector) invokeHandler(handler MessageHandler, parsed wire.ParsedMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("message callback failure", "panic", r)
		}
	}()
	handler(parsed)
}

func (c *Connector) parseV1(payload []byte) (wire.ParsedMessage, error) {
	msg, err := wire.ParseMessage(payload)
	if err != nil {
		return wire.ParsedMessage{}, err
	}

	if err := c.registry.Validate(envelopeSchemaName, msg.Envelope.Content); err != nil {
		return wire.ParsedMessage{}, err
	}
	envelope, err := wire.DecodeEnvelope(msg.Envelope.Content)
	if err != nil {
		return wire.ParsedMessage{}, err
	}

	result := wire.ParsedMessage{Envelope: envelope}

	var numInvalidDebug uint
	for _, d := range msg.Debug {
		if err := c.registry.Validate(debugSchemaName, d.Content); err != nil {
			numInvalidDebug++
			continue
		}
		result.Debug = append(result.Debug, d.Content)
	}
	result.NumInvalidDebug = numInvalidDebug

	if msg.Data != nil {
		result.HasData = true
		contentType, err := c.registry.ContentTypeOf(envelope.MessageType)
		if err != nil || contentType == schema.Binary {
			result.DataType = wire.ContentBinary
			result.BinaryData = msg.Data.Content
		} else {
			if verr := c.registry.Validate(envelope.MessageType, msg.Data.Content); verr != nil {
				result.InvalidData = true
			} else {
				result.DataType = wire.ContentJSON
				result.Data = msg.Data.Content
			}
		}
	}

	return result, nil
}

func (c *Connector) parseV2(payload []byte) (wire.ParsedMessage, error) {
	envelope, err := wire.DecodeV2(payload)
	if err != nil {
		return wire.ParsedMessage{}, err
	}
	if envelope.Sender == "" {
		// absent sender on inbound v2 is the broker itself (spec.md §6).
		envelope.Sender = c.brokerURLs()[0]
	}
	result := wire.ParsedMessage{Envelope: envelope}
	if len(envelope.Data) > 0 {
		result.HasData = true
		result.DataType = wire.ContentJSON
		result.Data = envelope.Data
	}
	return result, nil
}

func (c *Connector) associateResponseCallback(parsed wire.ParsedMessage) {
	c.assoc.mu.Lock()
	defer c.assoc.mu.Unlock()

	var payload struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(parsed.Data, &payload); err != nil {
		return
	}

	if !c.assoc.inProgress {
		slog.Warn("received an unexpected Associate Session response; discarding")
		return
	}
	if payload.ID != c.assoc.requestID {
		slog.Warn("Associate Session response refers to an unknown request id", "got", payload.ID, "want", c.assoc.requestID)
		return
	}

	if !payload.Success {
		c.assoc.assocError = payload.Reason
	}
	c.assoc.success = payload.Success
	c.assoc.conclude()

	c.mu.Lock()
	handler := c.associateHandler
	c.mu.Unlock()
	if handler != nil {
		c.invokeHandler(handler, parsed)
	}
}

func (c *Connector) errorMessageCallback(parsed wire.ParsedMessage) {
	errData, _ := wire.ParseErrorData(parsed.Data)

	slog.Warn("received PCP error message", "id", parsed.Envelope.ID, "sender", parsed.Envelope.Sender, "description", errData.Description)

	c.mu.Lock()
	handler := c.errorHandler
	c.mu.Unlock()
	if handler != nil {
		c.invokeHandler(handler, parsed)
	}

	if c.protocol != ProtocolV1 {
		return
	}

	c.assoc.mu.Lock()
	defer c.assoc.mu.Unlock()
	if c.assoc.inProgress && errData.ID != "" && errData.ID == c.assoc.requestID {
		c.assoc.gotMessagingFail = true
		c.assoc.assocError = errData.Description
		c.assoc.conclude()
	}
}

func (c *Connector) ttlMessageCallback(parsed wire.ParsedMessage) {
	var payload struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(parsed.Data, &payload)

	slog.Warn("received TTL expired message", "id", parsed.Envelope.ID, "expired", payload.ID)

	c.mu.Lock()
	handler := c.ttlExpiredHandler
	c.mu.Unlock()
	if handler != nil {
		c.invokeHandler(handler, parsed)
	}

	c.assoc.mu.Lock()
	defer c.assoc.mu.Unlock()
	if c.assoc.inProgress && payload.ID != "" && payload.ID == c.assoc.requestID {
		c.assoc.gotMessagingFail = true
		c.assoc.assocError = "Associate request's TTL expired"
		c.assoc.conclude()
	}
}

// notifyMonitor wakes the Monitor Task early on connection close, so it
// doesn't wait out the rest of checkInterval before reconnecting.
func (c *Connector) notifyMonitor() {
	c.monitorMu.Lock()
	wake := c.monitorWake
	c.monitorMu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}
