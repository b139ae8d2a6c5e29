package pcp

import (
	"testing"
	"time"

	"github.com/puppetlabs/pcp-client-go/identity"
	"github.com/puppetlabs/pcp-client-go/wire"
)

func testIdentity(t *testing.T) *identity.ClientIdentity {
	t.Helper()
	return &identity.ClientIdentity{
		ClientType: "agent",
		URI:        "pcp://test-client/agent",
		Timeouts: identity.Timeouts{
			WSConnectionTimeout:     50 * time.Millisecond,
			WSPongTimeout:           20 * time.Millisecond,
			PongTimeoutsBeforeRetry: 2,
			AssociationTimeout:      100 * time.Millisecond,
			AssociationRequestTTL:   time.Second,
		},
	}
}

func TestNewV1RegistersWellKnownSchemas(t *testing.T) {
	c, err := NewV1([]string{"wss://broker.example.com:8142/pcp"}, testIdentity(t))
	if err != nil {
		t.Fatalf("NewV1: %v", err)
	}
	for _, name := range []string{envelopeSchemaName, debugSchemaName, debugItemSchemaName, MsgAssociateResponse, MsgErrorMessage, MsgTTLExpired} {
		if !c.registry.Includes(name) {
			t.Errorf("expected schema %q to be registered", name)
		}
	}
}

func TestRegisterCallbackRejectsRedefinition(t *testing.T) {
	c, err := NewV2([]string{"wss://broker.example.com:8142"}, testIdentity(t))
	if err != nil {
		t.Fatalf("NewV2: %v", err)
	}

	if err := c.RegisterCallback(InventoryResponseSchema(), func(wire.ParsedMessage) {}); err != nil {
		t.Fatalf("first RegisterCallback: %v", err)
	}
	err = c.RegisterCallback(InventoryResponseSchema(), func(wire.ParsedMessage) {})
	if kind, ok := errorKindOf(err); !ok || kind != ErrSchemaRedefinition {
		t.Errorf("expected SchemaRedefinition, got %v", err)
	}
}

func TestSetErrorCallbackLastWriterWins(t *testing.T) {
	c, err := NewV2([]string{"wss://broker.example.com:8142"}, testIdentity(t))
	if err != nil {
		t.Fatalf("NewV2: %v", err)
	}

	var calls []int
	c.SetErrorCallback(func(wire.ParsedMessage) { calls = append(calls, 1) })
	c.SetErrorCallback(func(wire.ParsedMessage) { calls = append(calls, 2) })

	c.mu.Lock()
	handler := c.errorHandler
	c.mu.Unlock()
	handler(wire.ParsedMessage{})

	if len(calls) != 1 || calls[0] != 2 {
		t.Errorf("expected only the last-set handler to run, got %v", calls)
	}
}

func TestCreateEnvelopeUsesFreshIDAndSender(t *testing.T) {
	c, err := NewV1([]string{"wss://broker.example.com:8142/pcp"}, testIdentity(t))
	if err != nil {
		t.Fatalf("NewV1: %v", err)
	}

	env1, id1 := c.createEnvelope([]string{"pcp://other/agent"}, MsgInventoryRequest, time.Second, false)
	env2, id2 := c.createEnvelope([]string{"pcp://other/agent"}, MsgInventoryRequest, time.Second, false)

	if id1 == id2 {
		t.Error("expected distinct ids across sends")
	}
	if env1.Sender != c.identity.URI || env2.Sender != c.identity.URI {
		t.Error("expected sender to be the client's own URI")
	}
}

func TestIsConnectedFalseBeforeConnect(t *testing.T) {
	c, err := NewV1([]string{"wss://broker.example.com:8142/pcp"}, testIdentity(t))
	if err != nil {
		t.Fatalf("NewV1: %v", err)
	}
	if c.IsConnected() {
		t.Error("expected IsConnected() == false before Connect")
	}
	if c.IsAssociated() {
		t.Error("expected IsAssociated() == false before Connect")
	}
}

func TestAssociationAtMostOneInFlight(t *testing.T) {
	sa := newSessionAssociation(time.Second)

	sa.mu.Lock()
	firstDone := sa.begin()
	sa.requestID = "req-1"
	sa.mu.Unlock()

	// Starting a second attempt must reset state, leaving exactly one
	// requestID live and superseding the first attempt's done channel.
	sa.mu.Lock()
	secondDone := sa.begin()
	sa.requestID = "req-2"
	inProgress := sa.inProgress
	sa.mu.Unlock()

	if !inProgress {
		t.Fatal("begin must leave inProgress set for the new attempt")
	}
	if sa.requestID != "req-2" {
		t.Errorf("requestID = %q, want req-2", sa.requestID)
	}
	if firstDone == secondDone {
		t.Fatal("begin must hand out a fresh done channel per attempt")
	}

	select {
	case <-firstDone:
		t.Fatal("the superseded first attempt's done channel must not be closed by starting a second attempt")
	default:
	}
}

func TestAssociationConcludeClearsInProgressAndWakesWaiter(t *testing.T) {
	sa := newSessionAssociation(time.Second)

	sa.mu.Lock()
	done := sa.begin()
	sa.mu.Unlock()

	sa.mu.Lock()
	sa.success = true
	sa.conclude()
	inProgress := sa.inProgress
	sa.mu.Unlock()

	if inProgress {
		t.Fatal("conclude must clear inProgress")
	}
	select {
	case <-done:
	default:
		t.Fatal("conclude must close the attempt's done channel")
	}

	// conclude is safe to call again for the same attempt (e.g. a stray
	// late callback after the waiter has already moved on).
	sa.mu.Lock()
	sa.conclude()
	sa.mu.Unlock()
}

func TestValidateMonitorIntervalRejectsTooSmall(t *testing.T) {
	c, err := NewV1([]string{"wss://broker.example.com:8142/pcp"}, testIdentity(t))
	if err != nil {
		t.Fatalf("NewV1: %v", err)
	}
	if err := c.validateMonitorInterval(time.Microsecond); err == nil {
		t.Fatal("expected error for check_interval smaller than the pong timeout")
	}
	if err := c.validateMonitorInterval(time.Hour); err != nil {
		t.Errorf("expected a generous check_interval to pass, got %v", err)
	}
	// testIdentity's WSPongTimeout is 20ms. A check_interval of 15ms must
	// be rejected, but a buggy *1000 scaling would read it as 15s and let
	// it through.
	if err := c.validateMonitorInterval(15 * time.Millisecond); err == nil {
		t.Fatal("expected error for a 15ms check_interval against a 20ms pong timeout")
	}
}

func TestBrokerURLsAppendsClientTypeForV2(t *testing.T) {
	c, err := NewV2([]string{"wss://broker.example.com:8142"}, testIdentity(t))
	if err != nil {
		t.Fatalf("NewV2: %v", err)
	}
	urls := c.brokerURLs()
	if want := "wss://broker.example.com:8142/agent"; urls[0] != want {
		t.Errorf("brokerURLs()[0] = %q, want %q", urls[0], want)
	}
}

func TestBrokerURLsUnchangedForV1(t *testing.T) {
	c, err := NewV1([]string{"wss://broker.example.com:8142/pcp"}, testIdentity(t))
	if err != nil {
		t.Fatalf("NewV1: %v", err)
	}
	urls := c.brokerURLs()
	if want := "wss://broker.example.com:8142/pcp"; urls[0] != want {
		t.Errorf("brokerURLs()[0] = %q, want %q", urls[0], want)
	}
}

func errorKindOf(err error) (Kind, bool) { return KindOf(err) }

