package transport

import (
	"testing"
	"time"

	"github.com/puppetlabs/pcp-client-go/identity"
)

func testIdentity() *identity.ClientIdentity {
	return &identity.ClientIdentity{
		Timeouts: identity.Timeouts{
			WSConnectionTimeout:     50 * time.Millisecond,
			WSPongTimeout:           20 * time.Millisecond,
			PongTimeoutsBeforeRetry: 2,
		},
	}
}

func TestNewRejectsEmptyBrokerList(t *testing.T) {
	if _, err := New(nil, testIdentity(), Hooks{}); err == nil {
		t.Fatal("expected error for empty broker list")
	}
}

func TestBrokerCursorAdvancesAndWraps(t *testing.T) {
	c, err := New([]string{"wss://a", "wss://b", "wss://c"}, testIdentity(), Hooks{})
	if err != nil {
		t.Fatal(err)
	}

	if got := c.currentBroker(); got != "wss://a" {
		t.Fatalf("expected wss://a, got %s", got)
	}
	c.advanceBroker()
	if got := c.currentBroker(); got != "wss://b" {
		t.Fatalf("expected wss://b, got %s", got)
	}
	c.advanceBroker()
	c.advanceBroker()
	if got := c.currentBroker(); got != "wss://a" {
		t.Fatalf("expected cursor to wrap to wss://a, got %s", got)
	}
}

func TestPongResetsConsecutiveTimeoutCounter(t *testing.T) {
	c, err := New([]string{"wss://a"}, testIdentity(), Hooks{})
	if err != nil {
		t.Fatal(err)
	}

	c.consecutivePongTimeouts.Store(3)
	c.onPong()
	if got := c.ConsecutivePongTimeouts(); got != 0 {
		t.Fatalf("expected counter reset to 0, got %d", got)
	}
}

func TestOnPongTimeoutAccumulatesBelowThreshold(t *testing.T) {
	c, err := New([]string{"wss://a"}, testIdentity(), Hooks{})
	if err != nil {
		t.Fatal(err)
	}

	c.onPongTimeout()
	if got := c.ConsecutivePongTimeouts(); got != 1 {
		t.Fatalf("expected counter at 1, got %d", got)
	}
}

func TestStateStringer(t *testing.T) {
	cases := map[State]string{
		StateInitialized: "initialized",
		StateConnecting:  "connecting",
		StateOpen:        "open",
		StateClosing:     "closing",
		StateClosed:      "closed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
