// Package transport implements the Connection state machine that wraps a
// single WebSocket endpoint: broker failover, exponential-backoff
// reconnect, TLS dial, and ping/pong keep-alive bookkeeping (spec.md §4.1).
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/puppetlabs/pcp-client-go/errs"
	"github.com/puppetlabs/pcp-client-go/identity"
	"github.com/puppetlabs/pcp-client-go/internal/backoff"
)

// State is one state of the Connection FSM (spec.md §4.1).
type State int32

const (
	StateInitialized State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// minRetryInterval is the original's CONNECTION_MIN_INTERVAL_MS doSleep()
// value; it is not the reconnect backoff. Connect does not use it: between
// attempts it waits only for the backoff interval.
const minRetryInterval = 200 * time.Millisecond

// Timings holds the monotonic lifecycle timestamps of one connect attempt
// (spec.md §3 ConnectionTimings).
type Timings struct {
	Start             time.Time
	TCPPreInit        time.Time
	TCPPostInit       time.Time
	Open              time.Time
	ClosingHandshake  time.Time
	Close             time.Time
	ConnectionStarted bool
	ConnectionFailed  bool
}

// Reset clears Timings for a new connect attempt.
func (t *Timings) Reset() {
	*t = Timings{Start: time.Now(), ConnectionStarted: true}
}

func (t *Timings) setOpen()    { t.Open = time.Now() }
func (t *Timings) setClosing() { t.ClosingHandshake = time.Now() }
func (t *Timings) setClosed(failed bool) {
	t.Close = time.Now()
	t.ConnectionFailed = failed
}

// Hooks are the callbacks a Connector installs before Connect. They run on
// the Connection's read-pump goroutine and must not block (spec.md §4.1,
// §5 "all on_* hooks execute on [the event loop] thread").
type Hooks struct {
	OnOpen    func()
	OnMessage func(payload []byte)
	OnClose   func()
	OnFail    func()
}

// Connection wraps one resilient WebSocket endpoint: a broker list with
// failover, jittered exponential backoff, and consecutive-pong-timeout
// tracking (spec.md §4.1).
type Connection struct {
	brokers  []string
	identity *identity.ClientIdentity
	hooks    Hooks

	cursor uint32 // atomic index into brokers

	state   atomic.Int32
	stateMu sync.Mutex

	Timings Timings

	backoff *backoff.Backoff

	consecutivePongTimeouts atomic.Uint32
	pongTimer               *time.Timer
	pongMu                  sync.Mutex

	conn    *websocket.Conn
	connMu  sync.Mutex
	writeCh chan writeRequest
	openCh  chan struct{}
	doneCh  chan struct{}
}

type writeRequest struct {
	kind    int // websocket.TextMessage, websocket.PingMessage, or closeRequest
	payload []byte
	code    int
	reason  string
	result  chan error
}

const closeRequest = -1

// New builds a Connection over brokers (a non-empty, ordered list of
// broker WebSocket URIs) authenticating as id, delivering events to hooks.
func New(brokers []string, id *identity.ClientIdentity, hooks Hooks) (*Connection, error) {
	if len(brokers) == 0 {
		return nil, errs.New(errs.ConnectionConfig, "broker list must not be empty")
	}
	return &Connection{
		brokers:  brokers,
		identity: id,
		hooks:    hooks,
		backoff:  backoff.New(),
	}, nil
}

// State reports the Connection's current FSM state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// currentBroker returns brokers[cursor % len(brokers)] (spec.md §4.1
// "Failover ordering").
func (c *Connection) currentBroker() string {
	idx := atomic.LoadUint32(&c.cursor)
	return c.brokers[int(idx)%len(c.brokers)]
}

func (c *Connection) advanceBroker() {
	old := c.currentBroker()
	atomic.AddUint32(&c.cursor, 1)
	current := c.currentBroker()
	if old != current {
		slog.Warn("failed to connect to broker; switching", "from", old, "to", current)
	}
}

// Connect drives the FSM toward open, retrying across the broker list with
// jittered exponential backoff. maxAttempts of 0 means unbounded. It fails
// with ConnectionFatal once the attempt budget is exhausted (spec.md
// §4.1 "connect(max_attempts)").
func (c *Connection) Connect(ctx context.Context, maxAttempts int) error {
	if c.State() == StateInitialized || c.State() == StateClosed {
		if err := c.attempt(ctx); err == nil {
			c.backoff.Reset()
			return nil
		}
	}

	attempts := 1
	for maxAttempts == 0 || attempts < maxAttempts {
		sleep := c.backoff.Next()
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.ConnectionProcessing, "connect canceled", ctx.Err())
		case <-time.After(sleep):
		}

		c.advanceBroker()
		attempts++
		if err := c.attempt(ctx); err == nil {
			c.backoff.Reset()
			return nil
		}
	}

	c.backoff.Reset()
	return errs.Newf(errs.ConnectionFatal, "failed to establish a WebSocket connection after %d attempts", attempts)
}

// attempt performs a single dial, blocking until the connection opens, the
// dial fails, or ws_connection_timeout_ms elapses.
func (c *Connection) attempt(ctx context.Context) error {
	c.setState(StateConnecting)
	c.Timings.Reset()
	c.openCh = make(chan struct{})

	brokerURI := c.currentBroker()
	u, err := url.Parse(brokerURI)
	if err != nil {
		c.setState(StateClosed)
		return errs.Wrap(errs.ConnectionProcessing, fmt.Sprintf("invalid broker uri %q", brokerURI), err)
	}

	timeout := c.identity.Timeouts.WSConnectionTimeout
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		TLSClientConfig:  c.identity.TLSConfig(u.Hostname()),
	}
	if c.identity.ProxyURI != "" {
		proxyURL, perr := url.Parse(c.identity.ProxyURI)
		if perr == nil {
			dialer.Proxy = http.ProxyURL(proxyURL)
		}
	}

	c.Timings.TCPPreInit = time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, brokerURI, nil)
	c.Timings.TCPPostInit = time.Now()
	if err != nil {
		c.Timings.setClosed(true)
		c.setState(StateClosed)
		return errs.Wrap(errs.ConnectionProcessing, fmt.Sprintf("failed to establish the WebSocket connection with %s", brokerURI), err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.writeCh = make(chan writeRequest, 16)
	c.doneCh = make(chan struct{})

	conn.SetPongHandler(func(string) bool {
		c.onPong()
		return nil
	})
	conn.SetPingHandler(func(string) bool {
		return nil
	})

	go c.writePump()
	go c.readPump()

	c.onOpen()

	select {
	case <-c.openCh:
	case <-time.After(timeout):
	}
	if c.State() != StateOpen {
		return errs.New(errs.ConnectionProcessing, "timed out waiting for WebSocket open")
	}
	return nil
}

func (c *Connection) onOpen() {
	c.stateMu.Lock()
	c.Timings.setOpen()
	c.setState(StateOpen)
	c.stateMu.Unlock()

	close(c.openCh)
	slog.Info("established WebSocket connection with broker", "broker", c.currentBroker())

	if c.hooks.OnOpen != nil {
		c.hooks.OnOpen()
	}
}

func (c *Connection) readPump() {
	defer close(c.doneCh)
	defer c.transitionClosed(false)

	c.onOpen()

	conn := c.conn
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if c.hooks.OnMessage != nil {
			c.hooks.OnMessage(payload)
		}
	}
}

func (c *Connection) transitionClosed(failed bool) {
	c.stateMu.Lock()
	alreadyClosed := c.State() == StateClosed
	c.Timings.setClosed(failed)
	c.setState(StateClosed)
	c.stateMu.Unlock()

	if alreadyClosed {
		return
	}
	if failed {
		if c.hooks.OnFail != nil {
			c.hooks.OnFail()
		}
	} else if c.hooks.OnClose != nil {
		c.hooks.OnClose()
	}
}

func (c *Connection) writePump() {
	for req := range c.writeCh {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			if req.result != nil {
				req.result <- errs.New(errs.ConnectionNotInit, "connection not initialized")
			}
			continue
		}

		var err error
		switch req.kind {
		case closeRequest:
			err = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(req.code, req.reason),
				time.Now().Add(time.Second))
			conn.Close()
		case websocket.PingMessage:
			err = conn.WriteMessage(websocket.PingMessage, req.payload)
		default:
			err = conn.WriteMessage(websocket.TextMessage, req.payload)
		}

		if req.result != nil {
			req.result <- err
		}
	}
}

// Send hands payload to the write-pump goroutine as a text frame and waits
// until that write has finished, returning its error as
// ConnectionProcessing; it fails at once, without waiting, when the write
// queue is full (spec.md §4.1 "Send/close error model").
func (c *Connection) Send(payload []byte) error {
	return c.submitWrite(writeRequest{kind: websocket.TextMessage, payload: payload})
}

// Ping sends a WebSocket ping and arms the pong-timeout timer.
func (c *Connection) Ping() error {
	if err := c.submitWrite(writeRequest{kind: websocket.PingMessage}); err != nil {
		return err
	}
	c.armPongTimer()
	return nil
}

func (c *Connection) armPongTimer() {
	c.pongMu.Lock()
	defer c.pongMu.Unlock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
	}
	c.pongTimer = time.AfterFunc(c.identity.Timeouts.WSPongTimeout, c.onPongTimeout)
}

func (c *Connection) onPong() {
	c.pongMu.Lock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
	}
	c.pongMu.Unlock()
	c.consecutivePongTimeouts.Store(0)
}

// onPongTimeout runs on the timer goroutine, never on the read-pump
// goroutine, so Close below never re-enters a blocked write path (spec.md
// §9 reentrant-close resolution).
func (c *Connection) onPongTimeout() {
	n := c.consecutivePongTimeouts.Add(1)
	threshold := c.identity.Timeouts.PongTimeoutsBeforeRetry
	if n >= threshold {
		slog.Warn("consecutive pong timeouts; closing connection", "count", n)
		_ = c.Close(websocket.CloseNormalClosure, "consecutive onPongTimeouts")
		return
	}
	slog.Warn("WebSocket pong timeout", "consecutive", n)
}

// ConsecutivePongTimeouts reports the current streak, for tests and
// diagnostics.
func (c *Connection) ConsecutivePongTimeouts() uint32 {
	return c.consecutivePongTimeouts.Load()
}

// Close asks the write-pump to send a close frame and marks the
// Connection closing. Safe to call re-entrantly from a hook callback
// (spec.md §4.1 "Send/close error model", §9 reentrant-close resolution).
func (c *Connection) Close(code int, reason string) error {
	c.stateMu.Lock()
	if c.State() == StateClosed {
		c.stateMu.Unlock()
		return nil
	}
	c.Timings.setClosing()
	c.setState(StateClosing)
	c.stateMu.Unlock()

	return c.submitWrite(writeRequest{kind: closeRequest, code: code, reason: reason})
}

// IsOpen reports whether the Connection is in the open state.
func (c *Connection) IsOpen() bool {
	return c.State() == StateOpen
}

func (c *Connection) submitWrite(req writeRequest) error {
	c.connMu.Lock()
	ch := c.writeCh
	c.connMu.Unlock()
	if ch == nil {
		return errs.New(errs.ConnectionNotInit, "connection not initialized")
	}

	req.result = make(chan error, 1)
	select {
	case ch <- req:
	default:
		return errs.New(errs.ConnectionProcessing, "write channel full")
	}
	if err := <-req.result; err != nil {
		return errs.Wrap(errs.ConnectionProcessing, "failed to send message", err)
	}
	return nil
}
