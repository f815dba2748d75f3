package realtime

import (
	"encoding/json"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabroom/protocol"
)

// State is the connection lifecycle state machine. Transitions are driven
// only by transport-level signals; higher layers read state but never set it.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateConnectionError
	StateReconnecting
	StateReconnectError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConnectionError:
		return "connection_error"
	case StateReconnecting:
		return "reconnecting"
	case StateReconnectError:
		return "reconnect_error"
	default:
		return "unknown"
	}
}

// StateChange is delivered to state subscribers on every transition. Reason
// is empty except for error states.
type StateChange struct {
	State  State
	Reason string
}

// Reconnect policy: fixed attempt cap with capped exponential backoff.
// Exhausting the cap is fatal and surfaces as StateReconnectError.
const (
	reconnectMaxAttempts    = 5
	reconnectInitialBackoff = 500 * time.Millisecond
	reconnectMaxBackoff     = 10 * time.Second
)

const sendBufferSize = 256

// Keepalive: mirror of the relay's policy, so each side detects a silently
// dead peer within pongWait instead of trusting the socket forever.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Connection maintains a single websocket to the relay. It owns the state
// machine, the read/write pumps and the reconnect loop. Envelopes received
// from the wire are fanned out to registered handlers (one per Room).
type Connection struct {
	endpoint string
	id       string

	mu         sync.Mutex
	ws         *websocket.Conn
	state      State
	reason     string
	terminal   bool
	destroyed  bool
	generation int
	sendCh     chan protocol.Envelope
	watchers   []func(StateChange)
	handlers   []func(protocol.Envelope)
}

// Dial builds a connection for the given relay endpoint and credentials.
// It does not open the transport; call Connect.
func Dial(endpoint, apiKey, environment, participantID string) (*Connection, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("apiKey", apiKey)
	q.Set("environment", environment)
	q.Set("participantId", participantID)
	u.RawQuery = q.Encode()
	return &Connection{
		endpoint: u.String(),
		id:       uuid.NewString(),
		state:    StateDisconnected,
	}, nil
}

// ID returns the connection id, stable across reconnects of this object.
func (c *Connection) ID() string { return c.id }

// State returns the current connection state and its reason, if any.
func (c *Connection) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.reason
}

// OnStateChange registers a subscriber for state transitions.
func (c *Connection) OnStateChange(fn func(StateChange)) {
	c.mu.Lock()
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()
}

// Handle registers an envelope handler. Handlers run on the read pump
// goroutine and must not block.
func (c *Connection) Handle(fn func(protocol.Envelope)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// Connect opens the transport and starts the pumps. A dial failure starts
// the reconnect loop rather than returning an error; the outcome is
// reported through state transitions.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.destroyed || c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.setState(StateConnecting, "")
	if err := c.dial(); err != nil {
		c.setState(StateConnectionError, err.Error())
		go c.reconnect()
		return
	}
	c.setState(StateConnected, "")
}

// Send queues an envelope for the write pump. Frames queued while the
// transport is down are dropped with a log line; the reconnect path
// re-establishes state from the server, so drops are safe.
func (c *Connection) Send(env protocol.Envelope) {
	c.mu.Lock()
	ch := c.sendCh
	c.mu.Unlock()
	if ch == nil {
		log.Printf("[connection] dropping %s frame: transport down", env.Type)
		return
	}
	select {
	case ch <- env:
	default:
		log.Printf("[connection] dropping %s frame: send buffer full", env.Type)
	}
}

// Disconnect closes the transport and stops all pumps. Idempotent.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.generation++
	ws := c.ws
	ch := c.sendCh
	c.ws = nil
	c.sendCh = nil
	c.mu.Unlock()

	if ch != nil {
		close(ch)
	}
	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.Close()
	}
	c.setState(StateDisconnected, "")
}

// Destroy is an alias for Disconnect kept for symmetry with the component
// lifecycle of the layers above.
func (c *Connection) Destroy() { c.Disconnect() }

func (c *Connection) dial() error {
	ws, _, err := websocket.DefaultDialer.Dial(c.endpoint, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.generation++
	gen := c.generation
	c.ws = ws
	c.sendCh = make(chan protocol.Envelope, sendBufferSize)
	ch := c.sendCh
	c.mu.Unlock()

	go c.readPump(ws, gen)
	go c.writePump(ws, ch)
	return nil
}

func (c *Connection) readPump(ws *websocket.Conn, gen int) {
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.handleReadError(err, gen)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("[connection] discarding malformed frame: %v", err)
			continue
		}
		if env.Type == protocol.TypeError {
			c.recordServerError(env)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Connection) writePump(ws *websocket.Conn, ch chan protocol.Envelope) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			raw, err := json.Marshal(env)
			if err != nil {
				log.Printf("[connection] encode %s: %v", env.Type, err)
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// recordServerError notes a server rejection so the close that follows it is
// classified as terminal rather than retried.
func (c *Connection) recordServerError(env protocol.Envelope) {
	var p protocol.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("[connection] malformed error payload: %v", err)
		return
	}
	c.mu.Lock()
	c.terminal = true
	c.reason = p.Reason
	c.mu.Unlock()
	log.Printf("[connection] server rejected session: %s", p.Reason)
}

func (c *Connection) handleReadError(err error, gen int) {
	c.mu.Lock()
	stale := c.destroyed || gen != c.generation
	terminal, reason := c.terminal, c.reason
	if !stale {
		if c.ws != nil {
			c.ws.Close()
			c.ws = nil
		}
		if c.sendCh != nil {
			close(c.sendCh)
			c.sendCh = nil
		}
	}
	c.mu.Unlock()
	if stale {
		return
	}

	if ce, ok := err.(*websocket.CloseError); ok {
		switch ce.Code {
		case protocol.CloseInvalidCredentials:
			terminal, reason = true, protocol.ReasonInvalidCredentials
		case protocol.CloseDuplicateSession:
			terminal, reason = true, protocol.ReasonDuplicateSession
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			c.setState(StateDisconnected, "")
			return
		}
	}
	if terminal {
		// Server-initiated rejection: fatal, never retried.
		c.setState(StateConnectionError, reason)
		return
	}
	go c.reconnect()
}

func (c *Connection) reconnect() {
	c.setState(StateReconnecting, "")
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitialBackoff
	bo.Multiplier = 2
	bo.MaxInterval = reconnectMaxBackoff
	bo.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		c.mu.Lock()
		dead := c.destroyed
		c.mu.Unlock()
		if dead {
			return nil
		}
		attempt++
		log.Printf("[connection] reconnect attempt %d/%d", attempt, reconnectMaxAttempts)
		return c.dial()
	}, backoff.WithMaxRetries(bo, reconnectMaxAttempts))
	if err != nil {
		// Attempt cap exhausted: terminal, surfaced to the application.
		c.setState(StateReconnectError, err.Error())
		return
	}
	c.mu.Lock()
	dead := c.destroyed
	c.mu.Unlock()
	if !dead {
		c.setState(StateConnected, "")
	}
}

func (c *Connection) setState(s State, reason string) {
	c.mu.Lock()
	if c.state == s && c.reason == reason {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.reason = reason
	watchers := make([]func(StateChange), len(c.watchers))
	copy(watchers, c.watchers)
	c.mu.Unlock()
	change := StateChange{State: s, Reason: reason}
	for _, fn := range watchers {
		safeCall(func() { fn(change) })
	}
}

func (c *Connection) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	handlers := make([]func(protocol.Envelope), len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()
	for _, fn := range handlers {
		safeCall(func() { fn(env) })
	}
}

// safeCall keeps one panicking listener from breaking delivery to the rest.
func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[realtime] listener panic: %v", r)
		}
	}()
	fn()
}
