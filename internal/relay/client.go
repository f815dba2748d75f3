package relay

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabroom/protocol"
)

const clientSendBuffer = 256

// Keepalive policy: the relay pings on pingPeriod and evicts a connection
// whose pong does not arrive within pongWait, so a silently dead peer
// leaves the roster instead of lingering. Vars so tests can compress the
// timing.
var (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// client is one websocket connection. All frames to the client, the
// rejection path included, go through the single writer pump; it is the
// only goroutine that writes data messages on the socket.
type client struct {
	srv           *Server
	ws            *websocket.Conn
	send          chan []byte
	participantID string

	mu         sync.Mutex
	rooms      map[*room]bool
	closed     bool
	closeFrame []byte
}

func newClient(s *Server, ws *websocket.Conn, participantID string) *client {
	return &client{
		srv:           s,
		ws:            ws,
		send:          make(chan []byte, clientSendBuffer),
		participantID: participantID,
		rooms:         make(map[*room]bool),
	}
}

func (c *client) readPump() {
	defer func() {
		c.detachAll()
		c.close()
	}()
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("[relay] discarding malformed frame from %s: %v", c.participantID, err)
			continue
		}
		c.srv.route(c, env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				c.ws.WriteMessage(websocket.CloseMessage, c.closeMessage())
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliver queues an envelope for the client, dropping when the buffer is
// full rather than blocking the room loop.
func (c *client) deliver(env protocol.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		log.Printf("[relay] encode %s frame: %v", env.Type, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- raw:
	default:
		log.Printf("[relay] dropping %s frame to %s: send buffer full", env.Type, c.participantID)
	}
}

// reject queues a terminal error frame and shuts the connection down with
// the given protocol close code, so the client knows not to reconnect. The
// frame rides the writer pump: rooms the client already joined may be
// delivering concurrently, and the pump is the only legal writer.
func (c *client) reject(reason string, code int) {
	payload, _ := json.Marshal(protocol.ErrorPayload{Reason: reason})
	raw, _ := json.Marshal(protocol.Envelope{Type: protocol.TypeError, Payload: payload})
	c.mu.Lock()
	if !c.closed {
		c.closeFrame = websocket.FormatCloseMessage(code, reason)
		select {
		case c.send <- raw:
		default:
		}
	}
	c.mu.Unlock()
	c.close()
}

// closeMessage returns the close frame the writer pump emits after the
// send channel drains: the rejection frame when one was recorded, a normal
// closure otherwise.
func (c *client) closeMessage() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeFrame != nil {
		return c.closeFrame
	}
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
}

// attach records room membership for disconnect cleanup.
func (c *client) attach(rm *room) {
	c.mu.Lock()
	c.rooms[rm] = true
	c.mu.Unlock()
}

func (c *client) detach(rm *room) {
	c.mu.Lock()
	delete(c.rooms, rm)
	c.mu.Unlock()
}

// detachAll tells every joined room the client is gone; the rooms emit the
// presence.leave broadcasts.
func (c *client) detachAll() {
	c.mu.Lock()
	rooms := make([]*room, 0, len(c.rooms))
	for rm := range c.rooms {
		rooms = append(rooms, rm)
	}
	c.rooms = make(map[*room]bool)
	c.mu.Unlock()
	for _, rm := range rooms {
		rm.detach <- c
	}
}

// close stops the writer pump by closing the send channel; the pump drains
// what is queued, emits the close frame and closes the socket.
func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}
