// Package collabroom is a realtime coordination layer for shared rooms:
// who is present, a bounded set of exclusive color slots, one elected host
// per room, ephemeral awareness state and a convergent shared document,
// all layered over a single websocket to the relay.
package collabroom

import (
	"errors"

	"github.com/google/uuid"

	"collabroom/awareness"
	"collabroom/crdt"
	"collabroom/docsync"
	"collabroom/host"
	"collabroom/realtime"
	"collabroom/slot"
)

// DefaultEndpoint is used when Config.Endpoint is empty.
const DefaultEndpoint = "ws://127.0.0.1:8081/v1/ws"

// Config opens a transport for one participant.
type Config struct {
	APIKey      string
	Environment string
	Endpoint    string
	Participant realtime.Participant
}

// Session owns the connection and every component built on it. It is the
// single context object handed to each layer at construction; there is no
// process-global state. Lifecycle is tied to Connect and Close.
type Session struct {
	conn        *realtime.Connection
	participant realtime.Participant
	room        *realtime.Room
	slots       *slot.Allocator
	elector     *host.Elector
	awareness   *awareness.Awareness
	doc         *crdt.Document
	sync        *docsync.Provider
}

// Connect opens the transport. Joining a room is a separate step; see Join.
func Connect(cfg Config) (*Session, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("collabroom: api key is required")
	}
	if cfg.Participant.ID == "" {
		cfg.Participant.ID = uuid.NewString()
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	conn, err := realtime.Dial(endpoint, cfg.APIKey, cfg.Environment, cfg.Participant.ID)
	if err != nil {
		return nil, err
	}
	s := &Session{conn: conn, participant: cfg.Participant}
	conn.Connect()
	return s, nil
}

// Join enters a room and builds the coordination components on top of it.
// It returns immediately; membership is confirmed asynchronously.
func (s *Session) Join(roomID string) {
	if s.room != nil {
		return
	}
	s.room = realtime.NewRoom(s.conn, roomID, s.participant)
	roster := s.room.Presence()

	s.slots = slot.NewAllocator(roster, s.participant.ID)
	s.elector = host.NewElector(s.room, roster, s.participant.ID)
	s.awareness = awareness.New(roster, s.participant.ID)
	s.doc = crdt.NewDocument(s.participant.ID)
	s.sync = docsync.NewProvider(s.room, s.elector, s.doc, s.participant.ID)

	s.room.OnJoined(func() {
		s.elector.Start()
		s.sync.Ready()
	})
	s.conn.OnStateChange(func(ch realtime.StateChange) {
		if ch.State == realtime.StateReconnecting && s.sync != nil {
			s.sync.Disconnect()
			s.sync.Connect()
		}
	})

	s.sync.Connect()
	s.room.Join()
}

// Close tears everything down. Handlers tolerate frames that were already
// in flight when teardown ran.
func (s *Session) Close() {
	if s.sync != nil {
		s.sync.Destroy()
	}
	if s.awareness != nil {
		s.awareness.Destroy()
	}
	if s.slots != nil {
		s.slots.Destroy()
	}
	if s.elector != nil {
		s.elector.Destroy()
	}
	if s.room != nil {
		s.room.Disconnect()
	}
	s.conn.Disconnect()
}

// Connection returns the transport state machine.
func (s *Session) Connection() *realtime.Connection { return s.conn }

// Room returns the joined room, nil before Join.
func (s *Session) Room() *realtime.Room { return s.room }

// Presence returns the room roster, nil before Join.
func (s *Session) Presence() *realtime.Presence {
	if s.room == nil {
		return nil
	}
	return s.room.Presence()
}

// Slots returns the slot allocator, nil before Join.
func (s *Session) Slots() *slot.Allocator { return s.slots }

// Host returns the host elector, nil before Join.
func (s *Session) Host() *host.Elector { return s.elector }

// Awareness returns the awareness replica, nil before Join.
func (s *Session) Awareness() *awareness.Awareness { return s.awareness }

// Document returns the shared document replica, nil before Join.
func (s *Session) Document() *crdt.Document { return s.doc }

// Sync returns the document sync provider, nil before Join.
func (s *Session) Sync() *docsync.Provider { return s.sync }
