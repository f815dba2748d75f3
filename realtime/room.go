package realtime

import (
	"encoding/json"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabroom/protocol"
)

// Participant identifies the local participant within a room.
type Participant struct {
	ID   string
	Name string
}

// Event is an application-level room message as seen by listeners.
type Event struct {
	Name         string
	SenderID     string
	ConnectionID string
	Payload      json.RawMessage
	Timestamp    int64
}

type listener struct {
	fn  func(Event)
	key uintptr
}

// Room is a named pub/sub scope over one Connection. All envelopes from
// other rooms sharing the transport are filtered out by id and never
// dispatched. Join completes asynchronously when the server confirms
// membership.
type Room struct {
	conn        *Connection
	id          string
	participant Participant

	mu         sync.Mutex
	joined     bool
	joinSent   bool
	destroyed  bool
	listeners  map[string][]listener
	joinedFns  []func()
	historyFns []func([]Event)
	presence   *Presence
}

// NewRoom binds a room to the connection. The room starts receiving frames
// immediately but emits nothing until Join is confirmed.
func NewRoom(conn *Connection, roomID string, p Participant) *Room {
	r := &Room{
		conn:        conn,
		id:          roomID,
		participant: p,
		listeners:   make(map[string][]listener),
	}
	r.presence = newPresence(r)
	conn.Handle(r.handle)
	conn.OnStateChange(r.handleConnState)
	return r
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Participant returns the local participant identity.
func (r *Room) Participant() Participant { return r.participant }

// Presence returns the roster layered on this room.
func (r *Room) Presence() *Presence { return r.presence }

// Joined reports whether the server has confirmed membership.
func (r *Room) Joined() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined
}

// Join sends the join intent. Confirmation arrives asynchronously; register
// interest with OnJoined. Safe to call again after a reconnect.
func (r *Room) Join() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.joinSent = true
	data := r.presence.encodedLocal()
	r.mu.Unlock()

	payload, _ := json.Marshal(protocol.JoinPayload{Name: r.participant.Name, Data: data})
	r.conn.Send(protocol.Envelope{
		ID:           uuid.NewString(),
		Type:         protocol.TypeJoin,
		RoomID:       r.id,
		SenderID:     r.participant.ID,
		ConnectionID: r.conn.ID(),
		Payload:      payload,
		Timestamp:    nowMillis(),
	})
}

// OnJoined registers a callback fired each time membership is confirmed,
// including after reconnects.
func (r *Room) OnJoined(fn func()) {
	r.mu.Lock()
	r.joinedFns = append(r.joinedFns, fn)
	already := r.joined
	r.mu.Unlock()
	if already {
		safeCall(fn)
	}
}

// On registers a listener for an application event name. Multiple listeners
// per event are supported.
func (r *Room) On(event string, fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	r.listeners[event] = append(r.listeners[event], listener{fn: fn, key: funcKey(fn)})
}

// Off removes a previously registered listener. A nil fn clears every
// listener for the event.
//
// Listeners match by the identity of their underlying function, so every
// closure created from the same function literal is removed together. Hold
// distinct top-level functions (or method values on distinct receivers) for
// listeners that must be removable independently.
func (r *Room) Off(event string, fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.listeners, event)
		return
	}
	key := funcKey(fn)
	kept := r.listeners[event][:0]
	for _, l := range r.listeners[event] {
		if l.key != key {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(r.listeners, event)
	} else {
		r.listeners[event] = kept
	}
}

// Emit broadcasts an application event to the room. Calling before join
// confirmation is a deliberate soft-fail: logged, never an error, so UI
// code racing room setup does not crash.
func (r *Room) Emit(event string, payload any) {
	r.emit(event, payload, false)
}

// EmitRetained is Emit with the relay asked to keep the latest envelope for
// this event and replay it to late joiners.
func (r *Room) EmitRetained(event string, payload any) {
	r.emit(event, payload, true)
}

func (r *Room) emit(event string, payload any, retain bool) {
	r.mu.Lock()
	ok := r.joined && !r.destroyed
	r.mu.Unlock()
	if !ok {
		log.Printf("[room %s] emit %q before join confirmation, ignored", r.id, event)
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[room %s] encode %q payload: %v", r.id, event, err)
		return
	}
	r.conn.Send(protocol.Envelope{
		ID:           uuid.NewString(),
		Type:         protocol.TypeEvent,
		RoomID:       r.id,
		Event:        event,
		SenderID:     r.participant.ID,
		ConnectionID: r.conn.ID(),
		Payload:      raw,
		Timestamp:    nowMillis(),
		Retain:       retain,
	})
}

// History requests a bounded replay of recent room events. The callback
// receives an empty slice when there is nothing to replay; that is a
// normal, common case.
func (r *Room) History(fn func([]Event)) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.historyFns = append(r.historyFns, fn)
	r.mu.Unlock()
	r.conn.Send(protocol.Envelope{
		Type:         protocol.TypeHistoryRequest,
		RoomID:       r.id,
		SenderID:     r.participant.ID,
		ConnectionID: r.conn.ID(),
	})
}

// Disconnect notifies the server of departure and drops every listener.
// Idempotent; in-flight frames arriving afterwards are ignored.
func (r *Room) Disconnect() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	wasJoined := r.joined
	r.destroyed = true
	r.joined = false
	r.listeners = make(map[string][]listener)
	r.joinedFns = nil
	r.historyFns = nil
	r.mu.Unlock()

	if wasJoined {
		r.conn.Send(protocol.Envelope{
			Type:         protocol.TypeLeave,
			RoomID:       r.id,
			SenderID:     r.participant.ID,
			ConnectionID: r.conn.ID(),
		})
	}
}

func (r *Room) handleConnState(ch StateChange) {
	if ch.State != StateConnected {
		if ch.State == StateReconnecting {
			r.mu.Lock()
			r.joined = false
			r.mu.Unlock()
		}
		return
	}
	r.mu.Lock()
	rejoin := r.joinSent && !r.joined && !r.destroyed
	r.mu.Unlock()
	if rejoin {
		r.Join()
	}
}

func (r *Room) handle(env protocol.Envelope) {
	if env.RoomID != r.id {
		return
	}
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	switch env.Type {
	case protocol.TypeJoined:
		r.mu.Lock()
		r.joined = true
		fns := make([]func(), len(r.joinedFns))
		copy(fns, r.joinedFns)
		r.mu.Unlock()
		for _, fn := range fns {
			safeCall(fn)
		}
	case protocol.TypeEvent:
		r.dispatchEvent(env)
	case protocol.TypeHistoryResult:
		r.dispatchHistory(env)
	case protocol.TypePresenceSnapshot, protocol.TypePresenceJoined,
		protocol.TypePresenceLeave, protocol.TypePresenceUpdate:
		r.presence.handle(env)
	}
}

func (r *Room) dispatchEvent(env protocol.Envelope) {
	r.mu.Lock()
	ls := make([]listener, len(r.listeners[env.Event]))
	copy(ls, r.listeners[env.Event])
	r.mu.Unlock()
	ev := Event{
		Name:         env.Event,
		SenderID:     env.SenderID,
		ConnectionID: env.ConnectionID,
		Payload:      env.Payload,
		Timestamp:    env.Timestamp,
	}
	for _, l := range ls {
		fn := l.fn
		safeCall(func() { fn(ev) })
	}
}

func (r *Room) dispatchHistory(env protocol.Envelope) {
	var p protocol.HistoryPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("[room %s] malformed history payload: %v", r.id, err)
		return
	}
	events := make([]Event, 0, len(p.Events))
	for _, e := range p.Events {
		events = append(events, Event{
			Name:         e.Event,
			SenderID:     e.SenderID,
			ConnectionID: e.ConnectionID,
			Payload:      e.Payload,
			Timestamp:    e.Timestamp,
		})
	}
	r.mu.Lock()
	fns := r.historyFns
	r.historyFns = nil
	r.mu.Unlock()
	for _, fn := range fns {
		fn := fn
		safeCall(func() { fn(events) })
	}
}

func funcKey(fn func(Event)) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

func nowMillis() int64 { return time.Now().UnixMilli() }
