package realtime

import (
	"encoding/json"
	"log"
	"reflect"
	"sync"

	"collabroom/protocol"
)

// PresenceEventKind enumerates the roster notifications Presence delivers.
type PresenceEventKind int

const (
	PresenceJoined PresenceEventKind = iota
	PresenceLeave
	PresenceUpdate
)

func (k PresenceEventKind) String() string {
	switch k {
	case PresenceJoined:
		return "joined"
	case PresenceLeave:
		return "leave"
	case PresenceUpdate:
		return "update"
	default:
		return "unknown"
	}
}

type presenceListener struct {
	fn  func(protocol.PresenceEvent)
	key uintptr
}

// Presence is the per-room roster layered on Room. Events from other rooms
// never reach it; Room filters by id before forwarding. Update is a
// full-payload overwrite of the local record at the protocol level, so
// callers re-send unmodified fields themselves.
type Presence struct {
	room *Room

	mu        sync.Mutex
	local     map[string]json.RawMessage
	listeners map[PresenceEventKind][]presenceListener
	snapshots []func([]protocol.PresenceEvent)
}

func newPresence(r *Room) *Presence {
	return &Presence{
		room:      r,
		local:     make(map[string]json.RawMessage),
		listeners: make(map[PresenceEventKind][]presenceListener),
	}
}

// Get requests a point-in-time snapshot of all current members. An absent
// or empty roster is a normal zero-valued result.
func (p *Presence) Get(fn func([]protocol.PresenceEvent)) {
	p.mu.Lock()
	p.snapshots = append(p.snapshots, fn)
	p.mu.Unlock()
	p.room.conn.Send(protocol.Envelope{
		Type:         protocol.TypePresenceGet,
		RoomID:       p.room.id,
		SenderID:     p.room.participant.ID,
		ConnectionID: p.room.conn.ID(),
	})
}

// Update overwrites the local participant's presence payload and broadcasts
// it to the room.
func (p *Presence) Update(data map[string]json.RawMessage) {
	p.mu.Lock()
	p.local = make(map[string]json.RawMessage, len(data))
	for k, v := range data {
		p.local[k] = v
	}
	raw := p.encodedLocalLocked()
	p.mu.Unlock()

	p.room.conn.Send(protocol.Envelope{
		Type:         protocol.TypePresenceUpdate,
		RoomID:       p.room.id,
		SenderID:     p.room.participant.ID,
		ConnectionID: p.room.conn.ID(),
		Payload:      raw,
		Timestamp:    nowMillis(),
	})
}

// LocalData returns a copy of the local participant's current payload.
// Layered concerns (slot, awareness) merge into this before calling Update
// so they do not clobber each other's fields.
func (p *Presence) LocalData() map[string]json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]json.RawMessage, len(p.local))
	for k, v := range p.local {
		out[k] = v
	}
	return out
}

// On registers a roster listener for the given event kind.
func (p *Presence) On(kind PresenceEventKind, fn func(protocol.PresenceEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners[kind] = append(p.listeners[kind], presenceListener{
		fn:  fn,
		key: reflect.ValueOf(fn).Pointer(),
	})
}

// Off removes a roster listener. A nil fn clears every listener for the kind.
// Listeners match by the identity of their underlying function; closures
// created from the same function literal are removed together.
func (p *Presence) Off(kind PresenceEventKind, fn func(protocol.PresenceEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fn == nil {
		delete(p.listeners, kind)
		return
	}
	key := reflect.ValueOf(fn).Pointer()
	kept := p.listeners[kind][:0]
	for _, l := range p.listeners[kind] {
		if l.key != key {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(p.listeners, kind)
	} else {
		p.listeners[kind] = kept
	}
}

func (p *Presence) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePresenceSnapshot:
		var sp protocol.SnapshotPayload
		if err := json.Unmarshal(env.Payload, &sp); err != nil {
			log.Printf("[presence %s] malformed snapshot: %v", p.room.id, err)
			return
		}
		p.mu.Lock()
		fns := p.snapshots
		p.snapshots = nil
		p.mu.Unlock()
		for _, fn := range fns {
			fn := fn
			safeCall(func() { fn(sp.Members) })
		}
	case protocol.TypePresenceJoined:
		p.dispatch(PresenceJoined, env)
	case protocol.TypePresenceLeave:
		p.dispatch(PresenceLeave, env)
	case protocol.TypePresenceUpdate:
		p.dispatch(PresenceUpdate, env)
	}
}

func (p *Presence) dispatch(kind PresenceEventKind, env protocol.Envelope) {
	var ev protocol.PresenceEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		log.Printf("[presence %s] malformed %s event: %v", p.room.id, kind, err)
		return
	}
	p.mu.Lock()
	ls := make([]presenceListener, len(p.listeners[kind]))
	copy(ls, p.listeners[kind])
	p.mu.Unlock()
	for _, l := range ls {
		fn := l.fn
		safeCall(func() { fn(ev) })
	}
}

func (p *Presence) encodedLocal() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encodedLocalLocked()
}

func (p *Presence) encodedLocalLocked() json.RawMessage {
	raw, err := json.Marshal(p.local)
	if err != nil {
		log.Printf("[presence %s] encode local payload: %v", p.room.id, err)
		return json.RawMessage("{}")
	}
	return raw
}
