package relay

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"time"

	"collabroom/protocol"
)

// historyLimit bounds the replay window per room.
const historyLimit = 100

type frame struct {
	c      *client
	env    protocol.Envelope
	remote bool
}

// room serializes all state for one room id in a single goroutine: the
// member roster, the bounded history ring and the retained-event map. That
// single loop is what gives clients per-sender ordering.
type room struct {
	srv    *Server
	id     string
	frames chan frame
	detach chan *client

	// Owned by the run goroutine.
	members  map[*client]*protocol.PresenceEvent
	byID     map[string]*client
	history  []protocol.Envelope
	retained map[string]protocol.Envelope
}

func newRoom(s *Server, id string) *room {
	return &room{
		srv:      s,
		id:       id,
		frames:   make(chan frame, 64),
		detach:   make(chan *client, 16),
		members:  make(map[*client]*protocol.PresenceEvent),
		byID:     make(map[string]*client),
		retained: make(map[string]protocol.Envelope),
	}
}

func (r *room) run() {
	for {
		select {
		case f := <-r.frames:
			r.handle(f)
		case c := <-r.detach:
			r.removeMember(c)
		}
		// The last member leaving ends the room. Retained state lives on
		// in the store and is reloaded when the room id is joined again.
		if len(r.members) == 0 && r.srv.release(r) {
			return
		}
	}
}

func (r *room) handle(f frame) {
	if f.remote {
		r.handleRemote(f.env)
		return
	}
	switch f.env.Type {
	case protocol.TypeJoin:
		r.handleJoin(f.c, f.env)
	case protocol.TypeLeave:
		r.removeMember(f.c)
	case protocol.TypeEvent:
		r.handleEvent(f.c, f.env)
	case protocol.TypeHistoryRequest:
		r.handleHistory(f.c)
	case protocol.TypePresenceGet:
		r.handleSnapshot(f.c)
	case protocol.TypePresenceUpdate:
		r.handlePresenceUpdate(f.c, f.env)
	default:
		log.Printf("[room %s] unexpected %s frame", r.id, f.env.Type)
	}
}

func (r *room) handleJoin(c *client, env protocol.Envelope) {
	var joinedAt int64
	if existing, ok := r.byID[env.SenderID]; ok && existing != c {
		prev := r.members[existing]
		if prev == nil || env.ConnectionID == "" || prev.ConnectionID != env.ConnectionID {
			// One membership per participant per room. A different
			// connection id for the same identity is a duplicate session,
			// rejected terminally.
			log.Printf("[room %s] duplicate session for %s, rejecting", r.id, env.SenderID)
			c.reject(protocol.ReasonDuplicateSession, protocol.CloseDuplicateSession)
			return
		}
		// Same connection id on a fresh socket: the participant is
		// resuming after a transport drop. Replace the stale transport and
		// keep the original join time so election ordering is unaffected.
		joinedAt = prev.Timestamp
		delete(r.members, existing)
		existing.detach(r)
		existing.close()
		log.Printf("[room %s] %s resumed on a new transport", r.id, env.SenderID)
	}
	if joinedAt == 0 {
		joinedAt = time.Now().UnixMilli()
	}

	var jp protocol.JoinPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &jp); err != nil {
			log.Printf("[room %s] malformed join payload from %s: %v", r.id, env.SenderID, err)
		}
	}
	member := &protocol.PresenceEvent{
		ID:           env.SenderID,
		ConnectionID: env.ConnectionID,
		Name:         jp.Name,
		Data:         jp.Data,
		Timestamp:    joinedAt,
	}
	r.members[c] = member
	r.byID[env.SenderID] = c
	c.attach(r)

	c.deliver(protocol.Envelope{Type: protocol.TypeJoined, RoomID: r.id})

	// Replay durable room state before any snapshot the joiner asks for.
	for _, ret := range r.retained {
		c.deliver(ret)
	}

	r.broadcastPresence(protocol.TypePresenceJoined, member)
	log.Printf("[room %s] %s joined (%d members)", r.id, env.SenderID, len(r.members))
}

func (r *room) handleEvent(c *client, env protocol.Envelope) {
	if _, ok := r.members[c]; !ok {
		log.Printf("[room %s] dropping event from non-member %s", r.id, env.SenderID)
		return
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	r.appendHistory(env)
	if env.Retain {
		r.retain(env)
	}
	r.broadcast(env)
	if r.srv.bridge != nil {
		r.srv.bridge.Publish(env)
	}
}

// handleRemote applies an envelope bridged from another relay node. Only
// application events cross nodes; presence stays local to each node's
// roster.
func (r *room) handleRemote(env protocol.Envelope) {
	if env.Type != protocol.TypeEvent {
		return
	}
	r.appendHistory(env)
	if env.Retain {
		r.retain(env)
	}
	r.broadcast(env)
}

func (r *room) handleHistory(c *client) {
	events := r.recentEvents()
	payload, err := json.Marshal(protocol.HistoryPayload{Events: events})
	if err != nil {
		log.Printf("[room %s] encode history: %v", r.id, err)
		return
	}
	c.deliver(protocol.Envelope{
		Type:    protocol.TypeHistoryResult,
		RoomID:  r.id,
		Payload: payload,
	})
}

func (r *room) handleSnapshot(c *client) {
	members := make([]protocol.PresenceEvent, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, *m)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].Timestamp < members[j].Timestamp
	})
	payload, err := json.Marshal(protocol.SnapshotPayload{Members: members})
	if err != nil {
		log.Printf("[room %s] encode snapshot: %v", r.id, err)
		return
	}
	c.deliver(protocol.Envelope{
		Type:    protocol.TypePresenceSnapshot,
		RoomID:  r.id,
		Payload: payload,
	})
}

// handlePresenceUpdate overwrites the member's payload with the published
// one and broadcasts the updated record. Timestamp stays the join time; it
// is the ordering signal for election, not a last-modified marker.
func (r *room) handlePresenceUpdate(c *client, env protocol.Envelope) {
	member, ok := r.members[c]
	if !ok {
		return
	}
	member.Data = env.Payload
	r.broadcastPresence(protocol.TypePresenceUpdate, member)
}

func (r *room) removeMember(c *client) {
	member, ok := r.members[c]
	if !ok {
		return
	}
	delete(r.members, c)
	delete(r.byID, member.ID)
	c.detach(r)
	r.broadcastPresence(protocol.TypePresenceLeave, member)
	log.Printf("[room %s] %s left (%d members)", r.id, member.ID, len(r.members))
}

func (r *room) broadcastPresence(t protocol.MessageType, member *protocol.PresenceEvent) {
	payload, err := json.Marshal(member)
	if err != nil {
		log.Printf("[room %s] encode presence event: %v", r.id, err)
		return
	}
	r.broadcast(protocol.Envelope{
		Type:      t,
		RoomID:    r.id,
		SenderID:  member.ID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (r *room) broadcast(env protocol.Envelope) {
	for c := range r.members {
		c.deliver(env)
	}
}

func (r *room) appendHistory(env protocol.Envelope) {
	r.history = append(r.history, env)
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
	if r.srv.bridge != nil {
		r.srv.bridge.AppendHistory(env)
	}
}

// recentEvents serves the replay window: from redis when bridged (so the
// window spans nodes), from the local ring otherwise.
func (r *room) recentEvents() []protocol.Envelope {
	if r.srv.bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		events, err := r.srv.bridge.History(ctx, r.id)
		if err == nil {
			return events
		}
		log.Printf("[room %s] redis history unavailable, serving local ring: %v", r.id, err)
	}
	out := make([]protocol.Envelope, len(r.history))
	copy(out, r.history)
	return out
}

func (r *room) retain(env protocol.Envelope) {
	r.retained[env.Event] = env
	if r.srv.store != nil {
		if err := r.srv.store.SaveRetained(r.id, env); err != nil {
			log.Printf("[room %s] persist retained %s: %v", r.id, env.Event, err)
		}
	}
}
