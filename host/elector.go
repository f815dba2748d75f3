// Package host elects exactly one participant per room as the
// source-of-truth for document cold starts. Election is never negotiated:
// every peer independently computes the same winner from the presence
// snapshot, and only the winner publishes the result. The elected id lives
// on a dedicated retained broadcast channel so it survives independently of
// any one participant's presence payload.
package host

import (
	"encoding/json"
	"log"
	"sync"

	"collabroom/protocol"
	"collabroom/realtime"
)

// StateEvent is the room event name carrying the host record.
const StateEvent = "host.state"

// HostState is the single shared value replicated through StateEvent. An
// empty HostID means no host is recorded.
type HostState struct {
	HostID string `json:"hostId"`
}

// Bus is the slice of Room the elector needs. *realtime.Room satisfies it.
type Bus interface {
	On(event string, fn func(realtime.Event))
	EmitRetained(event string, payload any)
}

// Roster is the slice of presence the elector needs. *realtime.Presence
// satisfies it.
type Roster interface {
	Get(func([]protocol.PresenceEvent))
	On(realtime.PresenceEventKind, func(protocol.PresenceEvent))
}

// Elector tracks the current host and re-runs election when the recorded
// host departs.
type Elector struct {
	bus           Bus
	roster        Roster
	participantID string

	mu        sync.Mutex
	hostID    string
	started   bool
	destroyed bool
	watchers  []func(hostID string)
}

// NewElector wires an elector to the room and roster. Call Start once the
// local join is confirmed, so the retained host record has been replayed.
func NewElector(bus Bus, roster Roster, participantID string) *Elector {
	e := &Elector{bus: bus, roster: roster, participantID: participantID}
	bus.On(StateEvent, e.handleState)
	roster.On(realtime.PresenceLeave, e.handleLeave)
	return e
}

// Start checks the durable host record against the current roster: adopt it
// when the recorded host is present, elect otherwise. The relay replays the
// retained record before answering the snapshot request, so by the time the
// snapshot callback runs any recorded host has been observed.
func (e *Elector) Start() {
	e.mu.Lock()
	if e.started || e.destroyed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.roster.Get(func(members []protocol.PresenceEvent) {
		e.mu.Lock()
		recorded := e.hostID
		e.mu.Unlock()
		if recorded != "" && present(recorded, members) {
			return
		}
		e.elect(members)
	})
}

// HostID returns the locally recorded host id, empty when none.
func (e *Elector) HostID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hostID
}

// IsHost reports whether the local participant is the recorded host.
func (e *Elector) IsHost() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hostID != "" && e.hostID == e.participantID
}

// OnChange registers a callback fired when a new host id is recorded.
func (e *Elector) OnChange(fn func(hostID string)) {
	e.mu.Lock()
	e.watchers = append(e.watchers, fn)
	e.mu.Unlock()
}

// Destroy stops the elector.
func (e *Elector) Destroy() {
	e.mu.Lock()
	e.destroyed = true
	e.watchers = nil
	e.mu.Unlock()
}

// elect computes the deterministic winner: the earliest joiner by presence
// timestamp. Only the winner publishes; everyone else adopts the broadcast
// they observe. All would-be writers compute the same winner from the same
// snapshot, so a transient double publication is harmless.
func (e *Elector) elect(members []protocol.PresenceEvent) {
	if len(members) == 0 {
		return
	}
	winner := members[0]
	for _, m := range members[1:] {
		if m.Timestamp < winner.Timestamp {
			winner = m
		}
	}
	if winner.ID != e.participantID {
		return
	}
	log.Printf("[host] elected self (%s)", e.participantID)
	e.record(winner.ID)
	e.bus.EmitRetained(StateEvent, HostState{HostID: winner.ID})
}

func (e *Elector) handleState(ev realtime.Event) {
	var st HostState
	if err := json.Unmarshal(ev.Payload, &st); err != nil {
		log.Printf("[host] malformed host state: %v", err)
		return
	}
	if st.HostID == "" {
		return
	}
	e.record(st.HostID)
}

// handleLeave clears the record and immediately re-runs election when the
// departed participant is the recorded host.
func (e *Elector) handleLeave(ev protocol.PresenceEvent) {
	e.mu.Lock()
	isHost := !e.destroyed && e.hostID != "" && ev.ID == e.hostID
	if isHost {
		e.hostID = ""
	}
	e.mu.Unlock()
	if !isHost {
		return
	}
	log.Printf("[host] host %s left, re-electing", ev.ID)
	e.roster.Get(func(members []protocol.PresenceEvent) {
		e.mu.Lock()
		settled := e.hostID != "" || e.destroyed
		e.mu.Unlock()
		if settled {
			return
		}
		e.elect(members)
	})
}

func (e *Elector) record(hostID string) {
	e.mu.Lock()
	if e.destroyed || e.hostID == hostID {
		e.mu.Unlock()
		return
	}
	e.hostID = hostID
	watchers := make([]func(string), len(e.watchers))
	copy(watchers, e.watchers)
	e.mu.Unlock()
	for _, fn := range watchers {
		fn(hostID)
	}
}

func present(id string, members []protocol.PresenceEvent) bool {
	for _, m := range members {
		if m.ID == id {
			return true
		}
	}
	return false
}
