// Package awareness replicates a small ephemeral key/value entry per
// connected client, piggy-backed on presence so no extra transport is
// needed. Entries are distinct from the durable shared document: they are
// created on first publish or first remote observation and die with their
// owner. A client that goes idle clears its entry after a fixed delay and
// republishes the cached value verbatim when it comes back.
package awareness

import (
	"encoding/json"
	"log"
	"math/rand"
	"sync"
	"time"

	"collabroom/protocol"
	"collabroom/realtime"
)

// DataKey is the presence payload field awareness owns.
const DataKey = "awareness"

// IdleDelay is how long a hidden client waits before clearing its entry.
const IdleDelay = 30 * time.Second

// entry is the wire shape carried inside the presence payload. A null
// State is an explicit clear.
type entry struct {
	ClientID uint32          `json:"clientId"`
	State    json.RawMessage `json:"state"`
}

// Change describes one batch of map mutations delivered to observers.
type Change struct {
	Added   []uint32
	Updated []uint32
	Removed []uint32
}

// Roster is the slice of presence awareness needs. *realtime.Presence
// satisfies it.
type Roster interface {
	Update(map[string]json.RawMessage)
	LocalData() map[string]json.RawMessage
	On(realtime.PresenceEventKind, func(protocol.PresenceEvent))
}

// Awareness is the replicated clientId -> state map plus the local entry's
// idle-suppression machinery.
type Awareness struct {
	roster        Roster
	participantID string
	clientID      uint32

	// idleDelay is IdleDelay in production; tests shorten it.
	idleDelay time.Duration

	mu         sync.Mutex
	states     map[uint32]json.RawMessage
	owners     map[uint32]string
	local      json.RawMessage
	cached     json.RawMessage
	suppressed bool
	idleTimer  *time.Timer
	destroyed  bool
	watchers   []func(Change)
}

// New wires awareness to the roster. The clientId is a random per-process
// integer, deliberately distinct from the participant id.
func New(roster Roster, participantID string) *Awareness {
	a := &Awareness{
		roster:        roster,
		participantID: participantID,
		clientID:      rand.Uint32(),
		idleDelay:     IdleDelay,
		states:        make(map[uint32]json.RawMessage),
		owners:        make(map[uint32]string),
	}
	roster.On(realtime.PresenceUpdate, a.observe)
	roster.On(realtime.PresenceJoined, a.observe)
	roster.On(realtime.PresenceLeave, a.handleLeave)
	return a
}

// ClientID returns the local client id.
func (a *Awareness) ClientID() uint32 { return a.clientID }

// SetLocalState publishes the local entry. A nil value clears it. The
// presence write merges with whatever non-awareness fields are already in
// the local payload, so concerns like the slot claim are not clobbered.
func (a *Awareness) SetLocalState(state any) error {
	var raw json.RawMessage
	if state != nil {
		b, err := json.Marshal(state)
		if err != nil {
			return err
		}
		raw = b
	}
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	ch := a.setLocalLocked(raw)
	a.mu.Unlock()
	a.notify(ch)
	a.publish(raw)
	return nil
}

// SetLocalStateField updates one key of the local entry, treating the
// current state as a JSON object.
func (a *Awareness) SetLocalStateField(key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	a.mu.Lock()
	fields := make(map[string]json.RawMessage)
	if len(a.local) > 0 {
		if err := json.Unmarshal(a.local, &fields); err != nil {
			a.mu.Unlock()
			return err
		}
	}
	fields[key] = b
	raw, err := json.Marshal(fields)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	ch := a.setLocalLocked(raw)
	a.mu.Unlock()
	a.notify(ch)
	a.publish(raw)
	return nil
}

// GetLocalState returns the local entry's current value, nil when cleared.
func (a *Awareness) GetLocalState() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.local
}

// GetStates returns a copy of the full replicated map.
func (a *Awareness) GetStates() map[uint32]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint32]json.RawMessage, len(a.states))
	for k, v := range a.states {
		out[k] = v
	}
	return out
}

// OnChange registers an observer for map mutation batches.
func (a *Awareness) OnChange(fn func(Change)) {
	a.mu.Lock()
	a.watchers = append(a.watchers, fn)
	a.mu.Unlock()
}

// SetVisible tells awareness whether the local document is on screen.
// Going hidden arms a delayed clear; the value is cached and comes back
// verbatim when visibility returns. Hiding and re-showing within the delay
// produces no externally visible change.
func (a *Awareness) SetVisible(visible bool) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	if visible {
		if a.idleTimer != nil {
			a.idleTimer.Stop()
			a.idleTimer = nil
		}
		if !a.suppressed {
			a.mu.Unlock()
			return
		}
		a.suppressed = false
		cached := a.cached
		a.cached = nil
		ch := a.setLocalLocked(cached)
		a.mu.Unlock()
		a.notify(ch)
		a.publish(cached)
		return
	}
	if a.idleTimer != nil || a.suppressed {
		a.mu.Unlock()
		return
	}
	a.idleTimer = time.AfterFunc(a.idleDelay, a.suppress)
	a.mu.Unlock()
}

// Destroy stops timers and detaches from the roster.
func (a *Awareness) Destroy() {
	a.mu.Lock()
	a.destroyed = true
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
	a.watchers = nil
	a.mu.Unlock()
}

func (a *Awareness) suppress() {
	a.mu.Lock()
	if a.destroyed || a.suppressed {
		a.mu.Unlock()
		return
	}
	a.idleTimer = nil
	a.suppressed = true
	a.cached = a.local
	ch := a.setLocalLocked(nil)
	a.mu.Unlock()
	a.notify(ch)
	log.Printf("[awareness] idle for %s, clearing local entry", a.idleDelay)
	a.publish(nil)
}

// setLocalLocked records the local value in the replicated map and returns
// the resulting change batch. Caller holds a.mu.
func (a *Awareness) setLocalLocked(raw json.RawMessage) Change {
	a.local = raw
	_, existed := a.states[a.clientID]
	var ch Change
	if raw == nil {
		if existed {
			delete(a.states, a.clientID)
			delete(a.owners, a.clientID)
			ch.Removed = []uint32{a.clientID}
		}
	} else {
		a.states[a.clientID] = raw
		a.owners[a.clientID] = a.participantID
		if existed {
			ch.Updated = []uint32{a.clientID}
		} else {
			ch.Added = []uint32{a.clientID}
		}
	}
	return ch
}

// publish writes the local entry through presence, merged with the other
// concerns' fields.
func (a *Awareness) publish(raw json.RawMessage) {
	e := entry{ClientID: a.clientID, State: raw}
	b, err := json.Marshal(e)
	if err != nil {
		log.Printf("[awareness] encode entry: %v", err)
		return
	}
	data := a.roster.LocalData()
	data[DataKey] = b
	a.roster.Update(data)
}

// observe folds a peer's presence payload into the replicated map.
func (a *Awareness) observe(ev protocol.PresenceEvent) {
	if ev.ID == a.participantID || len(ev.Data) == 0 {
		return
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return
	}
	raw, ok := payload[DataKey]
	if !ok {
		return
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		log.Printf("[awareness] malformed entry from %s: %v", ev.ID, err)
		return
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	var ch Change
	if e.State == nil || string(e.State) == "null" {
		if _, existed := a.states[e.ClientID]; existed {
			delete(a.states, e.ClientID)
			delete(a.owners, e.ClientID)
			ch.Removed = []uint32{e.ClientID}
		}
	} else {
		if _, existed := a.states[e.ClientID]; existed {
			ch.Updated = []uint32{e.ClientID}
		} else {
			ch.Added = []uint32{e.ClientID}
		}
		a.states[e.ClientID] = e.State
		a.owners[e.ClientID] = ev.ID
	}
	a.mu.Unlock()
	a.notify(ch)
}

// handleLeave removes every entry owned by the departed participant and
// emits one removal batch.
func (a *Awareness) handleLeave(ev protocol.PresenceEvent) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	var removed []uint32
	for clientID, owner := range a.owners {
		if owner == ev.ID {
			delete(a.states, clientID)
			delete(a.owners, clientID)
			removed = append(removed, clientID)
		}
	}
	a.mu.Unlock()
	a.notify(Change{Removed: removed})
}

// notify fans a non-empty change batch out to observers, outside the lock
// so callbacks are free to read back into the map.
func (a *Awareness) notify(ch Change) {
	if len(ch.Added) == 0 && len(ch.Updated) == 0 && len(ch.Removed) == 0 {
		return
	}
	a.mu.Lock()
	watchers := make([]func(Change), len(a.watchers))
	copy(watchers, a.watchers)
	a.mu.Unlock()
	for _, fn := range watchers {
		fn(ch)
	}
}
