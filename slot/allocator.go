// Package slot assigns each participant that wants one an exclusive integer
// in [0, MaxSlots), using only presence snapshots. There is no central
// arbiter and no reservation handshake: claims are committed optimistically
// through the participant's presence payload, and collisions heal
// reactively when peers observe a conflicting claim.
package slot

import (
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"collabroom/protocol"
	"collabroom/realtime"
)

// DataKey is the presence payload field the allocator owns.
const DataKey = "slot"

// ErrNoSlotsAvailable is returned when every index is already claimed.
// Callers decide whether to retry; the allocator never retries this itself.
var ErrNoSlotsAvailable = errors.New("slot: no slots available")

// ErrAssignmentInProgress is returned when an assignment is already running
// in this process. Overlapping calls are serialized, not queued.
var ErrAssignmentInProgress = errors.New("slot: assignment already in progress")

// ErrSnapshotTimeout is returned when the presence snapshot backing an
// assignment never arrives. The allocator unlocks so a later Assign can try
// again.
var ErrSnapshotTimeout = errors.New("slot: presence snapshot timed out")

const defaultSnapshotTimeout = 10 * time.Second

// Slot is one participant's claim. Index -1 means unassigned; such
// participants render with the default gray color.
type Slot struct {
	Index     int    `json:"index"`
	Color     string `json:"color"`
	TextColor string `json:"textColor"`
	ColorName string `json:"colorName"`
	Timestamp int64  `json:"timestamp"`
}

// Default returns the unassigned slot.
func Default() Slot {
	return Slot{
		Index:     -1,
		Color:     defaultColor.Hex,
		TextColor: defaultColor.Text,
		ColorName: defaultColor.Name,
	}
}

// ForIndex builds the slot value for a palette index.
func ForIndex(index int) Slot {
	c := palette[index]
	return Slot{
		Index:     index,
		Color:     c.Hex,
		TextColor: c.Text,
		ColorName: c.Name,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Roster is the slice of presence the allocator needs. *realtime.Presence
// satisfies it.
type Roster interface {
	Get(func([]protocol.PresenceEvent))
	Update(map[string]json.RawMessage)
	LocalData() map[string]json.RawMessage
	On(realtime.PresenceEventKind, func(protocol.PresenceEvent))
}

// Allocator owns the local participant's slot claim and heals collisions
// observed in peers' presence updates.
type Allocator struct {
	roster        Roster
	participantID string

	snapshotTimeout time.Duration

	mu         sync.Mutex
	inProgress bool
	seq        uint64
	current    Slot
	watchers   []func(Slot)
	destroyed  bool
}

// NewAllocator wires an allocator to the roster. It starts watching for
// conflicting claims immediately.
func NewAllocator(roster Roster, participantID string) *Allocator {
	a := &Allocator{
		roster:          roster,
		participantID:   participantID,
		snapshotTimeout: defaultSnapshotTimeout,
		current:         Default(),
	}
	roster.On(realtime.PresenceUpdate, a.observe)
	roster.On(realtime.PresenceJoined, a.observe)
	return a
}

// Current returns the local claim.
func (a *Allocator) Current() Slot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// OnChange registers a callback fired whenever the local claim changes.
func (a *Allocator) OnChange(fn func(Slot)) {
	a.mu.Lock()
	a.watchers = append(a.watchers, fn)
	a.mu.Unlock()
}

// Destroy stops the allocator. Presence frames arriving afterwards are
// ignored.
func (a *Allocator) Destroy() {
	a.mu.Lock()
	a.destroyed = true
	a.watchers = nil
	a.mu.Unlock()
}

// Assign claims an index and reports the outcome through done, which may be
// nil. The claim is published optimistically before any peer has
// acknowledged it; a transient duplicate is possible and self-heals.
func (a *Allocator) Assign(done func(Slot, error)) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	if a.inProgress {
		a.mu.Unlock()
		finish(done, Slot{}, ErrAssignmentInProgress)
		return
	}
	a.inProgress = true
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	// A snapshot that never arrives must not wedge the allocator; the
	// deadline clears the flag so a later Assign can run.
	timer := time.AfterFunc(a.snapshotTimeout, func() {
		a.mu.Lock()
		stale := !a.inProgress || a.seq != seq
		if !stale {
			a.inProgress = false
		}
		a.mu.Unlock()
		if !stale {
			finish(done, Slot{}, ErrSnapshotTimeout)
		}
	})

	a.roster.Get(func(members []protocol.PresenceEvent) {
		timer.Stop()
		// Whoever clears inProgress under the lock, this callback or the
		// deadline, owns reporting the outcome; the other side backs off.
		a.mu.Lock()
		if !a.inProgress || a.seq != seq {
			a.mu.Unlock()
			return
		}
		a.inProgress = false
		a.mu.Unlock()

		claimed := a.claimedByOthers(members)
		if len(claimed) >= MaxSlots {
			finish(done, Slot{}, ErrNoSlotsAvailable)
			return
		}

		// Random pick first to spread claims; lowest free index as the
		// deterministic fallback.
		candidate := rand.Intn(MaxSlots)
		if claimed[candidate] {
			for i := 0; i < MaxSlots; i++ {
				if !claimed[i] {
					candidate = i
					break
				}
			}
		}

		s := ForIndex(candidate)
		a.publish(s)
		finish(done, s, nil)
	})
}

// Release gives the claim back by publishing the default slot. A release
// requested while an assignment is running is skipped; the flag serializes
// the two writes within this process.
func (a *Allocator) Release() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	if a.inProgress {
		a.mu.Unlock()
		log.Printf("[slot] release skipped: assignment in progress")
		return
	}
	already := a.current.Index < 0
	a.mu.Unlock()
	if already {
		return
	}
	a.publish(Default())
}

func (a *Allocator) claimedByOthers(members []protocol.PresenceEvent) map[int]bool {
	claimed := make(map[int]bool)
	for _, m := range members {
		if m.ID == a.participantID {
			continue
		}
		if s, ok := decodeSlot(m.Data); ok && s.Index >= 0 && s.Index < MaxSlots {
			claimed[s.Index] = true
		}
	}
	return claimed
}

// publish writes the claim through the presence payload, merged with the
// fields other concerns keep there.
func (a *Allocator) publish(s Slot) {
	raw, err := json.Marshal(s)
	if err != nil {
		log.Printf("[slot] encode claim: %v", err)
		return
	}
	data := a.roster.LocalData()
	data[DataKey] = raw
	a.roster.Update(data)

	a.mu.Lock()
	a.current = s
	watchers := make([]func(Slot), len(a.watchers))
	copy(watchers, a.watchers)
	a.mu.Unlock()
	for _, fn := range watchers {
		fn(s)
	}
}

// observe watches peers' claims. When a peer announces the index held
// locally, the peer's update is by definition the most recently observed,
// so the local side yields and re-runs allocation.
func (a *Allocator) observe(ev protocol.PresenceEvent) {
	if ev.ID == a.participantID {
		return
	}
	s, ok := decodeSlot(ev.Data)
	if !ok || s.Index < 0 {
		return
	}
	a.mu.Lock()
	conflict := !a.destroyed && !a.inProgress &&
		a.current.Index >= 0 && s.Index == a.current.Index
	a.mu.Unlock()
	if conflict {
		log.Printf("[slot] index %d also claimed by %s, reassigning", s.Index, ev.ID)
		a.Assign(nil)
	}
}

func decodeSlot(data json.RawMessage) (Slot, bool) {
	if len(data) == 0 {
		return Slot{}, false
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return Slot{}, false
	}
	raw, ok := payload[DataKey]
	if !ok {
		return Slot{}, false
	}
	var s Slot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Slot{}, false
	}
	return s, true
}

func finish(done func(Slot, error), s Slot, err error) {
	if done != nil {
		done(s, err)
	}
}
