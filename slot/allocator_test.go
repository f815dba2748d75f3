package slot

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"collabroom/protocol"
	"collabroom/realtime"
)

// fakeRoster is an in-memory presence stand-in. Get answers synchronously
// from the configured member list, unless deferSnapshots holds the answer
// back for the test to release; Update records every publish.
type fakeRoster struct {
	members        []protocol.PresenceEvent
	local          map[string]json.RawMessage
	updates        []map[string]json.RawMessage
	listeners      map[realtime.PresenceEventKind][]func(protocol.PresenceEvent)
	deferSnapshots bool
	pending        []func([]protocol.PresenceEvent)
}

func newFakeRoster() *fakeRoster {
	return &fakeRoster{
		local:     make(map[string]json.RawMessage),
		listeners: make(map[realtime.PresenceEventKind][]func(protocol.PresenceEvent)),
	}
}

func (f *fakeRoster) Get(fn func([]protocol.PresenceEvent)) {
	if f.deferSnapshots {
		f.pending = append(f.pending, fn)
		return
	}
	fn(f.members)
}

// answer releases the held-back snapshot callbacks.
func (f *fakeRoster) answer() {
	pending := f.pending
	f.pending = nil
	for _, fn := range pending {
		fn(f.members)
	}
}

func (f *fakeRoster) Update(data map[string]json.RawMessage) {
	f.local = data
	f.updates = append(f.updates, data)
}

func (f *fakeRoster) LocalData() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(f.local))
	for k, v := range f.local {
		out[k] = v
	}
	return out
}

func (f *fakeRoster) On(kind realtime.PresenceEventKind, fn func(protocol.PresenceEvent)) {
	f.listeners[kind] = append(f.listeners[kind], fn)
}

func (f *fakeRoster) emit(kind realtime.PresenceEventKind, ev protocol.PresenceEvent) {
	for _, fn := range f.listeners[kind] {
		fn(ev)
	}
}

func memberWithSlot(id string, index int) protocol.PresenceEvent {
	s := ForIndex(index)
	raw, _ := json.Marshal(s)
	data, _ := json.Marshal(map[string]json.RawMessage{DataKey: raw})
	return protocol.PresenceEvent{ID: id, Data: data}
}

func TestAssignPicksFreeIndex(t *testing.T) {
	roster := newFakeRoster()
	roster.members = []protocol.PresenceEvent{
		memberWithSlot("peer-1", 0),
		memberWithSlot("peer-2", 1),
	}
	a := NewAllocator(roster, "me")

	var got Slot
	var gotErr error
	a.Assign(func(s Slot, err error) { got, gotErr = s, err })
	if gotErr != nil {
		t.Fatalf("Assign failed: %v", gotErr)
	}
	if got.Index < 0 || got.Index >= MaxSlots {
		t.Fatalf("Index %d out of range", got.Index)
	}
	if got.Index == 0 || got.Index == 1 {
		t.Errorf("Index %d already claimed by a peer", got.Index)
	}
	if got.Color != palette[got.Index].Hex || got.ColorName != palette[got.Index].Name {
		t.Errorf("Slot colors do not match palette entry %d: %+v", got.Index, got)
	}
	if len(roster.updates) != 1 {
		t.Fatalf("Expected 1 presence publish, got %d", len(roster.updates))
	}
	if _, ok := roster.updates[0][DataKey]; !ok {
		t.Error("Publish missing slot payload field")
	}
}

func TestAssignFallsBackToLowestFree(t *testing.T) {
	roster := newFakeRoster()
	for i := 0; i < MaxSlots; i++ {
		if i == 7 {
			continue
		}
		roster.members = append(roster.members, memberWithSlot(fmt.Sprintf("peer-%d", i), i))
	}
	a := NewAllocator(roster, "me")

	var got Slot
	a.Assign(func(s Slot, err error) {
		if err != nil {
			t.Fatalf("Assign failed: %v", err)
		}
		got = s
	})
	if got.Index != 7 {
		t.Errorf("Expected the only free index 7, got %d", got.Index)
	}
}

func TestAssignExhausted(t *testing.T) {
	roster := newFakeRoster()
	for i := 0; i < MaxSlots; i++ {
		roster.members = append(roster.members, memberWithSlot(fmt.Sprintf("peer-%d", i), i))
	}
	a := NewAllocator(roster, "me")

	called := false
	a.Assign(func(s Slot, err error) {
		called = true
		if err != ErrNoSlotsAvailable {
			t.Errorf("Expected ErrNoSlotsAvailable, got %v", err)
		}
	})
	if !called {
		t.Fatal("Assign callback never ran")
	}
	if len(roster.updates) != 0 {
		t.Error("Exhausted assignment must not publish a claim")
	}
	if a.Current().Index != -1 {
		t.Errorf("Expected default slot after exhaustion, got %d", a.Current().Index)
	}
}

func TestCollisionYieldsAndReassigns(t *testing.T) {
	roster := newFakeRoster()
	// Every index but 3 and 5 is claimed, forcing deterministic picks.
	n := 0
	for i := 0; i < MaxSlots; i++ {
		if i == 3 || i == 5 {
			continue
		}
		roster.members = append(roster.members, memberWithSlot(fmt.Sprintf("peer-%d", n), i))
		n++
	}
	a := NewAllocator(roster, "me")
	a.Assign(nil)
	if a.Current().Index != 3 {
		t.Fatalf("Expected index 3, got %d", a.Current().Index)
	}

	// A peer announces the same index: the local side, whose claim was not
	// the most recently observed, must yield and re-run allocation.
	rival := memberWithSlot("rival", 3)
	roster.members = append(roster.members, rival)
	roster.emit(realtime.PresenceUpdate, rival)

	if a.Current().Index != 5 {
		t.Errorf("Expected reassignment to index 5, got %d", a.Current().Index)
	}
}

func TestReleasePublishesDefault(t *testing.T) {
	roster := newFakeRoster()
	a := NewAllocator(roster, "me")
	a.Assign(nil)
	if a.Current().Index < 0 {
		t.Fatal("Assign did not claim a slot")
	}

	a.Release()
	cur := a.Current()
	if cur.Index != -1 || cur.ColorName != "gray" {
		t.Errorf("Expected default slot after release, got %+v", cur)
	}
	last := roster.updates[len(roster.updates)-1]
	var s Slot
	if err := json.Unmarshal(last[DataKey], &s); err != nil {
		t.Fatalf("Failed to decode published slot: %v", err)
	}
	if s.Index != -1 {
		t.Errorf("Expected published index -1, got %d", s.Index)
	}

	// Releasing an unassigned slot is a no-op.
	count := len(roster.updates)
	a.Release()
	if len(roster.updates) != count {
		t.Error("Release of an unassigned slot must not publish")
	}
}

func TestAssignTimesOutWithoutSnapshot(t *testing.T) {
	roster := newFakeRoster()
	roster.deferSnapshots = true
	a := NewAllocator(roster, "me")
	a.snapshotTimeout = 20 * time.Millisecond

	errs := make(chan error, 1)
	a.Assign(func(_ Slot, err error) { errs <- err })
	select {
	case err := <-errs:
		if err != ErrSnapshotTimeout {
			t.Fatalf("Expected ErrSnapshotTimeout, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Assign never reported the missing snapshot")
	}

	// The snapshot arriving after the deadline must not publish a claim.
	roster.answer()
	if len(roster.updates) != 0 {
		t.Errorf("Late snapshot published a claim: %+v", roster.updates)
	}
	if a.Current().Index != -1 {
		t.Errorf("Expected the default slot after a timeout, got %d", a.Current().Index)
	}

	// The timeout unlocks the allocator for the next attempt.
	roster.deferSnapshots = false
	a.Assign(func(s Slot, err error) {
		if err != nil {
			t.Errorf("Assign after timeout failed: %v", err)
		}
		if s.Index < 0 {
			t.Errorf("Expected a claimed slot, got %d", s.Index)
		}
	})
}

func TestOwnEventsIgnored(t *testing.T) {
	roster := newFakeRoster()
	a := NewAllocator(roster, "me")
	a.Assign(nil)
	before := a.Current()

	self := memberWithSlot("me", before.Index)
	roster.emit(realtime.PresenceUpdate, self)
	if a.Current().Index != before.Index {
		t.Error("Allocator must not yield to its own presence echo")
	}
}
