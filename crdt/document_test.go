package crdt

import "testing"

func TestInsertDelete(t *testing.T) {
	d := NewDocument("alice")

	d.Insert(0, "Hello")
	if d.Text() != "Hello" {
		t.Errorf("Expected 'Hello', got '%s'", d.Text())
	}

	d.Insert(5, " World")
	if d.Text() != "Hello World" {
		t.Errorf("Expected 'Hello World', got '%s'", d.Text())
	}

	d.Delete(5)
	if d.Text() != "HelloWorld" {
		t.Errorf("Expected 'HelloWorld', got '%s'", d.Text())
	}
}

func TestUpdateCallbackCarriesDelta(t *testing.T) {
	d := NewDocument("alice")
	var updates [][]byte
	d.OnUpdate(func(u []byte) { updates = append(updates, u) })

	d.Insert(0, "hi")
	if len(updates) != 1 {
		t.Fatalf("Expected 1 update, got %d", len(updates))
	}

	peer := NewDocument("bob")
	changed, err := peer.ApplyUpdate(updates[0])
	if err != nil {
		t.Fatalf("Failed to apply update: %v", err)
	}
	if !changed {
		t.Error("Expected update to change the peer replica")
	}
	if peer.Text() != "hi" {
		t.Errorf("Expected 'hi', got '%s'", peer.Text())
	}
}

func TestApplyUpdateIdempotent(t *testing.T) {
	d := NewDocument("alice")
	var update []byte
	d.OnUpdate(func(u []byte) { update = u })
	d.Insert(0, "x")

	peer := NewDocument("bob")
	if _, err := peer.ApplyUpdate(update); err != nil {
		t.Fatalf("Failed to apply update: %v", err)
	}
	changed, err := peer.ApplyUpdate(update)
	if err != nil {
		t.Fatalf("Failed to re-apply update: %v", err)
	}
	if changed {
		t.Error("Redelivered update must be a no-op")
	}
	if peer.Text() != "x" {
		t.Errorf("Expected 'x', got '%s'", peer.Text())
	}
}

func TestConvergenceAnyOrder(t *testing.T) {
	a := NewDocument("alice")
	b := NewDocument("bob")
	c := NewDocument("carol")

	var fromA, fromB [][]byte
	a.OnUpdate(func(u []byte) { fromA = append(fromA, cp(u)) })
	b.OnUpdate(func(u []byte) { fromB = append(fromB, cp(u)) })

	a.Insert(0, "abc")
	b.Insert(0, "xyz")
	a.Delete(1)

	// Deliver in different interleavings, respecting per-sender order.
	for _, u := range append(append([][]byte{}, fromB...), fromA...) {
		if _, err := c.ApplyUpdate(u); err != nil {
			t.Fatalf("carol apply: %v", err)
		}
	}
	for _, u := range fromB {
		if _, err := a.ApplyUpdate(u); err != nil {
			t.Fatalf("alice apply: %v", err)
		}
	}
	for _, u := range fromA {
		if _, err := b.ApplyUpdate(u); err != nil {
			t.Fatalf("bob apply: %v", err)
		}
	}

	if a.Text() != b.Text() || b.Text() != c.Text() {
		t.Errorf("Replicas diverged: %q %q %q", a.Text(), b.Text(), c.Text())
	}
}

func TestMergeStateReportsBothDirections(t *testing.T) {
	a := NewDocument("alice")
	b := NewDocument("bob")
	a.Insert(0, "from-a")
	b.Insert(0, "from-b")

	stateB, err := b.EncodeState()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	learned, missing, err := a.MergeState(stateB)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !learned {
		t.Error("Expected a to learn b's operations")
	}
	if !missing {
		t.Error("Expected merge to report b is missing a's operations")
	}

	// After b catches up, a second merge is a complete no-op.
	stateA, err := a.EncodeState()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := b.ApplyUpdate(stateA); err != nil {
		t.Fatalf("apply: %v", err)
	}
	stateB, _ = b.EncodeState()
	learned, missing, err = a.MergeState(stateB)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if learned || missing {
		t.Errorf("Expected identical states to merge as a no-op, got learned=%v missing=%v", learned, missing)
	}
	if a.Text() != b.Text() {
		t.Errorf("Replicas diverged: %q vs %q", a.Text(), b.Text())
	}
}

func cp(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
