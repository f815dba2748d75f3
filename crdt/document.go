// Package crdt implements the mergeable text document behind the sync
// provider. The document is an append-only log of insert/delete operations
// with globally unique ids; the visible text is rebuilt by replaying the
// log in a deterministic total order (lamport clock, then actor id).
// Because merge only adds previously unseen operations and the replay order
// is independent of arrival order, merge is commutative, associative and
// idempotent: any interleaving of updates converges to the same text.
package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Op is a single edit operation.
type Op struct {
	ID     string `json:"id"`
	Actor  string `json:"actor"`
	Clock  int64  `json:"clock"`
	Action string `json:"action"` // "insert" or "delete"
	Pos    int    `json:"pos"`
	Text   string `json:"text,omitempty"`
}

const (
	actionInsert = "insert"
	actionDelete = "delete"
)

// Document is one replica of the shared text.
type Document struct {
	mu        sync.Mutex
	actor     string
	clock     int64
	ops       []Op
	seen      map[string]bool
	text      string
	updateFns []func(update []byte)
}

// NewDocument creates an empty replica owned by the given actor id.
func NewDocument(actor string) *Document {
	return &Document{
		actor: actor,
		seen:  make(map[string]bool),
	}
}

// Text returns the current visible text.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

// OnUpdate registers a callback receiving the encoded delta of every local
// edit, for broadcasting to peers.
func (d *Document) OnUpdate(fn func(update []byte)) {
	d.mu.Lock()
	d.updateFns = append(d.updateFns, fn)
	d.mu.Unlock()
}

// Insert adds text at the given rune position.
func (d *Document) Insert(pos int, text string) {
	if text == "" {
		return
	}
	d.localOp(Op{Action: actionInsert, Pos: pos, Text: text})
}

// Delete removes one rune at the given position.
func (d *Document) Delete(pos int) {
	d.localOp(Op{Action: actionDelete, Pos: pos})
}

func (d *Document) localOp(op Op) {
	d.mu.Lock()
	d.clock++
	op.Actor = d.actor
	op.Clock = d.clock
	op.ID = fmt.Sprintf("%s:%d", d.actor, d.clock)
	d.ops = append(d.ops, op)
	d.seen[op.ID] = true
	d.rebuildLocked()
	fns := make([]func([]byte), len(d.updateFns))
	copy(fns, d.updateFns)
	d.mu.Unlock()

	update, err := json.Marshal([]Op{op})
	if err != nil {
		return
	}
	for _, fn := range fns {
		fn(update)
	}
}

// EncodeState serializes the full operation log.
func (d *Document) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return json.Marshal(d.ops)
}

// ApplyUpdate merges an encoded batch of operations from a peer. Already
// seen operations are ignored, so redelivery is harmless. It reports
// whether the replica learned anything.
func (d *Document) ApplyUpdate(update []byte) (bool, error) {
	var ops []Op
	if err := json.Unmarshal(update, &ops); err != nil {
		return false, fmt.Errorf("decode update: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addLocked(ops), nil
}

// MergeState folds a peer's full state into this replica. It reports what
// each side was missing: learned is true when this replica gained
// operations, missing is true when the peer's state lacked operations this
// replica already has. The host uses the pair to decide whether a
// rebroadcast is needed at all.
func (d *Document) MergeState(remote []byte) (learned, missing bool, err error) {
	var ops []Op
	if err := json.Unmarshal(remote, &ops); err != nil {
		return false, false, fmt.Errorf("decode state: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	remoteIDs := make(map[string]bool, len(ops))
	for _, op := range ops {
		remoteIDs[op.ID] = true
	}
	for id := range d.seen {
		if !remoteIDs[id] {
			missing = true
			break
		}
	}
	learned = d.addLocked(ops)
	return learned, missing, nil
}

// addLocked appends unseen operations, advances the lamport clock and
// rebuilds the text. Caller holds d.mu.
func (d *Document) addLocked(ops []Op) bool {
	added := false
	for _, op := range ops {
		if op.ID == "" || d.seen[op.ID] {
			continue
		}
		d.ops = append(d.ops, op)
		d.seen[op.ID] = true
		if op.Clock > d.clock {
			d.clock = op.Clock
		}
		added = true
	}
	if added {
		d.rebuildLocked()
	}
	return added
}

// rebuildLocked replays the log in (clock, actor) order. The order is a
// total one over all replicas, so every replica that holds the same op set
// renders the same text. Caller holds d.mu.
func (d *Document) rebuildLocked() {
	ordered := make([]Op, len(d.ops))
	copy(ordered, d.ops)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Clock != ordered[j].Clock {
			return ordered[i].Clock < ordered[j].Clock
		}
		return ordered[i].Actor < ordered[j].Actor
	})

	var text []rune
	for _, op := range ordered {
		switch op.Action {
		case actionInsert:
			pos := op.Pos
			if pos > len(text) {
				pos = len(text)
			}
			if pos < 0 {
				pos = 0
			}
			text = append(text[:pos], append([]rune(op.Text), text[pos:]...)...)
		case actionDelete:
			if op.Pos >= 0 && op.Pos < len(text) {
				text = append(text[:op.Pos], text[op.Pos+1:]...)
			}
		}
	}
	d.text = string(text)
}
