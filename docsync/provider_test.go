package docsync

import (
	"encoding/json"
	"testing"

	"collabroom/crdt"
	"collabroom/realtime"
)

// busNet is an in-memory room: every emit is delivered to every peer,
// sender included, exactly as the relay fans events out.
type busNet struct {
	peers []*peerBus
}

type peerBus struct {
	net       *busNet
	id        string
	listeners map[string][]func(realtime.Event)
	sent      map[string]int
}

func (n *busNet) peer(id string) *peerBus {
	p := &peerBus{
		net:       n,
		id:        id,
		listeners: make(map[string][]func(realtime.Event)),
		sent:      make(map[string]int),
	}
	n.peers = append(n.peers, p)
	return p
}

func (p *peerBus) On(event string, fn func(realtime.Event)) {
	p.listeners[event] = append(p.listeners[event], fn)
}

func (p *peerBus) Emit(event string, payload any) {
	p.sent[event]++
	raw, _ := json.Marshal(payload)
	ev := realtime.Event{Name: event, SenderID: p.id, Payload: raw}
	for _, peer := range p.net.peers {
		for _, fn := range peer.listeners[event] {
			fn(ev)
		}
	}
}

type fakeHosts struct {
	self     string
	hostID   string
	watchers []func(string)
}

func (h *fakeHosts) HostID() string { return h.hostID }
func (h *fakeHosts) IsHost() bool   { return h.hostID != "" && h.hostID == h.self }
func (h *fakeHosts) OnChange(fn func(string)) {
	h.watchers = append(h.watchers, fn)
}
func (h *fakeHosts) set(id string) {
	h.hostID = id
	for _, fn := range h.watchers {
		fn(id)
	}
}

type peer struct {
	doc      *crdt.Document
	bus      *peerBus
	hosts    *fakeHosts
	provider *Provider
}

func newPeer(net *busNet, id, hostID string) *peer {
	p := &peer{
		doc:   crdt.NewDocument(id),
		bus:   net.peer(id),
		hosts: &fakeHosts{self: id, hostID: hostID},
	}
	p.provider = NewProvider(p.bus, p.hosts, p.doc, id)
	return p
}

func TestHostSyncedImmediately(t *testing.T) {
	net := &busNet{}
	h := newPeer(net, "alice", "alice")

	h.provider.Connect()
	if h.provider.State() != Connecting {
		t.Errorf("Expected Connecting, got %s", h.provider.State())
	}
	h.provider.Ready()
	if h.provider.State() != Connected {
		t.Errorf("Expected Connected, got %s", h.provider.State())
	}
	if !h.provider.Synced() {
		t.Error("Host must be synced by definition")
	}
	if h.bus.sent[FetchEvent] != 0 {
		t.Error("Host must not fetch from itself")
	}
}

func TestJoinerFetchesAndSyncs(t *testing.T) {
	net := &busNet{}
	hostPeer := newPeer(net, "alice", "alice")
	hostPeer.doc.Insert(0, "shared text")
	hostPeer.provider.Connect()
	hostPeer.provider.Ready()

	joiner := newPeer(net, "bob", "alice")
	joiner.provider.Connect()
	if joiner.provider.Synced() {
		t.Error("Joiner must not be synced before the first merge")
	}
	joiner.provider.Ready()

	if !joiner.provider.Synced() {
		t.Error("Joiner must be synced after the host broadcast")
	}
	if joiner.doc.Text() != "shared text" {
		t.Errorf("Expected joiner to hold the host text, got %q", joiner.doc.Text())
	}
	if hostPeer.bus.sent[StateEvent] != 1 {
		t.Errorf("Expected exactly 1 host broadcast, got %d", hostPeer.bus.sent[StateEvent])
	}
}

func TestFetchNoOpWhenNothingMissing(t *testing.T) {
	net := &busNet{}
	hostPeer := newPeer(net, "alice", "alice")
	hostPeer.provider.Connect()
	hostPeer.provider.Ready()

	joiner := newPeer(net, "bob", "alice")
	joiner.provider.Connect()
	joiner.provider.Ready()

	// Both replicas are empty and identical: the fetch is a no-op.
	if hostPeer.bus.sent[StateEvent] != 0 {
		t.Errorf("Expected no broadcast for identical states, got %d", hostPeer.bus.sent[StateEvent])
	}
}

func TestJoinerContentReachesEveryone(t *testing.T) {
	net := &busNet{}
	hostPeer := newPeer(net, "alice", "alice")
	hostPeer.doc.Insert(0, "A")
	hostPeer.provider.Connect()
	hostPeer.provider.Ready()

	other := newPeer(net, "carol", "alice")
	other.provider.Connect()
	other.provider.Ready()

	// Bob arrives with offline edits; the host merge rebroadcast carries
	// them to carol as well.
	joiner := newPeer(net, "bob", "alice")
	joiner.doc.Insert(0, "B")
	joiner.provider.Connect()
	joiner.provider.Ready()

	if hostPeer.doc.Text() != joiner.doc.Text() || joiner.doc.Text() != other.doc.Text() {
		t.Errorf("Replicas diverged: host=%q joiner=%q other=%q",
			hostPeer.doc.Text(), joiner.doc.Text(), other.doc.Text())
	}
}

func TestLocalEditsBroadcastToAll(t *testing.T) {
	net := &busNet{}
	hostPeer := newPeer(net, "alice", "alice")
	hostPeer.provider.Connect()
	hostPeer.provider.Ready()
	other := newPeer(net, "bob", "alice")
	other.provider.Connect()
	other.provider.Ready()

	// Incremental updates flow regardless of sync state and converge.
	hostPeer.doc.Insert(0, "hi")
	other.doc.Insert(0, "yo")

	if hostPeer.doc.Text() != other.doc.Text() {
		t.Errorf("Replicas diverged: %q vs %q", hostPeer.doc.Text(), other.doc.Text())
	}
	if hostPeer.bus.sent[UpdateEvent] != 1 || other.bus.sent[UpdateEvent] != 1 {
		t.Error("Each local edit must be broadcast exactly once")
	}
}

func TestHostChangeRefetchesAgainstNewHost(t *testing.T) {
	net := &busNet{}
	a := newPeer(net, "alice", "alice")
	a.provider.Connect()
	a.provider.Ready()
	b := newPeer(net, "bob", "alice")
	b.provider.Connect()
	b.provider.Ready()
	c := newPeer(net, "carol", "alice")
	c.provider.Connect()
	c.provider.Ready()

	a.doc.Insert(0, "doc")

	// Alice leaves; bob is elected. Bob is synced by definition, carol
	// re-fetches against him.
	net.peers = net.peers[1:]
	fetchesBefore := c.bus.sent[FetchEvent]
	b.hosts.set("bob")
	c.hosts.set("bob")

	if !b.provider.Synced() {
		t.Error("New host must treat itself as synced")
	}
	if c.bus.sent[FetchEvent] != fetchesBefore+1 {
		t.Error("Non-host must re-fetch on host change")
	}
	if b.doc.Text() != c.doc.Text() {
		t.Errorf("Replicas diverged after host change: %q vs %q", b.doc.Text(), c.doc.Text())
	}
}

func TestSelfEchoDiscarded(t *testing.T) {
	net := &busNet{}
	h := newPeer(net, "alice", "alice")
	h.provider.Connect()
	h.provider.Ready()

	// The bus delivers the host's own broadcasts back to it; they must
	// not flip the synced flag path or corrupt the doc.
	h.doc.Insert(0, "text")
	h.bus.Emit(StateEvent, statePayload{State: mustState(t, h.doc)})

	if h.doc.Text() != "text" {
		t.Errorf("Self-echo corrupted the document: %q", h.doc.Text())
	}
}

func mustState(t *testing.T, d *crdt.Document) []byte {
	t.Helper()
	state, err := d.EncodeState()
	if err != nil {
		t.Fatalf("encode state: %v", err)
	}
	return state
}
