// Package docsync orchestrates convergent replication of the shared
// document. New joiners push their state to the elected host; the host
// merges and rebroadcasts when anyone is missing something; every other
// peer applies broadcasts. Local edits go to all participants as
// incremental updates the moment they happen, independent of sync state.
package docsync

import (
	"encoding/json"
	"log"
	"sync"

	"collabroom/realtime"
)

// Room event names for document traffic.
const (
	FetchEvent  = "doc.fetch"
	StateEvent  = "doc.state"
	UpdateEvent = "doc.update"
)

// State is the provider's connection state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Document is the convergent replica the provider drives. Merge semantics
// must be commutative, associative and idempotent; *crdt.Document
// satisfies it.
type Document interface {
	EncodeState() ([]byte, error)
	ApplyUpdate(update []byte) (bool, error)
	MergeState(remote []byte) (learned, missing bool, err error)
	OnUpdate(fn func(update []byte))
}

// Bus is the slice of Room the provider needs. *realtime.Room satisfies it.
type Bus interface {
	On(event string, fn func(realtime.Event))
	Emit(event string, payload any)
}

// Hosts is the slice of the elector the provider needs. *host.Elector
// satisfies it.
type Hosts interface {
	HostID() string
	IsHost() bool
	OnChange(fn func(hostID string))
}

type statePayload struct {
	State []byte `json:"state"`
}

type updatePayload struct {
	Update []byte `json:"update"`
}

// Provider wires a Document to the room and the host elector.
type Provider struct {
	bus           Bus
	hosts         Hosts
	doc           Document
	participantID string

	mu            sync.Mutex
	state         State
	synced        bool
	destroyed     bool
	syncWatchers  []func(bool)
	stateWatchers []func(State)
}

// NewProvider builds a provider and attaches its handlers. The provider
// starts Disconnected; drive it with Connect and Ready.
func NewProvider(bus Bus, hosts Hosts, doc Document, participantID string) *Provider {
	p := &Provider{
		bus:           bus,
		hosts:         hosts,
		doc:           doc,
		participantID: participantID,
	}
	bus.On(FetchEvent, p.handleFetch)
	bus.On(StateEvent, p.handleState)
	bus.On(UpdateEvent, p.handleUpdate)
	hosts.OnChange(p.handleHostChange)
	doc.OnUpdate(p.broadcastUpdate)
	return p
}

// Connect moves the provider to Connecting while the room join is in
// flight.
func (p *Provider) Connect() {
	p.setState(Connecting)
}

// Ready marks the join confirmed and immediately pushes the local state to
// the host.
func (p *Provider) Ready() {
	p.setState(Connected)
	if p.hosts.IsHost() {
		// The host is authoritative by definition.
		p.setSynced(true)
		return
	}
	p.fetch()
}

// Disconnect resets the provider. The synced flag drops until the next
// successful merge.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	p.synced = false
	p.mu.Unlock()
	p.setState(Disconnected)
}

// Destroy permanently detaches the provider. Frames arriving afterwards
// are ignored.
func (p *Provider) Destroy() {
	p.mu.Lock()
	p.destroyed = true
	p.syncWatchers = nil
	p.stateWatchers = nil
	p.mu.Unlock()
}

// State returns the current provider state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Synced reports whether the document has completed at least one merge
// with a peer since connecting. Local UI state, never replicated.
func (p *Provider) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// OnSync registers an observer for synced flag changes.
func (p *Provider) OnSync(fn func(bool)) {
	p.mu.Lock()
	p.syncWatchers = append(p.syncWatchers, fn)
	p.mu.Unlock()
}

// OnState registers an observer for provider state changes.
func (p *Provider) OnState(fn func(State)) {
	p.mu.Lock()
	p.stateWatchers = append(p.stateWatchers, fn)
	p.mu.Unlock()
}

// fetch serializes the local state and sends it toward the host.
func (p *Provider) fetch() {
	state, err := p.doc.EncodeState()
	if err != nil {
		log.Printf("[docsync] encode state for fetch: %v", err)
		return
	}
	p.bus.Emit(FetchEvent, statePayload{State: state})
}

// handleFetch answers fetches on the host only: merge the requester's
// state, and rebroadcast the merged document when either side was missing
// operations. When the host already had everything and the requester is
// not behind, it is a no-op.
func (p *Provider) handleFetch(ev realtime.Event) {
	if p.dead() || ev.SenderID == p.participantID || !p.hosts.IsHost() {
		return
	}
	var req statePayload
	if err := json.Unmarshal(ev.Payload, &req); err != nil {
		log.Printf("[docsync] malformed fetch from %s: %v", ev.SenderID, err)
		return
	}
	learned, missing, err := p.doc.MergeState(req.State)
	if err != nil {
		log.Printf("[docsync] merge fetch from %s: %v", ev.SenderID, err)
		return
	}
	if !learned && !missing {
		return
	}
	merged, err := p.doc.EncodeState()
	if err != nil {
		log.Printf("[docsync] encode merged state: %v", err)
		return
	}
	p.bus.Emit(StateEvent, statePayload{State: merged})
}

// handleState applies a host broadcast. The host never marks itself synced
// from its own broadcast; the self-echo discard covers that.
func (p *Provider) handleState(ev realtime.Event) {
	if p.dead() || ev.SenderID == p.participantID {
		return
	}
	var msg statePayload
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		log.Printf("[docsync] malformed state broadcast from %s: %v", ev.SenderID, err)
		return
	}
	if _, err := p.doc.ApplyUpdate(msg.State); err != nil {
		log.Printf("[docsync] apply state broadcast: %v", err)
		return
	}
	if !p.hosts.IsHost() {
		p.setSynced(true)
	}
}

func (p *Provider) handleUpdate(ev realtime.Event) {
	if p.dead() || ev.SenderID == p.participantID {
		return
	}
	var msg updatePayload
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		log.Printf("[docsync] malformed update from %s: %v", ev.SenderID, err)
		return
	}
	if _, err := p.doc.ApplyUpdate(msg.Update); err != nil {
		log.Printf("[docsync] apply update from %s: %v", ev.SenderID, err)
	}
}

// handleHostChange reacts to a new host record: the new host is
// authoritative and synced by definition; everyone else re-fetches against
// it.
func (p *Provider) handleHostChange(hostID string) {
	if p.dead() {
		return
	}
	if hostID == p.participantID {
		p.setSynced(true)
		return
	}
	p.mu.Lock()
	connected := p.state == Connected
	p.mu.Unlock()
	if connected {
		p.fetch()
	}
}

// broadcastUpdate sends a local edit to all participants as it occurs,
// independent of sync state.
func (p *Provider) broadcastUpdate(update []byte) {
	if p.dead() {
		return
	}
	p.bus.Emit(UpdateEvent, updatePayload{Update: update})
}

func (p *Provider) setState(s State) {
	p.mu.Lock()
	if p.destroyed || p.state == s {
		p.mu.Unlock()
		return
	}
	p.state = s
	watchers := make([]func(State), len(p.stateWatchers))
	copy(watchers, p.stateWatchers)
	p.mu.Unlock()
	for _, fn := range watchers {
		fn(s)
	}
}

func (p *Provider) setSynced(v bool) {
	p.mu.Lock()
	if p.destroyed || p.synced == v {
		p.mu.Unlock()
		return
	}
	p.synced = v
	watchers := make([]func(bool), len(p.syncWatchers))
	copy(watchers, p.syncWatchers)
	p.mu.Unlock()
	for _, fn := range watchers {
		fn(v)
	}
}

func (p *Provider) dead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}
