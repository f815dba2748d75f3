package collabroom

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"collabroom/internal/relay"
	"collabroom/realtime"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := relay.NewServer(nil, nil, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
}

func connect(t *testing.T, endpoint, id string) *Session {
	t.Helper()
	s, err := Connect(Config{
		APIKey:      "test-key",
		Environment: "dev",
		Endpoint:    endpoint,
		Participant: realtime.Participant{ID: id, Name: id},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestConnectRequiresAPIKey(t *testing.T) {
	if _, err := Connect(Config{}); err == nil {
		t.Fatal("Expected an error for a missing api key")
	}
}

func TestSessionJoinAndElection(t *testing.T) {
	endpoint := startRelay(t)

	alice := connect(t, endpoint, "alice")
	alice.Join("room-1")
	waitFor(t, "alice membership", alice.Room().Joined)
	waitFor(t, "alice election", alice.Host().IsHost)
	waitFor(t, "alice sync", alice.Sync().Synced)

	bob := connect(t, endpoint, "bob")
	bob.Join("room-1")
	waitFor(t, "bob membership", bob.Room().Joined)
	waitFor(t, "bob host adoption", func() bool { return bob.Host().HostID() == "alice" })
	if bob.Host().IsHost() {
		t.Error("Later joiner must not consider itself host")
	}
}

func TestSessionDocumentSync(t *testing.T) {
	endpoint := startRelay(t)

	alice := connect(t, endpoint, "alice")
	alice.Join("room-1")
	waitFor(t, "alice sync", alice.Sync().Synced)
	alice.Document().Insert(0, "hello")

	bob := connect(t, endpoint, "bob")
	bob.Join("room-1")
	waitFor(t, "bob sync", bob.Sync().Synced)
	waitFor(t, "bob catch-up", func() bool { return bob.Document().Text() == "hello" })

	// Live edits flow both ways once synced.
	bob.Document().Insert(5, "!")
	waitFor(t, "convergence", func() bool {
		return alice.Document().Text() == bob.Document().Text()
	})
}

func TestSessionSlotExclusivity(t *testing.T) {
	endpoint := startRelay(t)

	alice := connect(t, endpoint, "alice")
	alice.Join("room-1")
	waitFor(t, "alice membership", alice.Room().Joined)
	alice.Slots().Assign(nil)
	waitFor(t, "alice slot", func() bool { return alice.Slots().Current().Index >= 0 })

	bob := connect(t, endpoint, "bob")
	bob.Join("room-1")
	waitFor(t, "bob membership", bob.Room().Joined)
	bob.Slots().Assign(nil)

	// Collisions self-heal, so the claims settle on distinct indices.
	waitFor(t, "distinct slots", func() bool {
		a, b := alice.Slots().Current().Index, bob.Slots().Current().Index
		return a >= 0 && b >= 0 && a != b
	})
}

func TestSessionAwarenessPropagation(t *testing.T) {
	endpoint := startRelay(t)

	alice := connect(t, endpoint, "alice")
	alice.Join("room-1")
	waitFor(t, "alice membership", alice.Room().Joined)

	bob := connect(t, endpoint, "bob")
	bob.Join("room-1")
	waitFor(t, "bob membership", bob.Room().Joined)

	if err := alice.Awareness().SetLocalState(map[string]int{"cursor": 4}); err != nil {
		t.Fatalf("SetLocalState: %v", err)
	}
	waitFor(t, "awareness propagation", func() bool {
		return len(bob.Awareness().GetStates()) == 1
	})
}

func TestSessionAccessorsBeforeJoin(t *testing.T) {
	endpoint := startRelay(t)
	s := connect(t, endpoint, "alice")

	if s.Room() != nil || s.Presence() != nil || s.Slots() != nil ||
		s.Host() != nil || s.Awareness() != nil || s.Document() != nil || s.Sync() != nil {
		t.Error("Component accessors must be nil before Join")
	}
	if s.Connection() == nil {
		t.Error("Connection must exist after Connect")
	}
}
