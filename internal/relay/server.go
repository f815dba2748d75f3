// Package relay implements the server side of the room protocol: websocket
// fan-out per room, the presence roster, bounded history replay, retained
// room state for late joiners, and optional cross-node bridging over redis.
package relay

import (
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabroom/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server owns the room registry and the optional integrations. Any of
// auth, store or bridge may be nil; the server then runs self-contained in
// memory.
type Server struct {
	instanceID string
	auth       *Authorizer
	store      *RetainStore
	bridge     *Bridge

	mu    sync.Mutex
	rooms map[string]*room
}

// NewServer builds a relay. Pass nil for integrations that are not
// configured.
func NewServer(auth *Authorizer, store *RetainStore, bridge *Bridge) *Server {
	s := &Server{
		instanceID: uuid.NewString(),
		auth:       auth,
		store:      store,
		bridge:     bridge,
		rooms:      make(map[string]*room),
	}
	if bridge != nil {
		bridge.start(s)
	}
	return s
}

// Router returns the HTTP surface: the websocket endpoint and a health
// check.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/ws", s.handleWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("apiKey")
	participantID := r.URL.Query().Get("participantId")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] upgrade: %v", err)
		return
	}
	c := newClient(s, ws, participantID)
	// The writer pump must be up before anything can queue frames, the
	// rejection path included.
	go c.writePump()

	if s.auth != nil {
		valid, err := s.auth.Validate(r.Context(), apiKey)
		if err != nil {
			log.Printf("[relay] api key check: %v", err)
		}
		if err != nil || !valid {
			c.reject(protocol.ReasonInvalidCredentials, protocol.CloseInvalidCredentials)
			return
		}
	}

	log.Printf("[relay] connection from participant %s", participantID)
	go c.readPump()
}

// spawnRoomLocked creates and starts a room, reloading its retained state
// from the durable store so a host record survives a relay restart. Caller
// holds s.mu.
func (s *Server) spawnRoomLocked(id string) *room {
	rm := newRoom(s, id)
	if s.store != nil {
		retained, err := s.store.LoadRoom(id)
		if err != nil {
			log.Printf("[relay] load retained state for %s: %v", id, err)
		}
		for _, env := range retained {
			rm.retained[env.Event] = env
		}
	}
	s.rooms[id] = rm
	go rm.run()
	return rm
}

// route dispatches one inbound frame from a client. The frame is queued
// under the registry lock so it can never land in a room that has already
// released itself; release re-checks the queue under the same lock.
func (s *Server) route(c *client, env protocol.Envelope) {
	if env.RoomID == "" {
		log.Printf("[relay] dropping %s frame without room id", env.Type)
		return
	}
	s.mu.Lock()
	rm, ok := s.rooms[env.RoomID]
	if !ok {
		if env.Type != protocol.TypeJoin {
			s.mu.Unlock()
			log.Printf("[relay] dropping %s frame for unknown room %s", env.Type, env.RoomID)
			return
		}
		rm = s.spawnRoomLocked(env.RoomID)
	}
	rm.frames <- frame{c: c, env: env}
	s.mu.Unlock()
}

// deliverRemote hands a bridged envelope from another relay node to the
// target room, if anyone here has joined it.
func (s *Server) deliverRemote(env protocol.Envelope) {
	s.mu.Lock()
	if rm, ok := s.rooms[env.RoomID]; ok {
		rm.frames <- frame{env: env, remote: true}
	}
	s.mu.Unlock()
}

// release drops an empty room from the registry so the relay does not
// accumulate one goroutine per room id it has ever seen. TryLock avoids a
// deadlock against a route blocked queueing into this room; a failed try
// just leaves the room running until its next idle check. A queued frame
// found under the lock cancels the release.
func (s *Server) release(rm *room) bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()
	if len(rm.frames) > 0 || len(rm.detach) > 0 {
		return false
	}
	delete(s.rooms, rm.id)
	return true
}

// Close shuts down the integrations.
func (s *Server) Close() {
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.auth != nil {
		s.auth.Close()
	}
}
