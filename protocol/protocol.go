// Package protocol defines the wire format shared by the client SDK and the
// relay server. Every frame on the websocket is a single JSON Envelope.
package protocol

import "encoding/json"

// MessageType tags an Envelope with the protocol operation it carries.
type MessageType string

const (
	// Client -> server.
	TypeJoin           MessageType = "room.join"
	TypeLeave          MessageType = "room.leave"
	TypeEvent          MessageType = "room.event"
	TypeHistoryRequest MessageType = "room.history"
	TypePresenceGet    MessageType = "presence.get"
	TypePresenceUpdate MessageType = "presence.update"

	// Server -> client.
	TypeJoined           MessageType = "room.joined"
	TypeHistoryResult    MessageType = "room.history.result"
	TypePresenceSnapshot MessageType = "presence.snapshot"
	TypePresenceJoined   MessageType = "presence.joined"
	TypePresenceLeave    MessageType = "presence.leave"
	TypeError            MessageType = "error"
)

// Websocket close codes for server-initiated rejections. Clients treat these
// as terminal and never reconnect on them.
const (
	CloseInvalidCredentials = 4001
	CloseDuplicateSession   = 4002
)

// Terminal reason strings carried alongside the close codes above.
const (
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonDuplicateSession   = "duplicate_session"
)

// Envelope is the frame exchanged between clients and the relay. Payload is
// left opaque here; each layer decodes only the payloads it owns.
type Envelope struct {
	ID           string          `json:"id,omitempty"`
	Type         MessageType     `json:"type"`
	RoomID       string          `json:"roomId,omitempty"`
	Event        string          `json:"event,omitempty"`
	SenderID     string          `json:"senderId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	// Retain asks the relay to keep the latest envelope for this event name
	// and replay it to late joiners. Used for low-traffic shared room state
	// such as the host record.
	Retain bool `json:"retain,omitempty"`
}

// PresenceEvent is one member's record in the room roster: identity plus the
// participant's last published presence payload. Timestamp is wall-clock
// milliseconds at emission and is the only ordering signal exposed to
// higher layers.
type PresenceEvent struct {
	ID           string          `json:"id"`
	ConnectionID string          `json:"connectionId"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

// JoinPayload is the body of a TypeJoin envelope.
type JoinPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SnapshotPayload is the body of a TypePresenceSnapshot envelope.
type SnapshotPayload struct {
	Members []PresenceEvent `json:"members"`
}

// HistoryPayload is the body of a TypeHistoryResult envelope. An empty
// Events slice is a normal result, not an error.
type HistoryPayload struct {
	Events []Envelope `json:"events"`
}

// ErrorPayload is the body of a TypeError envelope sent before a
// server-initiated close.
type ErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}
