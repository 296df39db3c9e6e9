package models

import "encoding/json"

// Event names a signaling message on the wire
type Event string

const (
	// Client -> server
	EventRoomJoin Event = "room:join"
	EventCallUser Event = "user:call"
	EventNegoDone Event = "peer:nego:done"

	// Server -> client
	EventRoomJoined   Event = "room:joined"
	EventUserJoined   Event = "user:joined"
	EventUserLeft     Event = "user:left"
	EventIncomingCall Event = "incomming:call" // spelling kept for existing browser clients
	EventNegoFinal    Event = "peer:nego:final"
	EventError        Event = "error"

	// Both directions
	EventCallAccepted Event = "call:accepted"
	EventNegoNeeded   Event = "peer:nego:needed"
)

// Relayed maps a client->server signaling event to the event the relay
// delivers to the destination. ok is false for events that are not relayed.
func (e Event) Relayed() (Event, bool) {
	switch e {
	case EventCallUser:
		return EventIncomingCall, true
	case EventCallAccepted:
		return EventCallAccepted, true
	case EventNegoNeeded:
		return EventNegoNeeded, true
	case EventNegoDone:
		return EventNegoFinal, true
	}
	return "", false
}

// Error codes carried by EventError
const (
	ErrorCodeRoomFull      = "room_full"
	ErrorCodeAlreadyJoined = "already_joined"
	ErrorCodeBadRequest    = "bad_request"
)

// Envelope is the frame exchanged over the WebSocket
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for event.
func NewEnvelope(event Event, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// JoinRequest is sent by a client to enter a room
type JoinRequest struct {
	Email string `json:"email"`
	Room  string `json:"room"`
}

// JoinAck confirms a join to the joiner and tells it its own identity
type JoinAck struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Room  string `json:"room"`
}

// UserJoined tells the first member who to call
type UserJoined struct {
	Email string `json:"email"`
	ID    string `json:"id"`
}

// UserLeft tells the remaining member that its peer's connection is gone
type UserLeft struct {
	ID   string `json:"id"`
	Room string `json:"room"`
}

// ErrorNotice reports a rejected request back to its sender
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Signal carries an offer or an answer. Clients fill To, the relay
// replaces it with From. Offer and Ans are opaque to the server.
type Signal struct {
	To    string          `json:"to,omitempty"`
	From  string          `json:"from,omitempty"`
	Offer json.RawMessage `json:"offer,omitempty"`
	Ans   json.RawMessage `json:"ans,omitempty"`
}
