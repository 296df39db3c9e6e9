package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mossy-p/p2p-call-signaling/internal/models"
	"github.com/mossy-p/p2p-call-signaling/internal/session"
	"github.com/rs/zerolog"
)

var (
	ErrUndeliverable = errors.New("relay: destination undeliverable")
	ErrNotRelayable  = errors.New("relay: event is not relayed")
)

// Connections resolves a session identity to its live connection
type Connections interface {
	Conn(id string) (session.Conn, bool)
}

// Peers resolves the other member of a room
type Peers interface {
	Peer(roomID, sessionID string) (string, bool)
}

// Relay forwards signaling frames between the two members of a room.
// It never looks inside offers or answers.
type Relay struct {
	conns Connections
	peers Peers
	log   zerolog.Logger
}

func New(conns Connections, peers Peers, logger zerolog.Logger) *Relay {
	return &Relay{
		conns: conns,
		peers: peers,
		log:   logger.With().Str("component", "relay").Logger(),
	}
}

// Forward delivers a client signaling envelope sent by from, a member of
// roomID, to the other member. An empty "to" resolves to the room peer.
// The offer or answer bytes reach the destination unchanged; "to" is
// replaced by the sender's identity. Nothing is retried.
func (r *Relay) Forward(from, roomID string, env models.Envelope) error {
	out, ok := env.Event.Relayed()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRelayable, env.Event)
	}

	var sig models.Signal
	if err := env.Decode(&sig); err != nil {
		return fmt.Errorf("decode %s: %w", env.Event, err)
	}

	peer, ok := r.peers.Peer(roomID, from)
	if !ok {
		return fmt.Errorf("%w: no peer in room %q", ErrUndeliverable, roomID)
	}
	to := sig.To
	if to == "" {
		to = peer
	}
	if to == from {
		return fmt.Errorf("%w: addressed to sender", ErrUndeliverable)
	}
	if to != peer {
		return fmt.Errorf("%w: %s is not in room %q", ErrUndeliverable, to, roomID)
	}

	field, payload := "offer", sig.Offer
	if out == models.EventCallAccepted || out == models.EventNegoFinal {
		field, payload = "ans", sig.Ans
	}

	frame, err := encodeForward(out, from, field, payload)
	if err != nil {
		return err
	}
	if err := r.deliver(to, frame); err != nil {
		return err
	}

	r.log.Debug().
		Str("event", string(out)).
		Str("from", from).
		Str("to", to).
		Int("bytes", len(payload)).
		Msg("Relayed signal")
	return nil
}

// Notify sends a server-originated envelope to one session.
func (r *Relay) Notify(to string, env models.Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Event, err)
	}
	return r.deliver(to, frame)
}

func (r *Relay) deliver(to string, frame []byte) error {
	conn, ok := r.conns.Conn(to)
	if !ok {
		return fmt.Errorf("%w: session %s not connected", ErrUndeliverable, to)
	}
	if !conn.Send(frame) {
		return fmt.Errorf("%w: session %s send buffer full", ErrUndeliverable, to)
	}
	return nil
}

// encodeForward writes the payload verbatim. Going through json.Marshal
// would compact it and escape HTML characters inside it.
func encodeForward(event models.Event, from, field string, payload json.RawMessage) ([]byte, error) {
	ev, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	id, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	var b bytes.Buffer
	b.Grow(len(payload) + len(id) + 64)
	b.WriteString(`{"event":`)
	b.Write(ev)
	b.WriteString(`,"data":{"from":`)
	b.Write(id)
	b.WriteString(`,"` + field + `":`)
	b.Write(payload)
	b.WriteString(`}}`)
	return b.Bytes(), nil
}
