package negotiation

import (
	"context"

	"github.com/mossy-p/p2p-call-signaling/internal/models"
)

// State is the signaling state of one peer connection as the coordinator
// sees it.
type State int

const (
	Idle State = iota
	HaveLocalOffer
	HaveRemoteOffer
	Stable
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case HaveLocalOffer:
		return "have-local-offer"
	case HaveRemoteOffer:
		return "have-remote-offer"
	case Stable:
		return "stable"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// Description is a session description in the JSON shape browsers use.
type Description struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Track is an outbound media track handle.
type Track interface {
	ID() string
	Kind() string
	Stop()
}

// RemoteTrack is an inbound media track announced by the engine.
type RemoteTrack interface {
	ID() string
	Kind() string
}

// Engine is the connection engine that owns transport, ICE and codecs.
// SetLocalDescription returns the description actually applied, which
// may carry gathered candidates. Rollback discards a pending local or
// remote offer and returns the engine to its last stable point.
type Engine interface {
	CreateOffer(ctx context.Context) (Description, error)
	CreateAnswer(ctx context.Context) (Description, error)
	SetLocalDescription(ctx context.Context, d Description) (Description, error)
	SetRemoteDescription(ctx context.Context, d Description) error
	Rollback(ctx context.Context) error
	AddTrack(t Track) error
	RemoveTrack(id string) error
	OnNegotiationNeeded(fn func())
	OnRemoteTrack(fn func(RemoteTrack))
	Close() error
}

// MediaSource captures local media.
type MediaSource interface {
	Acquire(ctx context.Context) ([]Track, error)
}

// Signaler sends an envelope to the signaling server.
type Signaler interface {
	Send(ctx context.Context, env models.Envelope) error
}

// Subscriber delivers inbound envelopes by event name. The returned
// function removes the subscription.
type Subscriber interface {
	Subscribe(event models.Event, fn func(models.Envelope)) (cancel func())
}

// Hooks run on the coordinator's event loop. They must not call back
// into the Coordinator synchronously.
type Hooks struct {
	OnRemoteTrack func(RemoteTrack)
	OnCallFailed  func(error)
	OnStateChange func(State)
}

// Snapshot is a consistent view of the coordinator's state.
type Snapshot struct {
	State         State
	LocalID       string
	Peer          string
	Local         *Description
	Remote        *Description
	OfferInFlight bool
	FollowUp      bool
	Tracks        []string
	Pending       int
}
