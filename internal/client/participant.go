package client

import (
	"context"
	"sync"

	"github.com/mossy-p/p2p-call-signaling/internal/models"
	"github.com/mossy-p/p2p-call-signaling/internal/negotiation"
	"github.com/rs/zerolog"
)

// Transport is the participant's view of the signaling connection
type Transport interface {
	negotiation.Signaler
	negotiation.Subscriber
}

// ParticipantOptions configures a Participant. Hooks run on the
// transport's read goroutine.
type ParticipantOptions struct {
	Email string
	Room  string
	// AutoCall makes the first room member call the second as soon as
	// it is announced.
	AutoCall bool
	Logger   zerolog.Logger

	OnJoined       func(models.JoinAck)
	OnPeerJoined   func(models.UserJoined)
	OnPeerLeft     func(models.UserLeft)
	OnJoinRejected func(models.ErrorNotice)
}

// Participant joins a room and feeds membership events into its
// Negotiation Coordinator.
type Participant struct {
	transport Transport
	coord     *negotiation.Coordinator
	opts      ParticipantOptions
	log       zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	id      string
	peer    string
	cancels []func()
}

func NewParticipant(t Transport, coord *negotiation.Coordinator, opts ParticipantOptions) *Participant {
	p := &Participant{
		transport: t,
		coord:     coord,
		opts:      opts,
		ctx:       context.Background(),
		log:       opts.Logger.With().Str("room_id", opts.Room).Logger(),
	}

	p.cancels = []func(){
		t.Subscribe(models.EventRoomJoined, p.onJoined),
		t.Subscribe(models.EventUserJoined, p.onPeerJoined),
		t.Subscribe(models.EventUserLeft, p.onPeerLeft),
		t.Subscribe(models.EventError, p.onError),
	}
	coord.Bind(t)
	return p
}

// Join asks the server to place this participant in its room. ctx also
// bounds calls started automatically on its behalf.
func (p *Participant) Join(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	env, err := models.NewEnvelope(models.EventRoomJoin, models.JoinRequest{Email: p.opts.Email, Room: p.opts.Room})
	if err != nil {
		return err
	}
	return p.transport.Send(ctx, env)
}

// Leave drops every subscription and ends the call locally. The server
// notices the departure when the transport closes.
func (p *Participant) Leave(ctx context.Context) error {
	p.mu.Lock()
	cancels := p.cancels
	p.cancels = nil
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return p.coord.Leave(ctx)
}

// ID returns the identity the server assigned, once joined.
func (p *Participant) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// Peer returns the other member's identity if it was announced.
func (p *Participant) Peer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer
}

func (p *Participant) onJoined(env models.Envelope) {
	var ack models.JoinAck
	if err := env.Decode(&ack); err != nil {
		p.log.Warn().Err(err).Msg("Bad join ack")
		return
	}
	p.mu.Lock()
	p.id = ack.ID
	p.mu.Unlock()

	p.coord.SetLocalID(ack.ID)
	p.log.Info().Str("session_id", ack.ID).Msg("Joined room")
	if p.opts.OnJoined != nil {
		p.opts.OnJoined(ack)
	}
}

func (p *Participant) onPeerJoined(env models.Envelope) {
	var peer models.UserJoined
	if err := env.Decode(&peer); err != nil {
		p.log.Warn().Err(err).Msg("Bad user:joined")
		return
	}
	p.mu.Lock()
	p.peer = peer.ID
	ctx := p.ctx
	p.mu.Unlock()

	p.coord.SetPeer(peer.ID)
	p.log.Info().Str("peer", peer.ID).Str("email", peer.Email).Msg("Peer joined")
	if p.opts.OnPeerJoined != nil {
		p.opts.OnPeerJoined(peer)
	}

	if p.opts.AutoCall {
		// Call waits on the coordinator loop; keep the read goroutine free
		go func() {
			if err := p.coord.Call(ctx); err != nil {
				p.log.Warn().Err(err).Msg("Call failed")
			}
		}()
	}
}

func (p *Participant) onPeerLeft(env models.Envelope) {
	var left models.UserLeft
	if err := env.Decode(&left); err != nil {
		p.log.Warn().Err(err).Msg("Bad user:left")
		return
	}
	p.log.Info().Str("peer", left.ID).Msg("Peer left")
	if p.opts.OnPeerLeft != nil {
		p.opts.OnPeerLeft(left)
	}
}

func (p *Participant) onError(env models.Envelope) {
	var notice models.ErrorNotice
	if err := env.Decode(&notice); err != nil {
		p.log.Warn().Err(err).Msg("Bad error notice")
		return
	}
	p.log.Warn().Str("code", notice.Code).Str("message", notice.Message).Msg("Join rejected")
	if p.opts.OnJoinRejected != nil {
		p.opts.OnJoinRejected(notice)
	}
}
