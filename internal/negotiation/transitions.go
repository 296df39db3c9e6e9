package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mossy-p/p2p-call-signaling/internal/models"
)

// answerEvent maps an outbound offer event to the inbound event that
// carries its answer.
func answerEvent(offer models.Event) models.Event {
	if offer == models.EventCallUser {
		return models.EventCallAccepted
	}
	return models.EventNegoFinal
}

func errState(s State) error {
	return fmt.Errorf("state %s", s)
}

func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debug().Str("from", c.state.String()).Str("to", s.String()).Msg("State change")
	c.state = s
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(s)
	}
}

func (c *Coordinator) failed(op string, kind, err error) error {
	e := newError(op, kind, err)
	c.log.Warn().Err(e).Msg("Call failed")
	if c.hooks.OnCallFailed != nil {
		c.hooks.OnCallFailed(e)
	}
	return e
}

func (c *Coordinator) signal(ctx context.Context, event models.Event, sig models.Signal) error {
	env, err := models.NewEnvelope(event, sig)
	if err != nil {
		return err
	}
	return c.signaler.Send(ctx, env)
}

// sendOffer creates and applies a local offer and sends it to the peer.
// On failure the engine is back where it started.
func (c *Coordinator) sendOffer(ctx context.Context, op string, event models.Event) error {
	offer, err := c.engine.CreateOffer(ctx)
	if err != nil {
		return c.failed(op, ErrNegotiationFailed, err)
	}
	local, err := c.engine.SetLocalDescription(ctx, offer)
	if err != nil {
		return c.failed(op, ErrNegotiationFailed, err)
	}
	record := func() {
		c.inFlight = &pendingOffer{
			answer:    answerEvent(event),
			gen:       c.gen,
			prevState: c.state,
			prevLocal: c.local,
		}
		c.local = &local
		c.setState(HaveLocalOffer)
	}

	raw, err := json.Marshal(local)
	if err == nil {
		err = c.signal(ctx, event, models.Signal{To: c.peer, Offer: raw})
	}
	if err != nil {
		if rbErr := c.rollback(ctx); rbErr != nil {
			// The engine still holds the offer
			record()
			return c.failed(op, ErrNegotiationFailed, errors.Join(err, rbErr))
		}
		return c.failed(op, ErrNegotiationFailed, err)
	}

	record()
	c.log.Debug().Str("event", string(event)).Uint64("generation", c.gen).Msg("Offer sent")
	return nil
}

func (c *Coordinator) rollback(ctx context.Context) error {
	if err := c.engine.Rollback(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Rollback failed")
		return err
	}
	return nil
}

// abandonOffer rolls back the in-flight offer and restores the state it
// was made from. If the engine refuses, nothing is changed.
func (c *Coordinator) abandonOffer(ctx context.Context) error {
	if err := c.rollback(ctx); err != nil {
		return err
	}
	c.local = c.inFlight.prevLocal
	prev := c.inFlight.prevState
	c.inFlight = nil
	c.setState(prev)
	return nil
}

// maybeRenegotiate sends a follow-up offer when the track set moved past
// what the peer has agreed to, or when a set-aside offer must be redone.
// Triggers that arrive while an offer is in flight are coalesced here.
func (c *Coordinator) maybeRenegotiate(ctx context.Context) {
	if c.state != Stable {
		return
	}
	if c.inFlight != nil {
		return
	}
	if c.gen == c.negotiated && !c.followUp {
		return
	}
	c.followUp = false
	c.sendOffer(ctx, "renegotiate", models.EventNegoNeeded)
}

func (c *Coordinator) negotiationNeeded() {
	if c.inFlight != nil {
		c.log.Debug().Uint64("generation", c.gen).Msg("Negotiation needed coalesced")
		return
	}
	c.maybeRenegotiate(c.loopCtx)
}

func (c *Coordinator) attach(tracks []Track) error {
	for _, t := range tracks {
		if err := c.engine.AddTrack(t); err != nil {
			return newError("attach", ErrNegotiationFailed, err)
		}
		c.tracks = append(c.tracks, t)
		c.gen++
		c.log.Debug().Str("track_id", t.ID()).Str("kind", t.Kind()).Msg("Track attached")
	}
	return nil
}

func (c *Coordinator) attachPending() error {
	if len(c.pending) == 0 {
		return nil
	}
	tracks := c.pending
	c.pending = nil
	return c.attach(tracks)
}

// fromPeer reports whether a relayed message belongs to this call. The
// first offer received names the peer if it is not known yet.
func (c *Coordinator) fromPeer(from string) bool {
	if from == "" || from == c.peer {
		return true
	}
	if c.peer == "" {
		c.peer = from
		return true
	}
	c.log.Warn().Str("from", from).Str("peer", c.peer).Msg("Message from unknown session ignored")
	return false
}

func decodeDescription(raw json.RawMessage, want SDPType) (Description, error) {
	var d Description
	if len(raw) == 0 {
		return d, errors.New("missing session description")
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("decode session description: %w", err)
	}
	if d.Type != want {
		return d, fmt.Errorf("got %q description, want %q", d.Type, want)
	}
	return d, nil
}

// handleOffer answers a relayed offer. reply is the event the answer is
// sent as.
func (c *Coordinator) handleOffer(env models.Envelope, reply models.Event) {
	ctx := c.loopCtx
	op := "answer " + string(env.Event)
	if c.state == Closed {
		return
	}

	var sig models.Signal
	if err := env.Decode(&sig); err != nil {
		c.failed(op, ErrNegotiationFailed, err)
		return
	}
	if !c.fromPeer(sig.From) {
		return
	}
	offer, err := decodeDescription(sig.Offer, SDPTypeOffer)
	if err != nil {
		c.failed(op, ErrNegotiationFailed, err)
		return
	}

	if c.state == HaveLocalOffer {
		if !Polite(c.localID, c.peer) {
			c.log.Info().Str("event", string(env.Event)).Msg("Colliding offer ignored")
			return
		}
		wasCall := c.inFlight.answer == models.EventCallAccepted
		if err := c.abandonOffer(ctx); err != nil {
			c.failed(op, ErrNegotiationFailed, err)
			return
		}
		c.log.Info().Str("event", string(env.Event)).Msg("Colliding offer accepted, local offer set aside")
		c.rolledBackCall = c.rolledBackCall || wasCall
		c.followUp = true
	}

	isCall := reply == models.EventCallAccepted
	if isCall && len(c.pending) == 0 && len(c.tracks) == 0 {
		tracks, err := c.media.Acquire(ctx)
		if err != nil {
			c.failed(op, ErrMediaAcquisition, err)
			return
		}
		c.pending = tracks
	}

	prevState, prevRemote := c.state, c.remote
	if err := c.engine.SetRemoteDescription(ctx, offer); err != nil {
		c.failed(op, ErrNegotiationFailed, err)
		return
	}
	c.remote = &offer
	c.setState(HaveRemoteOffer)

	answer, err := c.engine.CreateAnswer(ctx)
	var local Description
	if err == nil {
		local, err = c.engine.SetLocalDescription(ctx, answer)
	}
	if err != nil {
		if rbErr := c.rollback(ctx); rbErr != nil {
			// The engine still holds the remote offer
			c.failed(op, ErrNegotiationFailed, errors.Join(err, rbErr))
			return
		}
		c.remote = prevRemote
		c.setState(prevState)
		c.failed(op, ErrNegotiationFailed, err)
		return
	}
	c.local = &local
	c.setState(Stable)

	raw, err := json.Marshal(local)
	if err == nil {
		err = c.signal(ctx, reply, models.Signal{To: c.peer, Ans: raw})
	}
	if err != nil {
		c.log.Warn().Err(err).Str("event", string(reply)).Msg("Failed to send answer")
	}

	if isCall && (c.sendOnAnswer || c.rolledBackCall) {
		c.rolledBackCall = false
		if err := c.attachPending(); err != nil {
			c.failed(op, ErrNegotiationFailed, err)
		}
	}
	c.maybeRenegotiate(ctx)
}

// handleAnswer applies the answer to the offer in flight. Anything else
// is a no-op.
func (c *Coordinator) handleAnswer(env models.Envelope) {
	ctx := c.loopCtx
	op := "apply " + string(env.Event)

	if c.state != HaveLocalOffer || c.inFlight == nil || c.inFlight.answer != env.Event {
		c.log.Debug().Str("event", string(env.Event)).Str("state", c.state.String()).Msg("Stray answer ignored")
		return
	}

	var sig models.Signal
	if err := env.Decode(&sig); err != nil {
		c.answerFailed(ctx, op, err)
		return
	}
	if !c.fromPeer(sig.From) {
		return
	}
	answer, err := decodeDescription(sig.Ans, SDPTypeAnswer)
	if err == nil {
		err = c.engine.SetRemoteDescription(ctx, answer)
	}
	if err != nil {
		c.answerFailed(ctx, op, err)
		return
	}

	c.remote = &answer
	c.negotiated = c.inFlight.gen
	c.inFlight = nil
	c.setState(Stable)

	if env.Event == models.EventCallAccepted {
		if err := c.attachPending(); err != nil {
			c.failed(op, ErrNegotiationFailed, err)
		}
	}
	c.maybeRenegotiate(ctx)
}

// answerFailed gives up on the offer in flight after its answer could not
// be applied.
func (c *Coordinator) answerFailed(ctx context.Context, op string, err error) {
	if rbErr := c.abandonOffer(ctx); rbErr != nil {
		err = errors.Join(err, rbErr)
	}
	c.failed(op, ErrNegotiationFailed, err)
}
