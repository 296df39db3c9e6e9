package negotiation

import (
	"context"
	"sync"

	"github.com/mossy-p/p2p-call-signaling/internal/models"
	"github.com/rs/zerolog"
)

// Options configures a Coordinator.
type Options struct {
	// LocalID is this participant's session identity, if already known.
	LocalID string
	// SendOnAnswer attaches the callee's media right after it answers
	// instead of waiting for SendLocalMedia.
	SendOnAnswer bool
	Logger       zerolog.Logger
	Hooks        Hooks
}

// pendingOffer is the local offer awaiting its answer.
type pendingOffer struct {
	answer    models.Event
	gen       uint64
	prevState State
	prevLocal *Description
}

// Coordinator drives one participant's peer connection through the
// offer/answer lifecycle. Every transition runs to completion on the
// goroutine that calls Run; nothing else touches the fields below the
// mailbox.
type Coordinator struct {
	engine       Engine
	media        MediaSource
	signaler     Signaler
	hooks        Hooks
	sendOnAnswer bool
	log          zerolog.Logger

	mu      sync.Mutex
	queue   []func()
	cancels []func()
	wake    chan struct{}
	stopped chan struct{}

	loopCtx  context.Context
	localID  string
	peer     string
	state    State
	local    *Description
	remote   *Description
	inFlight *pendingOffer
	// gen counts changes to the attached track set; negotiated is the
	// generation covered by the last answered local offer.
	gen        uint64
	negotiated uint64
	followUp   bool
	// rolledBackCall is set when the polite side set aside its own call.
	rolledBackCall bool
	pending        []Track
	tracks         []Track
	left           bool
}

// New builds a Coordinator. Run must be started before any other method
// returns.
func New(engine Engine, media MediaSource, signaler Signaler, opts Options) *Coordinator {
	c := &Coordinator{
		engine:       engine,
		media:        media,
		signaler:     signaler,
		hooks:        opts.Hooks,
		sendOnAnswer: opts.SendOnAnswer,
		log:          opts.Logger.With().Str("component", "negotiation").Logger(),
		wake:         make(chan struct{}, 1),
		stopped:      make(chan struct{}),
		loopCtx:      context.Background(),
		localID:      opts.LocalID,
	}

	engine.OnNegotiationNeeded(func() {
		c.post(c.negotiationNeeded)
	})
	engine.OnRemoteTrack(func(t RemoteTrack) {
		c.post(func() {
			c.log.Info().Str("track_id", t.ID()).Str("kind", t.Kind()).Msg("Remote track")
			if c.hooks.OnRemoteTrack != nil {
				c.hooks.OnRemoteTrack(t)
			}
		})
	})
	return c
}

// Run processes the mailbox until ctx is cancelled or Leave completes.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.stopped)
	c.loopCtx = ctx

	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if c.left {
			return nil
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			c.leave()
			return ctx.Err()
		case <-c.wake:
		}
	}
}

// Bind subscribes the coordinator to the relayed offer and answer events.
// Leave removes the subscriptions.
func (c *Coordinator) Bind(sub Subscriber) {
	handlers := map[models.Event]func(models.Envelope){
		models.EventIncomingCall: func(env models.Envelope) { c.handleOffer(env, models.EventCallAccepted) },
		models.EventNegoNeeded:   func(env models.Envelope) { c.handleOffer(env, models.EventNegoDone) },
		models.EventCallAccepted: c.handleAnswer,
		models.EventNegoFinal:    c.handleAnswer,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for event, fn := range handlers {
		c.cancels = append(c.cancels, sub.Subscribe(event, func(env models.Envelope) {
			c.post(func() { fn(env) })
		}))
	}
}

// SetLocalID records this participant's server-assigned identity.
func (c *Coordinator) SetLocalID(id string) {
	c.post(func() { c.localID = id })
}

// SetPeer records the identity of the other room member.
func (c *Coordinator) SetPeer(id string) {
	c.post(func() {
		if c.peer != id {
			c.log.Debug().Str("peer", id).Msg("Peer set")
		}
		c.peer = id
	})
}

// Call acquires local media and sends the initial offer. The media is
// attached once the callee accepts.
func (c *Coordinator) Call(ctx context.Context) error {
	return c.exec(ctx, func(ctx context.Context) error {
		switch {
		case c.state == Closed:
			return newError("call", ErrClosed, nil)
		case c.peer == "":
			return newError("call", ErrNoPeer, nil)
		case c.state != Idle:
			return newError("call", ErrInvalidState, errState(c.state))
		}

		if len(c.pending) == 0 && len(c.tracks) == 0 {
			tracks, err := c.media.Acquire(ctx)
			if err != nil {
				return c.failed("call", ErrMediaAcquisition, err)
			}
			c.pending = tracks
		}
		return c.sendOffer(ctx, "call", models.EventCallUser)
	})
}

// AttachTracks adds outbound tracks to the connection and renegotiates
// if a call is established.
func (c *Coordinator) AttachTracks(ctx context.Context, tracks ...Track) error {
	return c.exec(ctx, func(ctx context.Context) error {
		if c.state == Closed {
			return newError("attach", ErrClosed, nil)
		}
		if err := c.attach(tracks); err != nil {
			return err
		}
		c.maybeRenegotiate(ctx)
		return nil
	})
}

// DetachTrack removes and stops one outbound track.
func (c *Coordinator) DetachTrack(ctx context.Context, id string) error {
	return c.exec(ctx, func(ctx context.Context) error {
		if c.state == Closed {
			return newError("detach", ErrClosed, nil)
		}
		for i, t := range c.tracks {
			if t.ID() != id {
				continue
			}
			if err := c.engine.RemoveTrack(id); err != nil {
				return newError("detach", ErrNegotiationFailed, err)
			}
			t.Stop()
			c.tracks = append(c.tracks[:i], c.tracks[i+1:]...)
			c.gen++
			c.maybeRenegotiate(ctx)
			return nil
		}
		return newError("detach", ErrUnknownTrack, nil)
	})
}

// SendLocalMedia attaches the media acquired for this call, acquiring it
// first if nothing is held yet.
func (c *Coordinator) SendLocalMedia(ctx context.Context) error {
	return c.exec(ctx, func(ctx context.Context) error {
		if c.state == Closed {
			return newError("send media", ErrClosed, nil)
		}
		if len(c.pending) == 0 && len(c.tracks) == 0 {
			tracks, err := c.media.Acquire(ctx)
			if err != nil {
				return c.failed("send media", ErrMediaAcquisition, err)
			}
			c.pending = tracks
		}
		if err := c.attachPending(); err != nil {
			return err
		}
		c.maybeRenegotiate(ctx)
		return nil
	})
}

// Leave stops local media, closes the engine and drops the subscriptions.
// Nothing is sent to the peer; it learns of the departure from the server.
func (c *Coordinator) Leave(ctx context.Context) error {
	return c.exec(ctx, func(context.Context) error {
		c.leave()
		return nil
	})
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.exec(ctx, func(context.Context) error {
		snap = Snapshot{
			State:         c.state,
			LocalID:       c.localID,
			Peer:          c.peer,
			Local:         c.local,
			Remote:        c.remote,
			OfferInFlight: c.inFlight != nil,
			FollowUp:      c.followUp,
			Pending:       len(c.pending),
		}
		for _, t := range c.tracks {
			snap.Tracks = append(snap.Tracks, t.ID())
		}
		return nil
	})
	return snap, err
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopped
}

func (c *Coordinator) post(fn func()) {
	c.mu.Lock()
	c.queue = append(c.queue, fn)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) exec(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	c.post(func() { done <- fn(ctx) })

	select {
	case err := <-done:
		return err
	case <-c.stopped:
		select {
		case err := <-done:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) leave() {
	if c.left {
		return
	}
	c.left = true

	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	for _, t := range c.pending {
		t.Stop()
	}
	for _, t := range c.tracks {
		t.Stop()
	}
	c.pending, c.tracks = nil, nil
	c.inFlight = nil

	if err := c.engine.Close(); err != nil {
		c.log.Warn().Err(err).Msg("Engine close failed")
	}
	c.setState(Closed)
}
