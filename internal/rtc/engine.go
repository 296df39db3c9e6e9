package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/p2p-call-signaling/internal/negotiation"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// controlChannelID is the SCTP stream of the pre-negotiated data channel
// both sides open, so even a media-less first offer has an m-line.
const controlChannelID uint16 = 0

var (
	errForeignTrack = errors.New("track was not created by this package")
	// pion has no rollback; see Rollback for what can be undone
	errRollbackUnsupported = errors.New("rollback of an applied description after the first negotiation")
)

// Engine implements negotiation.Engine over a pion PeerConnection.
// Candidates are gathered before a local description is returned, so
// descriptions are complete and no trickle messages are needed.
//
// Methods other than Connected, ControlChannel and SignalingState must be
// called from one goroutine, the coordinator loop.
type Engine struct {
	api           *webrtc.API
	iceServers    []webrtc.ICEServer
	gatherTimeout time.Duration
	log           zerolog.Logger

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	control  *webrtc.DataChannel
	senders  map[string]*webrtc.RTPSender
	tracks   map[string]*LocalTrack
	onNeg    func()
	onRemote func(negotiation.RemoteTrack)

	// deferred is a renegotiation offer handed out but not yet applied.
	// It is applied when its answer arrives, and dropped on rollback.
	deferred *webrtc.SessionDescription

	connected chan struct{}
	connOnce  sync.Once
}

var _ negotiation.Engine = (*Engine)(nil)

// NewEngine creates a peer connection from api.
func NewEngine(api *webrtc.API, cfg Config) (*Engine, error) {
	e := &Engine{
		api:           api,
		iceServers:    cfg.ICEServers,
		gatherTimeout: cfg.GatherTimeout,
		log:           cfg.Logger.With().Str("component", "rtc").Logger(),
		senders:       make(map[string]*webrtc.RTPSender),
		tracks:        make(map[string]*LocalTrack),
		connected:     make(chan struct{}),
	}
	pc, control, err := e.newPeerConnection()
	if err != nil {
		return nil, err
	}
	e.pc, e.control = pc, control
	return e, nil
}

func (e *Engine) newPeerConnection() (*webrtc.PeerConnection, *webrtc.DataChannel, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	negotiated := true
	id := controlChannelID
	control, err := pc.CreateDataChannel("control", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("failed to create control channel: %w", err)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.log.Debug().Str("state", state.String()).Msg("Connection state changed")
		if state == webrtc.PeerConnectionStateConnected {
			e.connOnce.Do(func() { close(e.connected) })
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.log.Debug().Str("state", state.String()).Msg("ICE state changed")
	})

	e.mu.Lock()
	onNeg, onRemote := e.onNeg, e.onRemote
	e.mu.Unlock()
	if onNeg != nil {
		pc.OnNegotiationNeeded(onNeg)
	}
	if onRemote != nil {
		e.watchTracks(pc, onRemote)
	}
	return pc, control, nil
}

// Connected is closed the first time the peer connection connects.
func (e *Engine) Connected() <-chan struct{} {
	return e.connected
}

// ControlChannel returns the pre-negotiated data channel.
func (e *Engine) ControlChannel() *webrtc.DataChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.control
}

// SignalingState returns pion's view of the signaling state.
func (e *Engine) SignalingState() webrtc.SignalingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pc.SignalingState()
}

func (e *Engine) CreateOffer(context.Context) (negotiation.Description, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return negotiation.Description{}, err
	}
	return fromPion(offer), nil
}

func (e *Engine) CreateAnswer(context.Context) (negotiation.Description, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return negotiation.Description{}, err
	}
	return fromPion(answer), nil
}

// SetLocalDescription applies d and waits for candidate gathering, bounded
// by the gather timeout and ctx. The returned description carries every
// candidate gathered by then.
//
// Once a first negotiation has completed, offers already carry the
// gathered candidates and are held back until their answer arrives.
func (e *Engine) SetLocalDescription(ctx context.Context, d negotiation.Description) (negotiation.Description, error) {
	sd := toPion(d)
	if sd.Type == webrtc.SDPTypeOffer && e.pc.CurrentLocalDescription() != nil {
		if sd.SDP == "" {
			return negotiation.Description{}, errors.New("empty offer")
		}
		e.deferred = &sd
		return d, nil
	}

	gatherComplete := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(sd); err != nil {
		return negotiation.Description{}, err
	}

	var timeout <-chan time.Time
	if e.gatherTimeout > 0 {
		timer := time.NewTimer(e.gatherTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-gatherComplete:
	case <-timeout:
		e.log.Warn().Dur("timeout", e.gatherTimeout).Msg("ICE gathering incomplete, sending partial candidates")
	case <-ctx.Done():
		return negotiation.Description{}, ctx.Err()
	}

	local := e.pc.LocalDescription()
	if local == nil {
		return negotiation.Description{}, errors.New("no local description")
	}
	return fromPion(*local), nil
}

func (e *Engine) SetRemoteDescription(_ context.Context, d negotiation.Description) error {
	sd := toPion(d)
	if _, err := sd.Unmarshal(); err != nil {
		return fmt.Errorf("invalid remote description: %w", err)
	}

	if sd.Type == webrtc.SDPTypeAnswer && e.deferred != nil {
		if err := e.pc.SetLocalDescription(*e.deferred); err != nil {
			return fmt.Errorf("failed to apply local offer: %w", err)
		}
		e.deferred = nil
	}
	return e.pc.SetRemoteDescription(sd)
}

// Rollback discards the pending offer. A held-back offer is simply
// dropped. Before anything has been agreed a fresh peer connection
// replaces the current one. Past that point an applied description
// cannot be undone and an error is returned.
func (e *Engine) Rollback(context.Context) error {
	if e.deferred != nil {
		e.deferred = nil
		return nil
	}
	if e.pc.SignalingState() == webrtc.SignalingStateStable {
		return nil
	}
	if e.pc.CurrentLocalDescription() != nil || e.pc.CurrentRemoteDescription() != nil {
		return fmt.Errorf("%w (%s)", errRollbackUnsupported, e.pc.SignalingState())
	}
	return e.reset()
}

func (e *Engine) reset() error {
	e.log.Debug().Msg("Replacing unanswered peer connection")
	if err := e.pc.Close(); err != nil {
		e.log.Warn().Err(err).Msg("Closing replaced peer connection failed")
	}
	pc, control, err := e.newPeerConnection()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.pc, e.control = pc, control
	e.senders = make(map[string]*webrtc.RTPSender)
	tracks := e.tracks
	e.tracks = make(map[string]*LocalTrack)
	e.mu.Unlock()

	for _, t := range tracks {
		if err := e.AddTrack(t); err != nil {
			return err
		}
	}
	return nil
}

// AddTrack attaches a track created by SyntheticSource or NewLocalTrack.
func (e *Engine) AddTrack(t negotiation.Track) error {
	lt, ok := t.(*LocalTrack)
	if !ok {
		return fmt.Errorf("%w: %s", errForeignTrack, t.ID())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.senders[t.ID()]; exists {
		return fmt.Errorf("track %s already attached", t.ID())
	}

	sender, err := e.pc.AddTrack(lt.TrackLocal())
	if err != nil {
		return err
	}
	e.senders[t.ID()] = sender
	e.tracks[t.ID()] = lt

	// RTCP must be read for interceptors to run
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (e *Engine) RemoveTrack(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sender, ok := e.senders[id]
	if !ok {
		return fmt.Errorf("%w: %s", negotiation.ErrUnknownTrack, id)
	}
	if err := e.pc.RemoveTrack(sender); err != nil {
		return err
	}
	delete(e.senders, id)
	delete(e.tracks, id)
	return nil
}

func (e *Engine) OnNegotiationNeeded(fn func()) {
	e.mu.Lock()
	e.onNeg = fn
	e.mu.Unlock()
	e.pc.OnNegotiationNeeded(fn)
}

// OnRemoteTrack reports inbound tracks. Their RTP is drained and counted.
func (e *Engine) OnRemoteTrack(fn func(negotiation.RemoteTrack)) {
	e.mu.Lock()
	e.onRemote = fn
	e.mu.Unlock()
	e.watchTracks(e.pc, fn)
}

func (e *Engine) watchTracks(pc *webrtc.PeerConnection, fn func(negotiation.RemoteTrack)) {
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := &RemoteTrack{track: track}
		e.log.Debug().
			Str("track_id", track.ID()).
			Str("codec", track.Codec().MimeType).
			Msg("Track received")
		fn(rt)

		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
				rt.packets.Add(1)
			}
		}()
	})
}

func (e *Engine) Close() error {
	return e.pc.Close()
}

// RemoteTrack is an inbound track from the peer.
type RemoteTrack struct {
	track   *webrtc.TrackRemote
	packets atomic.Int64
}

func (t *RemoteTrack) ID() string   { return t.track.ID() }
func (t *RemoteTrack) Kind() string { return t.track.Kind().String() }

// Packets returns how many RTP packets have arrived so far.
func (t *RemoteTrack) Packets() int64 { return t.packets.Load() }

func toPion(d negotiation.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
}

func fromPion(d webrtc.SessionDescription) negotiation.Description {
	return negotiation.Description{Type: negotiation.SDPType(d.Type.String()), SDP: d.SDP}
}
