package client

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/p2p-call-signaling/config"
	"github.com/mossy-p/p2p-call-signaling/internal/handlers"
	"github.com/mossy-p/p2p-call-signaling/internal/models"
	"github.com/mossy-p/p2p-call-signaling/internal/negotiation"
	"github.com/mossy-p/p2p-call-signaling/internal/signaling"
	"github.com/rs/zerolog"
)

// loopEngine tracks signaling state and produces SDP naming its tracks.
type loopEngine struct {
	mu      sync.Mutex
	name    string
	pending bool
	remote  bool
	n       int
	tracks  []string
	onNeg   func()
}

func (e *loopEngine) sdp(kind string) string {
	e.n++
	return fmt.Sprintf("v=0\r\no=%s %s %d\r\nm=%s\r\n", e.name, kind, e.n, strings.Join(e.tracks, ","))
}

func (e *loopEngine) CreateOffer(context.Context) (negotiation.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return negotiation.Description{Type: negotiation.SDPTypeOffer, SDP: e.sdp("offer")}, nil
}

func (e *loopEngine) CreateAnswer(context.Context) (negotiation.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.remote {
		return negotiation.Description{}, errors.New("no remote offer")
	}
	return negotiation.Description{Type: negotiation.SDPTypeAnswer, SDP: e.sdp("answer")}, nil
}

func (e *loopEngine) SetLocalDescription(_ context.Context, d negotiation.Description) (negotiation.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d.Type == negotiation.SDPTypeOffer {
		e.pending = true
	} else {
		e.remote = false
	}
	return d, nil
}

func (e *loopEngine) SetRemoteDescription(_ context.Context, d negotiation.Description) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d.Type == negotiation.SDPTypeOffer {
		if e.pending {
			return errors.New("glare")
		}
		e.remote = true
	} else {
		if !e.pending {
			return errors.New("no local offer")
		}
		e.pending = false
	}
	return nil
}

func (e *loopEngine) Rollback(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending, e.remote = false, false
	return nil
}

func (e *loopEngine) AddTrack(t negotiation.Track) error {
	e.mu.Lock()
	e.tracks = append(e.tracks, t.ID())
	fn := e.onNeg
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (e *loopEngine) RemoveTrack(string) error                    { return nil }
func (e *loopEngine) OnNegotiationNeeded(fn func())               { e.mu.Lock(); e.onNeg = fn; e.mu.Unlock() }
func (e *loopEngine) OnRemoteTrack(func(negotiation.RemoteTrack)) {}
func (e *loopEngine) Close() error                                { return nil }

type noMedia struct{}

func (noMedia) Acquire(context.Context) ([]negotiation.Track, error) { return nil, nil }

type audioTrack struct{ id string }

func (t audioTrack) ID() string   { return t.id }
func (t audioTrack) Kind() string { return "audio" }
func (t audioTrack) Stop()        {}

type harness struct {
	conn  *Conn
	coord *negotiation.Coordinator
	part  *Participant

	joined chan models.JoinAck
	peer   chan models.UserJoined
	left   chan models.UserLeft
	reject chan models.ErrorNotice
}

func newServer(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{AdminJWTSecret: "x", MaxMessageBytes: 64 * 1024, SendBuffer: 16}
	srv := httptest.NewServer(handlers.NewRouter(cfg, signaling.NewService(nil, zerolog.Nop()), zerolog.Nop()))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newHarness(t *testing.T, url, name string, autoCall bool) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	conn, err := Dial(ctx, url, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	h := &harness{
		conn:   conn,
		joined: make(chan models.JoinAck, 4),
		peer:   make(chan models.UserJoined, 4),
		left:   make(chan models.UserLeft, 4),
		reject: make(chan models.ErrorNotice, 4),
	}
	h.coord = negotiation.New(&loopEngine{name: name}, noMedia{}, conn, negotiation.Options{Logger: zerolog.Nop()})
	go h.coord.Run(ctx)

	h.part = NewParticipant(conn, h.coord, ParticipantOptions{
		Email:          name + "@x.com",
		Room:           "abc123",
		AutoCall:       autoCall,
		Logger:         zerolog.Nop(),
		OnJoined:       func(a models.JoinAck) { h.joined <- a },
		OnPeerJoined:   func(u models.UserJoined) { h.peer <- u },
		OnPeerLeft:     func(u models.UserLeft) { h.left <- u },
		OnJoinRejected: func(n models.ErrorNotice) { h.reject <- n },
	})
	t.Cleanup(func() {
		cancel()
		conn.Close()
	})
	return h
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func waitStable(t *testing.T, hs ...*harness) []negotiation.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snaps := make([]negotiation.Snapshot, len(hs))
		ok := true
		for i, h := range hs {
			s, err := h.coord.Snapshot(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			snaps[i] = s
			ok = ok && s.State == negotiation.Stable && !s.OfferInFlight && !s.FollowUp
		}
		if ok {
			return snaps
		}
		if time.Now().After(deadline) {
			t.Fatalf("not stable: %+v", snaps)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestParticipant_CallOverSignalingServer(t *testing.T) {
	url := newServer(t)
	a := newHarness(t, url, "a", true)
	b := newHarness(t, url, "b", false)
	ctx := context.Background()

	if err := a.part.Join(ctx); err != nil {
		t.Fatal(err)
	}
	ackA := recv(t, a.joined, "A joined")

	if err := b.part.Join(ctx); err != nil {
		t.Fatal(err)
	}
	ackB := recv(t, b.joined, "B joined")

	peer := recv(t, a.peer, "user:joined at A")
	if peer.ID != ackB.ID || peer.Email != "b@x.com" {
		t.Fatalf("user:joined = %+v", peer)
	}
	select {
	case u := <-b.peer:
		t.Fatalf("joiner got user:joined %+v", u)
	default:
	}

	snaps := waitStable(t, a, b)
	if snaps[0].LocalID != ackA.ID || snaps[1].Peer != ackA.ID {
		t.Fatalf("identities: A=%+v B=%+v", snaps[0], snaps[1])
	}

	if err := a.coord.AttachTracks(ctx, audioTrack{id: "a-audio"}); err != nil {
		t.Fatal(err)
	}
	snaps = waitStable(t, a, b)
	if *snaps[0].Local != *snaps[1].Remote || *snaps[0].Remote != *snaps[1].Local {
		t.Fatalf("descriptions differ: %+v %+v", snaps[0], snaps[1])
	}
	if !strings.Contains(snaps[1].Remote.SDP, "a-audio") {
		t.Fatalf("renegotiation did not reach B: %q", snaps[1].Remote.SDP)
	}

	// A drops without an explicit leave; B keeps its call state
	a.conn.Close()
	left := recv(t, b.left, "user:left at B")
	if left.ID != ackA.ID {
		t.Fatalf("user:left = %+v", left)
	}
	s, err := b.coord.Snapshot(ctx)
	if err != nil || s.State != negotiation.Stable {
		t.Fatalf("B after peer left: %+v, %v", s, err)
	}
}

func TestParticipant_ThirdJoinRejected(t *testing.T) {
	url := newServer(t)
	hs := []*harness{newHarness(t, url, "a", false), newHarness(t, url, "b", false), newHarness(t, url, "c", false)}
	ctx := context.Background()

	for _, h := range hs[:2] {
		if err := h.part.Join(ctx); err != nil {
			t.Fatal(err)
		}
		recv(t, h.joined, "join")
	}
	if err := hs[2].part.Join(ctx); err != nil {
		t.Fatal(err)
	}
	notice := recv(t, hs[2].reject, "rejection")
	if notice.Code != models.ErrorCodeRoomFull {
		t.Fatalf("code = %q", notice.Code)
	}
}

func TestParticipant_LeaveDropsSubscriptions(t *testing.T) {
	url := newServer(t)
	a := newHarness(t, url, "a", false)
	if a.conn.Len() == 0 {
		t.Fatal("no subscriptions registered")
	}

	if err := a.part.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if n := a.conn.Len(); n != 0 {
		t.Fatalf("%d subscriptions left", n)
	}
}
