package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mossy-p/p2p-call-signaling/internal/models"
	"github.com/rs/zerolog"
)

type fakeTrack struct {
	id, kind string
	stopped  atomic.Bool
}

func newTrack(id, kind string) *fakeTrack { return &fakeTrack{id: id, kind: kind} }

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Kind() string { return t.kind }
func (t *fakeTrack) Stop()        { t.stopped.Store(true) }

type fakeRemoteTrack struct{ id string }

func (t fakeRemoteTrack) ID() string   { return t.id }
func (t fakeRemoteTrack) Kind() string { return "audio" }

// fakeEngine follows the offer/answer state rules of a real engine and
// encodes its track list in the SDP it produces.
type fakeEngine struct {
	mu         sync.Mutex
	name       string
	state      State
	version    int
	tracks     []string
	seenRemote map[string]bool
	onNeg      func()
	onRemote   func(RemoteTrack)
	closed     bool
	remoteSets int
	// rollbackErr makes Rollback refuse, as engines without rollback do
	rollbackErr error
}

func newFakeEngine(name string) *fakeEngine {
	return &fakeEngine{name: name, state: Stable, seenRemote: make(map[string]bool)}
}

func (e *fakeEngine) sdp(kind string) string {
	e.version++
	return fmt.Sprintf("v=0\r\no=%s %s %d\r\nm=%s\r\n", e.name, kind, e.version, strings.Join(e.tracks, ","))
}

func (e *fakeEngine) CreateOffer(context.Context) (Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Description{}, errors.New("engine closed")
	}
	return Description{Type: SDPTypeOffer, SDP: e.sdp("offer")}, nil
}

func (e *fakeEngine) CreateAnswer(context.Context) (Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != HaveRemoteOffer {
		return Description{}, fmt.Errorf("create answer in %s", e.state)
	}
	return Description{Type: SDPTypeAnswer, SDP: e.sdp("answer")}, nil
}

func (e *fakeEngine) SetLocalDescription(_ context.Context, d Description) (Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case d.Type == SDPTypeOffer && e.state == Stable:
		e.state = HaveLocalOffer
	case d.Type == SDPTypeAnswer && e.state == HaveRemoteOffer:
		e.state = Stable
	default:
		return Description{}, fmt.Errorf("set local %s in %s", d.Type, e.state)
	}
	return d, nil
}

func (e *fakeEngine) SetRemoteDescription(_ context.Context, d Description) error {
	e.mu.Lock()
	e.remoteSets++
	if !strings.HasPrefix(d.SDP, "v=0") {
		e.mu.Unlock()
		return errors.New("malformed sdp")
	}
	switch {
	case d.Type == SDPTypeOffer && e.state == Stable:
		e.state = HaveRemoteOffer
	case d.Type == SDPTypeAnswer && e.state == HaveLocalOffer:
		e.state = Stable
	default:
		e.mu.Unlock()
		return fmt.Errorf("set remote %s in %s", d.Type, e.state)
	}

	var fresh []string
	if d.Type == SDPTypeOffer {
		for _, line := range strings.Split(d.SDP, "\r\n") {
			ids, ok := strings.CutPrefix(line, "m=")
			if !ok || ids == "" {
				continue
			}
			for _, id := range strings.Split(ids, ",") {
				if !e.seenRemote[id] {
					e.seenRemote[id] = true
					fresh = append(fresh, id)
				}
			}
		}
	}
	onRemote := e.onRemote
	e.mu.Unlock()

	for _, id := range fresh {
		if onRemote != nil {
			onRemote(fakeRemoteTrack{id: id})
		}
	}
	return nil
}

func (e *fakeEngine) Rollback(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rollbackErr != nil {
		return e.rollbackErr
	}
	if e.state != HaveLocalOffer && e.state != HaveRemoteOffer {
		return fmt.Errorf("rollback in %s", e.state)
	}
	e.state = Stable
	return nil
}

func (e *fakeEngine) AddTrack(t Track) error {
	e.mu.Lock()
	e.tracks = append(e.tracks, t.ID())
	onNeg := e.onNeg
	e.mu.Unlock()
	if onNeg != nil {
		onNeg()
	}
	return nil
}

func (e *fakeEngine) RemoveTrack(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, t := range e.tracks {
		if t == id {
			e.tracks = append(e.tracks[:i], e.tracks[i+1:]...)
			return nil
		}
	}
	return errors.New("no such sender")
}

func (e *fakeEngine) OnNegotiationNeeded(fn func())      { e.mu.Lock(); e.onNeg = fn; e.mu.Unlock() }
func (e *fakeEngine) OnRemoteTrack(fn func(RemoteTrack)) { e.mu.Lock(); e.onRemote = fn; e.mu.Unlock() }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.state = Closed
	return nil
}

func (e *fakeEngine) FailRollback(err error) {
	e.mu.Lock()
	e.rollbackErr = err
	e.mu.Unlock()
}

func (e *fakeEngine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *fakeEngine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEngine) RemoteSets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteSets
}

func (e *fakeEngine) Seen(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seenRemote[id]
}

type fakeMedia struct {
	mu     sync.Mutex
	tracks []Track
	err    error
	calls  int
}

func (m *fakeMedia) Acquire(context.Context) ([]Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return append([]Track(nil), m.tracks...), nil
}

func (m *fakeMedia) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type subscription struct {
	event models.Event
	fn    func(models.Envelope)
}

type fakeSubscriber struct {
	mu   sync.Mutex
	next int
	subs map[int]subscription
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subs: make(map[int]subscription)}
}

func (s *fakeSubscriber) Subscribe(event models.Event, fn func(models.Envelope)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.subs[id] = subscription{event: event, fn: fn}
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *fakeSubscriber) deliver(env models.Envelope) {
	s.mu.Lock()
	var fns []func(models.Envelope)
	for _, sub := range s.subs {
		if sub.event == env.Event {
			fns = append(fns, sub.fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (s *fakeSubscriber) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type sentFrame struct {
	from  string
	event models.Event
}

// bus plays the server: it maps client events to relayed events, stamps
// from, and delivers in order. Held frames wait for release.
type bus struct {
	mu   sync.Mutex
	subs map[string]*fakeSubscriber
	hold bool
	held []func()
	sent []sentFrame
}

func newBus() *bus {
	return &bus{subs: make(map[string]*fakeSubscriber)}
}

type busSignaler struct {
	b    *bus
	from string
}

func (s busSignaler) Send(_ context.Context, env models.Envelope) error {
	out, ok := env.Event.Relayed()
	if !ok {
		return fmt.Errorf("not relayed: %s", env.Event)
	}
	var sig models.Signal
	if err := env.Decode(&sig); err != nil {
		return err
	}
	to := sig.To
	sig.To, sig.From = "", s.from
	fwd, err := models.NewEnvelope(out, sig)
	if err != nil {
		return err
	}

	b := s.b
	b.mu.Lock()
	b.sent = append(b.sent, sentFrame{from: s.from, event: env.Event})
	dest := b.subs[to]
	deliver := func() {
		if dest != nil {
			dest.deliver(fwd)
		}
	}
	if b.hold {
		b.held = append(b.held, deliver)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	deliver()
	return nil
}

func (b *bus) Hold() {
	b.mu.Lock()
	b.hold = true
	b.mu.Unlock()
}

func (b *bus) Release() {
	b.mu.Lock()
	held := b.held
	b.held, b.hold = nil, false
	b.mu.Unlock()
	for _, deliver := range held {
		deliver()
	}
}

func (b *bus) Drop() {
	b.mu.Lock()
	b.held, b.hold = nil, false
	b.mu.Unlock()
}

func (b *bus) Count(from string, event models.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, f := range b.sent {
		if f.from == from && f.event == event {
			n++
		}
	}
	return n
}

func (b *bus) Sent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *bus) Held() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.held)
}

type testPeer struct {
	id     string
	c      *Coordinator
	engine *fakeEngine
	media  *fakeMedia
	sub    *fakeSubscriber

	mu       sync.Mutex
	failures []error
	remote   []string
}

func newTestPeer(t *testing.T, b *bus, id string, tracks ...Track) *testPeer {
	t.Helper()

	p := &testPeer{
		id:     id,
		engine: newFakeEngine(id),
		media:  &fakeMedia{tracks: tracks},
		sub:    newFakeSubscriber(),
	}
	b.mu.Lock()
	b.subs[id] = p.sub
	b.mu.Unlock()

	p.c = New(p.engine, p.media, busSignaler{b: b, from: id}, Options{
		LocalID: id,
		Logger:  zerolog.Nop(),
		Hooks: Hooks{
			OnCallFailed: func(err error) {
				p.mu.Lock()
				p.failures = append(p.failures, err)
				p.mu.Unlock()
			},
			OnRemoteTrack: func(rt RemoteTrack) {
				p.mu.Lock()
				p.remote = append(p.remote, rt.ID())
				p.mu.Unlock()
			},
		},
	})
	p.c.Bind(p.sub)

	ctx, cancel := context.WithCancel(context.Background())
	go p.c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-p.c.Done()
	})
	return p
}

func (p *testPeer) Failures() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.failures...)
}

func (p *testPeer) RemoteTracks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.remote...)
}

func (p *testPeer) snapshot(t *testing.T) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := p.c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("%s snapshot: %v", p.id, err)
	}
	return snap
}

func quiet(s Snapshot) bool {
	return s.State == Stable && !s.OfferInFlight && !s.FollowUp
}

// settle waits until every peer is Stable with nothing in flight for two
// consecutive polls.
func settle(t *testing.T, b *bus, peers ...*testPeer) []Snapshot {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	streak := 0
	for {
		snaps := make([]Snapshot, len(peers))
		ok := b.Held() == 0
		for i, p := range peers {
			snaps[i] = p.snapshot(t)
			ok = ok && quiet(snaps[i])
		}
		if ok {
			streak++
			if streak == 2 {
				return snaps
			}
		} else {
			streak = 0
		}
		if time.Now().After(deadline) {
			t.Fatalf("peers did not settle: %+v", snaps)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// connect runs a full call from a to b and waits for both to settle.
func connect(t *testing.T, b *bus, caller, callee *testPeer) {
	t.Helper()
	caller.c.SetPeer(callee.id)
	if err := caller.c.Call(ctxT(t)); err != nil {
		t.Fatalf("call: %v", err)
	}
	settle(t, b, caller, callee)
}

func relayed(t *testing.T, event models.Event, sig models.Signal) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(event, sig)
	if err != nil {
		t.Fatal(err)
	}
	return env
}
