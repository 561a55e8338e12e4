package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-talk/internal/config"
	"github.com/rudransh-shrivastava/peer-talk/internal/logger"
	"github.com/rudransh-shrivastava/peer-talk/internal/media"
	"github.com/rudransh-shrivastava/peer-talk/internal/peer"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/signal"
	"github.com/rudransh-shrivastava/peer-talk/internal/transport"
)

const waitTimeout = 3 * time.Second

// fakeConn is a transport.Connection that only tracks the signaling state.
// Hooks fire synchronously like pion does for signaling changes.
type fakeConn struct {
	mu         sync.Mutex
	answers    int
	candidates []webrtc.ICECandidateInit
	channels   chan *fakeDC
	closed     bool
	handlers   transport.Handlers
	offers     int
	remote     bool
	removed    int
	signaling  webrtc.SignalingState
	tracks     []webrtc.TrackLocal
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		channels:  make(chan *fakeDC, 16),
		signaling: webrtc.SignalingStateStable,
	}
}

func (c *fakeConn) setSignaling(s webrtc.SignalingState) {
	c.mu.Lock()
	c.signaling = s
	fn := c.handlers.OnSignalingStateChange
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *fakeConn) SetHandlers(h transport.Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *fakeConn) DetachHandlers() {
	c.SetHandlers(transport.Handlers{})
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.offers++
	c.mu.Unlock()
	c.setSignaling(webrtc.SignalingStateHaveLocalOffer)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
		c.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	c.answers++
	c.mu.Unlock()
	c.setSignaling(webrtc.SignalingStateStable)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	c.remote = true
	c.mu.Unlock()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		c.setSignaling(webrtc.SignalingStateHaveRemoteOffer)
	case webrtc.SDPTypeAnswer:
		c.setSignaling(webrtc.SignalingStateStable)
	}
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *fakeConn) CreateDataChannel(kind protocol.ChannelKind) (transport.DataChannel, error) {
	dc := newFakeDC(kind.String())
	c.channels <- dc
	return dc, nil
}

func (c *fakeConn) AddTrack(track webrtc.TrackLocal) (transport.TrackSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, track)
	return fakeSender{}, nil
}

func (c *fakeConn) RemoveTrack(transport.TrackSender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) connectionState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.handlers.OnConnectionStateChange
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *fakeConn) remoteDataChannel(dc *fakeDC) {
	c.mu.Lock()
	fn := c.handlers.OnDataChannel
	c.mu.Unlock()
	if fn != nil {
		fn(dc)
	}
}

func (c *fakeConn) remoteTrack(kind protocol.ChannelKind) {
	c.mu.Lock()
	fn := c.handlers.OnTrack
	c.mu.Unlock()
	if fn != nil {
		fn(transport.RemoteTrack{Kind: kind, StreamID: kind.String()})
	}
}

func (c *fakeConn) counts() (offers, answers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers, c.answers
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) waitChannel(t *testing.T) *fakeDC {
	t.Helper()
	select {
	case dc := <-c.channels:
		return dc
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a data channel")
		return nil
	}
}

type fakeSender struct{}

func (fakeSender) Stop() error { return nil }

type fakeDC struct {
	mu        sync.Mutex
	buffered  uint64
	label     string
	onClose   func()
	onMessage func([]byte)
	onOpen    func()
	sendErr   error
	sent      chan []byte
	state     webrtc.DataChannelState
}

func newFakeDC(label string) *fakeDC {
	return &fakeDC{
		label: label,
		sent:  make(chan []byte, 1024),
		state: webrtc.DataChannelStateConnecting,
	}
}

func (d *fakeDC) Label() string { return d.label }

func (d *fakeDC) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	if d.state != webrtc.DataChannelStateOpen {
		return errors.New("data channel not open")
	}
	d.sent <- append([]byte(nil), data...)
	return nil
}

func (d *fakeDC) BufferedAmount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffered
}

func (d *fakeDC) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDC) OnOpen(fn func()) {
	d.mu.Lock()
	d.onOpen = fn
	d.mu.Unlock()
}

func (d *fakeDC) OnMessage(fn func([]byte)) {
	d.mu.Lock()
	d.onMessage = fn
	d.mu.Unlock()
}

func (d *fakeDC) OnClose(fn func()) {
	d.mu.Lock()
	d.onClose = fn
	d.mu.Unlock()
}

func (d *fakeDC) Close() error {
	d.mu.Lock()
	if d.state == webrtc.DataChannelStateClosed {
		d.mu.Unlock()
		return nil
	}
	d.state = webrtc.DataChannelStateClosed
	fn := d.onClose
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (d *fakeDC) open() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateOpen
	fn := d.onOpen
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *fakeDC) deliver(data []byte) {
	d.mu.Lock()
	fn := d.onMessage
	d.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (d *fakeDC) setBuffered(n uint64) {
	d.mu.Lock()
	d.buffered = n
	d.mu.Unlock()
}

func (d *fakeDC) setSendErr(err error) {
	d.mu.Lock()
	d.sendErr = err
	d.mu.Unlock()
}

// nextEnvelope returns the next envelope written to d, unwrapping signal
// envelopes.
func (d *fakeDC) nextEnvelope(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case data := <-d.sent:
		env, err := protocol.NewCodec().DecodeFromBytes(data)
		if err != nil {
			t.Fatalf("failed to decode sent message: %v", err)
		}
		if env.Type == protocol.MsgSignal && env.Payload != nil {
			return env.Payload
		}
		return env
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for a message on %s", d.label)
		return nil
	}
}

func (d *fakeDC) nextBytes(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-d.sent:
		return data
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for data on %s", d.label)
		return nil
	}
}

type fakeTrack struct {
	webrtc.TrackLocal
	kind    protocol.ChannelKind
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTrack) ID() string       { return t.kind.String() + "-track" }
func (t *fakeTrack) StreamID() string { return t.kind.String() }

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeCapturer struct {
	mu     sync.Mutex
	err    error
	tracks []*fakeTrack
}

func (c *fakeCapturer) Capture(_ context.Context, kind protocol.ChannelKind, _ media.Constraints) (media.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	track := &fakeTrack{kind: kind}
	c.tracks = append(c.tracks, track)
	return track, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness runs one Node named local against fake connections. The peer
// "bob" is a bare signaling endpoint driven by the test.
type harness struct {
	t        *testing.T
	capturer *fakeCapturer
	clock    *fakeClock
	conns    chan *fakeConn
	events   <-chan Event
	inbox    chan *protocol.Envelope
	node     *Node
	remote   *signal.MemoryEndpoint
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ConnectTimeout = time.Minute
	cfg.IdleInterval = time.Hour
	cfg.IdleTimeout = 30 * time.Second
	cfg.MediaTimeout = time.Minute
	cfg.Files.PollInterval = time.Millisecond
	return cfg
}

func newHarness(t *testing.T, local string, cfg *config.Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	hub := signal.NewMemoryHub()
	h := &harness{
		t:        t,
		capturer: &fakeCapturer{},
		clock:    &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		conns:    make(chan *fakeConn, 16),
		inbox:    make(chan *protocol.Envelope, 1024),
		remote:   hub.Endpoint("bob"),
	}
	h.remote.SetHooks(signal.Hooks{
		OnMessage: func(env *protocol.Envelope) { h.inbox <- env },
	})

	n, err := New(Options{
		Capturer: h.capturer,
		Config:   cfg,
		Factory: transport.FactoryFunc(func() (transport.Connection, error) {
			c := newFakeConn()
			h.conns <- c
			return c, nil
		}),
		Logger: logger.Discard(),
		Name:   local,
		Now:    h.clock.Now,
		Signal: hub.Endpoint(local),
	})
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	h.node = n
	h.events, _ = n.Subscribe(1024)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) conn() *fakeConn {
	h.t.Helper()
	select {
	case c := <-h.conns:
		return c
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for a connection")
		return nil
	}
}

// next returns the next relayed envelope of type typ, skipping candidates
// and other types.
func (h *harness) next(typ protocol.MessageType) *protocol.Envelope {
	h.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case env := <-h.inbox:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s envelope", typ)
			return nil
		}
	}
}

// deliver sends env from bob to the node over the relay.
func (h *harness) deliver(env *protocol.Envelope) {
	h.t.Helper()
	env.From = "bob"
	env.To = h.node.Name()
	if err := h.remote.Send(context.Background(), env); err != nil {
		h.t.Fatalf("failed to deliver %s: %v", env.Type, err)
	}
}

func (h *harness) answer(kind protocol.ChannelKind) {
	h.deliver(protocol.NewAnswer("bob", h.node.Name(), kind,
		webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}))
}

func (h *harness) offer(kind protocol.ChannelKind, renegotiate bool, tracks []protocol.ChannelKind) *protocol.Envelope {
	env := protocol.NewOffer("bob", h.node.Name(), kind,
		webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, renegotiate, tracks)
	env.ID = "offer-" + kind.String()
	h.deliver(env)
	return env
}

// event waits for the first event matching fn.
func (h *harness) event(fn func(Event) bool) Event {
	h.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-h.events:
			if fn(ev) {
				return ev
			}
		case <-deadline:
			h.t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func (h *harness) channelOpened(kind protocol.ChannelKind) {
	h.t.Helper()
	h.event(func(ev Event) bool {
		e, ok := ev.(ChannelOpened)
		return ok && e.Kind == kind
	})
}

// connected waits for bob to reach the Connected state.
func (h *harness) connected() {
	h.t.Helper()
	h.event(func(ev Event) bool {
		e, ok := ev.(ConnectionStateChanged)
		return ok && e.Peer == "bob" && e.State == peer.Connected
	})
}

// sync waits until everything posted so far has run.
func (h *harness) sync() {
	h.t.Helper()
	if err := h.node.call(func() error { return nil }); err != nil {
		h.t.Fatalf("sync failed: %v", err)
	}
}

// establish connects to bob through the text channel. The channel is
// created before the first offer so no renegotiation follows.
func (h *harness) establish() (*fakeConn, *fakeDC) {
	h.t.Helper()
	if err := h.node.OpenChannel("bob", protocol.KindText); err != nil {
		h.t.Fatalf("OpenChannel failed: %v", err)
	}
	conn := h.conn()
	dc := conn.waitChannel(h.t)
	h.next(protocol.MsgOffer)
	h.answer(protocol.KindText)
	h.connected()
	conn.connectionState(webrtc.PeerConnectionStateConnected)
	h.sync()

	dc.open()
	h.channelOpened(protocol.KindText)
	return conn, dc
}

func (h *harness) peerState(name string) (string, map[protocol.ChannelKind]string) {
	h.t.Helper()
	state, channels, err := h.node.PeerState(name)
	if err != nil {
		h.t.Fatalf("PeerState(%s) failed: %v", name, err)
	}
	out := make(map[protocol.ChannelKind]string, len(channels))
	for k, s := range channels {
		out[k] = s.String()
	}
	return state.String(), out
}
