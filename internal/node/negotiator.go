package node

import (
	"fmt"
	"slices"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-talk/internal/peer"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/transport"
)

// initConnection allocates a connection for p if it has none. It reports
// whether a new connection was created.
func (n *Node) initConnection(p *peer.Context) (bool, error) {
	if p.State != peer.NotConnected || p.Connection != nil {
		return false, nil
	}
	if err := n.connect(p); err != nil {
		return false, err
	}
	n.setPeerState(p, peer.Connecting)
	n.log(p).Debugf("Created peer connection")
	return true, nil
}

// connect installs a fresh connection on p and arms the connect timeout.
func (n *Node) connect(p *peer.Context) error {
	conn, err := n.factory.NewConnection()
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	p.Connection = conn
	n.attachConnection(p, conn)

	p.ConnectTimer = n.afterFunc(n.config.ConnectTimeout, func() {
		n.onConnectTimeout(p.Name, conn)
	})
	return nil
}

// replaceConnection drops the pending connection of p for a fresh one.
// Channel states, queues and deferred operations are kept. It returns the
// data kinds whose channels lived on the dropped connection.
func (n *Node) replaceConnection(p *peer.Context) ([]protocol.ChannelKind, error) {
	p.StopConnectTimer()

	var pending []protocol.ChannelKind
	for kind, ch := range p.Channels {
		if ch.Channel == nil {
			continue
		}
		ch.Channel = nil
		if ch.State == peer.Connecting {
			pending = append(pending, kind)
		}
	}
	slices.Sort(pending)

	old := p.Connection
	old.DetachHandlers()
	if err := old.Close(); err != nil {
		n.log(p).Debugf("Failed to close replaced connection: %v", err)
	}
	p.Connection = nil
	p.ICEConnected = false

	if err := n.connect(p); err != nil {
		return nil, err
	}
	return pending, nil
}

// attachConnection routes connection events into the loop. Events from a
// connection that is no longer current are dropped.
func (n *Node) attachConnection(p *peer.Context, conn transport.Connection) {
	name := p.Name
	current := func() (*peer.Context, bool) {
		p, ok := n.peers.Get(name)
		if !ok || p.Connection != conn {
			return nil, false
		}
		return p, true
	}

	conn.SetHandlers(transport.Handlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			n.post(func() {
				if _, ok := current(); ok {
					n.send(protocol.NewCandidate(n.name, name, c))
				}
			})
		},
		OnSignalingStateChange: func(s webrtc.SignalingState) {
			n.post(func() {
				if p, ok := current(); ok {
					n.onSignalingState(p, s)
				}
			})
		},
		OnConnectionStateChange: func(s webrtc.PeerConnectionState) {
			n.post(func() {
				if p, ok := current(); ok {
					n.onConnectionState(p, s)
				}
			})
		},
		OnDataChannel: func(dc transport.DataChannel) {
			n.post(func() {
				if p, ok := current(); ok {
					n.onDataChannel(p, dc)
				}
			})
		},
		OnTrack: func(t transport.RemoteTrack) {
			n.post(func() {
				if p, ok := current(); ok {
					n.onRemoteTrack(p, t)
				}
			})
		},
	})
}

func (n *Node) setPeerState(p *peer.Context, s peer.State) {
	if p.State == s {
		return
	}
	p.State = s
	n.emit(ConnectionStateChanged{Peer: p.Name, State: s})
}

// createOffer sends an offer for kind to p.
func (n *Node) createOffer(p *peer.Context, kind protocol.ChannelKind, renegotiate bool, tracks []protocol.ChannelKind) error {
	sdp, err := p.Connection.CreateOffer()
	if err != nil {
		return n.negotiationFailed(p, err)
	}
	n.send(protocol.NewOffer(n.name, p.Name, kind, sdp, renegotiate, tracks))
	return nil
}

// createAnswer applies a remote offer and sends the answer.
func (n *Node) createAnswer(p *peer.Context, offer *protocol.Envelope, tracks []protocol.ChannelKind) error {
	if err := p.Connection.SetRemoteDescription(*offer.SDP); err != nil {
		return n.negotiationFailed(p, err)
	}
	n.applyPendingCandidates(p)

	sdp, err := p.Connection.CreateAnswer()
	if err != nil {
		return n.negotiationFailed(p, err)
	}
	answer := protocol.NewAnswer(n.name, p.Name, offer.Channel, sdp)
	answer.Tracks = tracks
	n.send(answer)
	return nil
}

// negotiationFailed reports err. A peer that never got connected is reset
// so a later open can start over.
func (n *Node) negotiationFailed(p *peer.Context, err error) error {
	err = fmt.Errorf("%w: %v", ErrNegotiation, err)
	n.log(p).Errorf("Negotiation failed: %v", err)
	n.emit(NegotiationFailed{Peer: p.Name, Err: err})
	if p.State == peer.Connecting {
		n.teardown(p)
	}
	return err
}

// handleOffer answers a remote offer. Colliding offers are resolved by
// name order and the smaller name keeps its own offer. A pending offer
// cannot be rolled back, so the larger name replaces a connection that was
// never answered, and gives up an established one.
func (n *Node) handleOffer(env *protocol.Envelope) {
	if env.SDP == nil {
		n.logger.Warnf("Offer from %s without SDP", env.From)
		return
	}
	p := n.peers.Create(env.From)

	if p.Connection == nil {
		if _, err := n.initConnection(p); err != nil {
			n.negotiationFailed(p, err)
			return
		}
		n.ensureChannel(p, env.Channel)
		_ = n.createAnswer(p, env, nil)
		return
	}

	if p.Connection.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if n.name < env.From {
			n.log(p).Debugf("Ignoring colliding offer for %s", env.Channel)
			return
		}
		if p.Connection.HasRemoteDescription() {
			n.log(p).Warnf("Colliding %s offer on an established connection", env.Channel)
			n.dropConnection(p)
			n.rejectOffer(env, ErrOfferCollision)
			return
		}
		n.answerOnNewConnection(p, env)
		return
	}

	if p.State == peer.Connecting && !p.Connection.HasRemoteDescription() {
		n.ensureChannel(p, env.Channel)
		_ = n.createAnswer(p, env, nil)
		return
	}

	if _, err := n.renegotiate(p, env); err != nil {
		n.rejectOffer(env, err)
	}
}

// answerOnNewConnection answers a colliding first offer on a fresh
// connection. Channels this side had already created are recreated on it,
// except the one the remote offer brings.
func (n *Node) answerOnNewConnection(p *peer.Context, env *protocol.Envelope) {
	n.log(p).Debugf("Replacing pending connection for colliding %s offer", env.Channel)
	pending, err := n.replaceConnection(p)
	if err != nil {
		n.negotiationFailed(p, err)
		return
	}
	n.ensureChannel(p, env.Channel)
	if err := n.createAnswer(p, env, nil); err != nil {
		return
	}
	for _, kind := range pending {
		if kind == env.Channel {
			continue
		}
		if err := n.createDataChannel(p, kind); err != nil {
			n.log(p).Warnf("Failed to recreate %s channel: %v", kind, err)
		}
	}
}

// rejectOffer tells the sender of offer why it was not answered.
func (n *Node) rejectOffer(offer *protocol.Envelope, err error) {
	n.send(&protocol.Envelope{
		Channel: offer.Channel,
		Error:   err.Error(),
		From:    n.name,
		ID:      offer.ID,
		To:      offer.From,
		Type:    protocol.MsgError,
	})
}

// dropConnection tears down a connection that can no longer be negotiated.
func (n *Node) dropConnection(p *peer.Context) {
	p.Reconnect = false
	n.setPeerState(p, peer.Cleaning)
	n.teardown(p)
	n.emit(PeerDisconnected{Peer: p.Name})
}

// renegotiate answers an offer on an established connection. Requested
// local media is captured before the connection is touched. If capture
// fails no local track is attached, the offer is still answered so the
// peer returns to stable, and the capture error is returned.
func (n *Node) renegotiate(p *peer.Context, offer *protocol.Envelope) ([]protocol.ChannelKind, error) {
	var captured []protocol.ChannelKind
	tracks := make(map[protocol.ChannelKind]*peer.ChannelState)

	var captureErr error
	for _, kind := range offer.Tracks {
		if !kind.IsMedia() {
			continue
		}
		ch := p.Channel(kind)
		if ch.Track != nil {
			continue
		}
		track, err := n.capture(kind)
		if err != nil {
			for _, ch := range tracks {
				ch.Track.Stop()
				ch.Track = nil
			}
			clear(tracks)
			n.log(p).Warnf("Unable to capture %s for renegotiation: %v", kind, err)
			captureErr = err
			break
		}
		ch.Track = track
		tracks[kind] = ch
	}

	n.ensureChannel(p, offer.Channel)

	if err := p.Connection.SetRemoteDescription(*offer.SDP); err != nil {
		return nil, n.negotiationFailed(p, err)
	}
	n.applyPendingCandidates(p)

	for _, kind := range offer.Tracks {
		ch, ok := tracks[kind]
		if !ok {
			continue
		}
		sender, err := p.Connection.AddTrack(ch.Track)
		if err != nil {
			n.log(p).Warnf("Failed to attach %s track: %v", kind, err)
			ch.Track.Stop()
			ch.Track = nil
			continue
		}
		ch.Sender = sender
		if ch.State == peer.NotConnected {
			ch.State = peer.Connecting
		}
		n.startMediaTimer(p, kind)
		captured = append(captured, kind)
	}

	sdp, err := p.Connection.CreateAnswer()
	if err != nil {
		return nil, n.negotiationFailed(p, err)
	}
	answer := protocol.NewAnswer(n.name, p.Name, offer.Channel, sdp)
	answer.Tracks = captured
	n.send(answer)
	return captured, captureErr
}

func (n *Node) ensureChannel(p *peer.Context, kind protocol.ChannelKind) {
	if kind.Valid() && kind != protocol.KindControl {
		p.Channel(kind)
	}
}

func (n *Node) handleAnswer(env *protocol.Envelope) {
	p, ok := n.peers.Get(env.From)
	if !ok || p.Connection == nil || env.SDP == nil {
		n.logger.Warnf("Dropping answer from %s with no pending connection", env.From)
		return
	}
	if err := p.Connection.SetRemoteDescription(*env.SDP); err != nil {
		n.log(p).Errorf("Failed to apply answer: %v", err)
		return
	}
	n.applyPendingCandidates(p)
}

// handleCandidate applies a remote candidate, holding it until a remote
// description exists.
func (n *Node) handleCandidate(env *protocol.Envelope) {
	if env.Candidate == nil {
		return
	}
	p := n.peers.Create(env.From)
	if p.Connection == nil || !p.Connection.HasRemoteDescription() {
		p.PendingCandidates = append(p.PendingCandidates, *env.Candidate)
		return
	}
	if err := p.Connection.AddICECandidate(*env.Candidate); err != nil {
		n.log(p).Warnf("Failed to add ICE candidate: %v", err)
	}
}

func (n *Node) applyPendingCandidates(p *peer.Context) {
	pending := p.PendingCandidates
	p.PendingCandidates = nil
	for _, c := range pending {
		if err := p.Connection.AddICECandidate(c); err != nil {
			n.log(p).Warnf("Failed to add buffered ICE candidate: %v", err)
		}
	}
}

// onSignalingState moves a connecting peer to Connected on the first stable
// state and runs deferred operations on every stable state.
func (n *Node) onSignalingState(p *peer.Context, s webrtc.SignalingState) {
	if s != webrtc.SignalingStateStable || p.Connection.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	if p.State == peer.Connecting {
		p.StopConnectTimer()
		n.setPeerState(p, peer.Connected)
	}
	if p.State == peer.Connected {
		n.drainStable(p)
	}
}

// drainStable runs each deferred operation once, in order. A failing
// operation does not stop the rest.
func (n *Node) drainStable(p *peer.Context) {
	for _, fn := range p.OnStable.Drain() {
		if err := n.safeRun(fn); err != nil {
			n.log(p).Warnf("Deferred operation failed: %v", err)
		}
	}
}

func (n *Node) onConnectionState(p *peer.Context, s webrtc.PeerConnectionState) {
	n.log(p).Debugf("Peer connection state changed to %s", s)
	switch s {
	case webrtc.PeerConnectionStateConnected:
		p.ICEConnected = true
		if p.State == peer.Connected && n.stable(p) {
			n.drainStable(p)
		}
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		n.dropConnection(p)
	}
}

func (n *Node) onConnectTimeout(name string, conn transport.Connection) {
	p, ok := n.peers.Get(name)
	if !ok || p.Connection != conn || p.State != peer.Connecting {
		return
	}
	p.ConnectTimer = nil
	n.log(p).Warnf("Unable to connect within %s", n.config.ConnectTimeout)
	p.Reconnect = false
	n.teardown(p)
	n.emit(UnableToConnect{Peer: name})
}

// teardown closes the connection of p and resets every channel. Queued
// messages, files and deferred operations survive.
func (n *Node) teardown(p *peer.Context) {
	p.StopConnectTimer()
	for _, ch := range p.Channels {
		if ch.Channel != nil {
			_ = ch.Channel.Close()
		}
	}
	p.ResetChannels()

	if p.Connection != nil {
		p.Connection.DetachHandlers()
		if err := p.Connection.Close(); err != nil {
			n.log(p).Debugf("Failed to close connection: %v", err)
		}
		p.Connection = nil
	}
	p.ICEConnected = false
	p.PendingCandidates = nil
	delete(n.receivers, p.Name)
	n.setPeerState(p, peer.NotConnected)
}
