package node

import (
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-talk/internal/peer"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/transport"
	"github.com/sirupsen/logrus"
)

// OpenChannel opens a data sub-channel to name, connecting first if needed.
// It returns once the open is started, not when the channel is usable;
// ChannelOpened reports that.
func (n *Node) OpenChannel(name string, kind protocol.ChannelKind) error {
	if !kind.IsData() {
		return fmt.Errorf("%w: %s is not a data channel", ErrInvalidKind, kind)
	}
	return n.call(func() error {
		return n.openChannel(n.peers.Create(name), kind)
	})
}

// CloseChannel closes one sub-channel. Media kinds stop their tracks.
func (n *Node) CloseChannel(name string, kind protocol.ChannelKind) error {
	if kind.IsMedia() {
		return n.StopMedia(name, kind)
	}
	if !kind.IsData() {
		return fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
	return n.call(func() error {
		p, ok := n.peers.Get(name)
		if !ok {
			return ErrUnknownPeer
		}
		n.closeChannel(p, kind)
		return nil
	})
}

func (n *Node) stable(p *peer.Context) bool {
	return p.Connection != nil && p.Connection.SignalingState() == webrtc.SignalingStateStable
}

// canRenegotiate reports whether an offer may be sent on the connection of
// p. pion drops a connection renegotiated before ICE has connected.
func (n *Node) canRenegotiate(p *peer.Context) bool {
	return p.State == peer.Connected && p.ICEConnected && n.stable(p)
}

// openChannel starts opening kind. A new connection carries the channel in
// its first offer. Later channels ride the existing SCTP association and
// need no renegotiation; while the first offer is unanswered they wait for
// the next stable state.
func (n *Node) openChannel(p *peer.Context, kind protocol.ChannelKind) error {
	ch := p.Channel(kind)
	if ch.State == peer.Connected || ch.State == peer.Connecting {
		return nil
	}
	ch.State = peer.Connecting

	switch p.State {
	case peer.NotConnected:
		if _, err := n.initConnection(p); err != nil {
			ch.State = peer.NotConnected
			return n.negotiationFailed(p, err)
		}
		if err := n.createDataChannel(p, kind); err != nil {
			n.teardown(p)
			return err
		}
		return n.createOffer(p, kind, false, nil)
	case peer.Connected:
		return n.createDataChannel(p, kind)
	}

	p.OnStable.Push(func() {
		ch, ok := p.LookupChannel(kind)
		if !ok || ch.State != peer.Connecting || ch.Channel != nil || p.Connection == nil {
			return
		}
		if err := n.createDataChannel(p, kind); err != nil {
			n.log(p).Warnf("Deferred open of %s failed: %v", kind, err)
		}
	})
	return nil
}

// createDataChannel creates the data channel for kind on the current
// connection.
func (n *Node) createDataChannel(p *peer.Context, kind protocol.ChannelKind) error {
	ch := p.Channel(kind)
	dc, err := p.Connection.CreateDataChannel(kind)
	if err != nil {
		ch.Reset()
		n.emit(UnableToConnect{Kind: kind, Peer: p.Name})
		return fmt.Errorf("%w: failed to create %s channel: %v", ErrNegotiation, kind, err)
	}
	ch.Channel = dc
	n.attachDataChannel(p, kind, dc, false)
	return nil
}

// attachDataChannel routes events of dc into the loop. Open and close only
// count while dc is the channel registered for kind; messages are accepted
// from any channel of the current connection.
func (n *Node) attachDataChannel(p *peer.Context, kind protocol.ChannelKind, dc transport.DataChannel, remote bool) {
	name, conn := p.Name, p.Connection
	current := func() (*peer.Context, *peer.ChannelState, bool) {
		p, ok := n.peers.Get(name)
		if !ok || p.Connection != conn {
			return nil, nil, false
		}
		ch, ok := p.LookupChannel(kind)
		return p, ch, ok
	}

	dc.OnOpen(func() {
		n.post(func() {
			if p, ch, ok := current(); ok && ch.Channel == dc {
				n.onChannelOpen(p, kind, remote)
			}
		})
	})
	dc.OnMessage(func(data []byte) {
		n.post(func() {
			if p, _, ok := current(); ok {
				n.onChannelMessage(p, kind, data)
			}
		})
	})
	dc.OnClose(func() {
		n.post(func() {
			if p, ch, ok := current(); ok && ch.Channel == dc {
				n.onChannelClose(p, kind)
			}
		})
	})
}

// onDataChannel adopts a channel created by the peer.
func (n *Node) onDataChannel(p *peer.Context, dc transport.DataChannel) {
	kind, ok := protocol.ParseChannelKind(dc.Label())
	if !ok || !kind.IsData() {
		return
	}
	ch := p.Channel(kind)
	if ch.Channel == nil {
		ch.Channel = dc
		if ch.State == peer.NotConnected {
			ch.State = peer.Connecting
		}
	}
	n.attachDataChannel(p, kind, dc, true)
}

func (n *Node) onChannelOpen(p *peer.Context, kind protocol.ChannelKind, remote bool) {
	if p.State == peer.NotConnected {
		return
	}
	n.markChannelConnected(p, kind)
	if remote {
		n.send(protocol.NewRTCEvent(n.name, p.Name, kind, protocol.EventChannelOpen))
	}
}

// markChannelConnected is idempotent. It starts idle supervision and
// flushes whatever was queued for the kind.
func (n *Node) markChannelConnected(p *peer.Context, kind protocol.ChannelKind) {
	ch := p.Channel(kind)
	if ch.State == peer.Connected {
		return
	}
	ch.State = peer.Connected
	ch.Touch(n.now())
	if kind.IsData() {
		n.startIdleJob(p, kind)
	}

	n.log(p).WithField("kind", kind).Info("Channel open")
	n.emit(ChannelOpened{Kind: kind, Peer: p.Name})

	switch kind {
	case protocol.KindText:
		n.flushMessages(p)
	case protocol.KindFile:
		n.startFileWorker(p)
	}
}

func (n *Node) onChannelClose(p *peer.Context, kind protocol.ChannelKind) {
	ch, ok := p.LookupChannel(kind)
	if !ok || ch.State == peer.NotConnected {
		return
	}
	ch.Reset()
	n.log(p).WithField("kind", kind).Info("Channel closed by peer")
	n.emit(ChannelClosed{Kind: kind, Peer: p.Name})
}

// closeChannel closes the local handle and resets the kind.
func (n *Node) closeChannel(p *peer.Context, kind protocol.ChannelKind) {
	ch, ok := p.LookupChannel(kind)
	if !ok || ch.State == peer.NotConnected {
		return
	}
	dc := ch.Channel
	ch.Reset()
	if dc != nil {
		if err := dc.Close(); err != nil {
			n.log(p).WithFields(logrus.Fields{"kind": kind}).Debugf("Failed to close channel: %v", err)
		}
	}
	n.emit(ChannelClosed{Kind: kind, Peer: p.Name})
}
