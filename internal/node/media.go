package node

import (
	"fmt"

	"github.com/rudransh-shrivastava/peer-talk/internal/media"
	"github.com/rudransh-shrivastava/peer-talk/internal/peer"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/transport"
)

// StartMedia attaches local media of kind to the connection with name.
// With wantRemote the peer is asked to send the same kind back.
func (n *Node) StartMedia(name string, kind protocol.ChannelKind, wantRemote bool) error {
	if !kind.IsMedia() {
		return fmt.Errorf("%w: %s is not a media kind", ErrInvalidKind, kind)
	}
	return n.call(func() error {
		return n.startMedia(n.peers.Create(name), kind, wantRemote)
	})
}

// StopMedia detaches local media of kind and stops its capture.
func (n *Node) StopMedia(name string, kind protocol.ChannelKind) error {
	if !kind.IsMedia() {
		return fmt.Errorf("%w: %s is not a media kind", ErrInvalidKind, kind)
	}
	return n.call(func() error {
		p, ok := n.peers.Get(name)
		if !ok {
			return ErrUnknownPeer
		}
		ch, ok := p.LookupChannel(kind)
		if !ok || (ch.State == peer.NotConnected && ch.Track == nil && !ch.RemoteTrack) {
			return nil
		}

		hadLocal := ch.Sender != nil
		n.releaseMedia(p, kind)
		n.emit(ChannelClosed{Kind: kind, Peer: p.Name})

		if !hadLocal || p.State != peer.Connected {
			return nil
		}
		n.offerMediaChange(p, kind)
		return nil
	})
}

// offerMediaChange tells the peer that the local tracks of kind changed,
// waiting for the next stable state if an offer is in flight.
func (n *Node) offerMediaChange(p *peer.Context, kind protocol.ChannelKind) {
	if n.canRenegotiate(p) {
		_ = n.createOffer(p, kind, true, nil)
		return
	}
	p.OnStable.Push(func() {
		if n.canRenegotiate(p) {
			_ = n.createOffer(p, kind, true, nil)
		}
	})
}

func (n *Node) startMedia(p *peer.Context, kind protocol.ChannelKind, wantRemote bool) error {
	ch := p.Channel(kind)
	if ch.Track != nil || ch.State == peer.Connecting {
		return nil
	}

	if n.canRenegotiate(p) {
		return n.attachMedia(p, kind, wantRemote)
	}

	ch.State = peer.Connecting
	n.deferMedia(p, kind, wantRemote)

	if p.State != peer.NotConnected {
		return nil
	}
	if _, err := n.initConnection(p); err != nil {
		ch.State = peer.NotConnected
		return n.negotiationFailed(p, err)
	}
	return n.createOffer(p, kind, false, nil)
}

// deferMedia attaches kind once the connection can be renegotiated. A stable
// state reached before ICE connects queues it again.
func (n *Node) deferMedia(p *peer.Context, kind protocol.ChannelKind, wantRemote bool) {
	p.OnStable.Push(func() {
		ch, ok := p.LookupChannel(kind)
		if !ok || ch.State != peer.Connecting || ch.Track != nil {
			return
		}
		if !n.canRenegotiate(p) {
			if p.Connection != nil {
				n.deferMedia(p, kind, wantRemote)
			}
			return
		}
		if err := n.attachMedia(p, kind, wantRemote); err != nil {
			n.log(p).WithField("kind", kind).Warnf("Deferred media start failed: %v", err)
		}
	})
}

// attachMedia captures kind, adds the track and offers it. The kind stays
// Connecting until the peer confirms it received the track.
func (n *Node) attachMedia(p *peer.Context, kind protocol.ChannelKind, wantRemote bool) error {
	ch := p.Channel(kind)
	track, err := n.capture(kind)
	if err != nil {
		ch.Reset()
		n.emit(UnableToConnect{Kind: kind, Peer: p.Name})
		return err
	}

	sender, err := p.Connection.AddTrack(track)
	if err != nil {
		track.Stop()
		ch.Reset()
		n.emit(UnableToConnect{Kind: kind, Peer: p.Name})
		return fmt.Errorf("%w: failed to add %s track: %v", ErrNegotiation, kind, err)
	}
	ch.Track = track
	ch.Sender = sender
	ch.State = peer.Connecting
	n.startMediaTimer(p, kind)

	var tracks []protocol.ChannelKind
	if wantRemote {
		tracks = []protocol.ChannelKind{kind}
	}
	return n.createOffer(p, kind, true, tracks)
}

func (n *Node) capture(kind protocol.ChannelKind) (media.Track, error) {
	if n.capturer == nil {
		return nil, fmt.Errorf("%w: no capture provider for %s", ErrCapture, kind)
	}
	track, err := n.capturer.Capture(n.ctx, kind, media.Constraints{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	return track, nil
}

// startMediaTimer cleans kind up if the peer has not confirmed the track
// within the media timeout.
func (n *Node) startMediaTimer(p *peer.Context, kind protocol.ChannelKind) {
	ch := p.Channel(kind)
	if ch.MediaTimer != nil {
		ch.MediaTimer.Stop()
	}
	name, track := p.Name, ch.Track
	ch.MediaTimer = n.afterFunc(n.config.MediaTimeout, func() {
		p, ok := n.peers.Get(name)
		if !ok {
			return
		}
		ch, ok := p.LookupChannel(kind)
		if !ok || ch.Track != track || ch.State != peer.Connecting {
			return
		}
		ch.MediaTimer = nil
		n.log(p).WithField("kind", kind).Warnf("No track confirmation within %s", n.config.MediaTimeout)
		n.releaseMedia(p, kind)
		n.emit(UnableToConnect{Kind: kind, Peer: name})
	})
}

// releaseMedia removes the local track of kind and resets its state.
func (n *Node) releaseMedia(p *peer.Context, kind protocol.ChannelKind) {
	ch, ok := p.LookupChannel(kind)
	if !ok {
		return
	}
	if ch.Sender != nil && p.Connection != nil {
		if err := p.Connection.RemoveTrack(ch.Sender); err != nil {
			n.log(p).WithField("kind", kind).Debugf("Failed to remove track: %v", err)
		}
	}
	ch.Reset()
}

// onRemoteTrack handles a track from the peer and confirms its arrival.
func (n *Node) onRemoteTrack(p *peer.Context, t transport.RemoteTrack) {
	if !t.Kind.IsMedia() {
		n.log(p).Debugf("Ignoring track of stream %q", t.StreamID)
		return
	}
	ch := p.Channel(t.Kind)
	ch.RemoteTrack = true
	if ch.Track == nil && ch.State != peer.Connected {
		ch.State = peer.Connected
		n.emit(ChannelOpened{Kind: t.Kind, Peer: p.Name})
	}

	n.log(p).WithField("kind", t.Kind).Info("Remote track received")
	n.emit(RemoteTrack{Kind: t.Kind, Peer: p.Name, Track: t.Track})
	n.send(protocol.NewRTCEvent(n.name, p.Name, t.Kind, protocol.EventRemoteTrackReceived))
}

// onRemoteTrackConfirmed marks a local track Connected once the peer
// reports receiving it.
func (n *Node) onRemoteTrackConfirmed(p *peer.Context, kind protocol.ChannelKind) {
	ch, ok := p.LookupChannel(kind)
	if !ok || ch.Track == nil {
		return
	}
	if ch.MediaTimer != nil {
		ch.MediaTimer.Stop()
		ch.MediaTimer = nil
	}
	if ch.State != peer.Connected {
		ch.State = peer.Connected
		n.emit(ChannelOpened{Kind: kind, Peer: p.Name})
	}
}
