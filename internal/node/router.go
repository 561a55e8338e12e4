package node

import (
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-talk/internal/peer"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/sirupsen/logrus"
)

// send delivers env over the text sub-channel when it is open and through
// the signaling transport otherwise. Control envelopes are tunneled in a
// signal envelope on the direct path.
func (n *Node) send(env *protocol.Envelope) error {
	if env.From == "" {
		env.From = n.name
	}

	if p, ok := n.peers.Get(env.To); ok && p.ChannelConnected(protocol.KindText) {
		err := n.sendDirect(p, env)
		if err == nil {
			return nil
		}
		n.log(p).Warnf("Direct send of %s failed, using relay: %v", env.Type, err)
	}

	env.Via = protocol.ViaRelay
	if err := n.signal.Send(n.ctx, env); err != nil {
		n.logger.WithFields(logrus.Fields{"peer": env.To, "type": env.Type}).Warnf("Relay send failed: %v", err)
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	return nil
}

func (n *Node) sendDirect(p *peer.Context, env *protocol.Envelope) error {
	ch := p.Channel(protocol.KindText)
	out := env
	if env.Type.IsControl() {
		out = protocol.Wrap(env)
	} else {
		env.Via = protocol.ViaDirect
	}

	data, err := n.codec.EncodeToBytes(out)
	if err != nil {
		return err
	}
	if err := ch.Channel.Send(data); err != nil {
		return err
	}
	ch.Touch(n.now())
	return nil
}

// handleEnvelope dispatches one inbound envelope from either path.
func (n *Node) handleEnvelope(env *protocol.Envelope) {
	if env == nil || env.From == "" || env.From == n.name {
		return
	}

	switch env.Type {
	case protocol.MsgSignal:
		if env.Payload == nil {
			return
		}
		inner := env.Payload
		inner.From = env.From
		inner.Via = protocol.ViaDirect
		n.handleEnvelope(inner)
	case protocol.MsgOffer:
		n.handleOffer(env)
	case protocol.MsgAnswer:
		n.handleAnswer(env)
	case protocol.MsgCandidate:
		n.handleCandidate(env)
	case protocol.MsgRTCEvent:
		n.handleRTCEvent(env)
	case protocol.MsgText:
		n.handleText(env)
	case protocol.MsgMsgAck:
		n.emit(MessageAcked{ID: env.AckID, Peer: env.From})
	case protocol.MsgRemoteInput:
		n.emit(RemoteInputReceived{Data: env.Data, Peer: env.From})
	case protocol.MsgError:
		n.handleError(env)
	default:
		n.logger.Warnf("Unknown envelope type %q from %s", env.Type, env.From)
	}
}

// onChannelMessage decodes data received on a sub-channel of p.
func (n *Node) onChannelMessage(p *peer.Context, kind protocol.ChannelKind, data []byte) {
	if ch, ok := p.LookupChannel(kind); ok {
		ch.Touch(n.now())
	}

	if kind == protocol.KindFile {
		n.handleFragment(p, data)
		return
	}

	env, err := n.codec.DecodeFromBytes(data)
	if err != nil {
		n.log(p).WithField("kind", kind).Warnf("Dropping undecodable message: %v", err)
		return
	}
	env.From = p.Name
	if env.Via == "" {
		env.Via = protocol.ViaDirect
	}
	n.handleEnvelope(env)
}

func (n *Node) handleRTCEvent(env *protocol.Envelope) {
	p, ok := n.peers.Get(env.From)
	if !ok {
		return
	}
	switch env.Event {
	case protocol.EventChannelOpen:
		ch, ok := p.LookupChannel(env.Channel)
		if ok && ch.Channel != nil && p.State != peer.NotConnected {
			n.markChannelConnected(p, env.Channel)
		}
	case protocol.EventRemoteTrackReceived:
		n.onRemoteTrackConfirmed(p, env.Channel)
	default:
		n.log(p).Debugf("Ignoring rtc event %q", env.Event)
	}
}

// handleError reacts to an error envelope from the relay or the peer.
func (n *Node) handleError(env *protocol.Envelope) {
	p, ok := n.peers.Get(env.From)
	if !ok {
		n.emit(PeerError{Message: env.Error, Peer: env.From})
		return
	}

	switch {
	case p.State == peer.Connecting:
		n.log(p).Warnf("Unable to connect: %s", env.Error)
		p.Reconnect = false
		n.teardown(p)
		n.emit(UnableToConnect{Peer: p.Name})
	case p.Connection != nil && p.Connection.SignalingState() == webrtc.SignalingStateHaveLocalOffer:
		// A refused offer cannot be withdrawn from the connection.
		n.log(p).WithField("kind", env.Channel).Warnf("Peer refused offer: %s", env.Error)
		if env.Channel.IsMedia() {
			n.releaseMedia(p, env.Channel)
			n.emit(UnableToConnect{Kind: env.Channel, Peer: p.Name})
		}
		n.dropConnection(p)
	case env.Channel.IsMedia():
		n.log(p).WithField("kind", env.Channel).Warnf("Peer cannot send media: %s", env.Error)
		n.emit(UnableToConnect{Kind: env.Channel, Peer: p.Name})
	default:
		n.emit(PeerError{Message: env.Error, Peer: p.Name})
	}
}

// SendText records text locally and delivers it to name, queueing it while
// the text channel opens.
func (n *Node) SendText(name, text string) (*protocol.Envelope, error) {
	return callValue(n, func() (*protocol.Envelope, error) {
		env := protocol.NewTextMessage(n.name, name, text)
		env.SentAt = n.now()
		p := n.peers.Create(name)
		n.emit(MessageRecorded{Message: env, Peer: name})
		return env, n.enqueueOrSend(p, env)
	})
}

func (n *Node) enqueueOrSend(p *peer.Context, env *protocol.Envelope) error {
	ch := p.Channel(protocol.KindText)
	switch ch.State {
	case peer.Connected:
		if p.Messages.Len() > 0 {
			p.Messages.Push(env)
			n.flushMessages(p)
			return nil
		}
		return n.send(env)
	case peer.Connecting:
		p.Messages.Push(env)
		return nil
	default:
		p.Messages.Push(env)
		return n.openChannel(p, protocol.KindText)
	}
}

// flushMessages sends queued messages in order while the text channel is
// open.
func (n *Node) flushMessages(p *peer.Context) {
	for p.ChannelConnected(protocol.KindText) {
		env, ok := p.Messages.Pop()
		if !ok {
			return
		}
		if err := n.send(env); err != nil {
			n.log(p).Warnf("Failed to deliver queued message %s: %v", env.ID, err)
		}
	}
}

func (n *Node) handleText(env *protocol.Envelope) {
	p := n.peers.Create(env.From)
	p.Unread++
	n.emit(MessageReceived{Message: env, Peer: p.Name, Unread: p.Unread})
	if env.ID != "" {
		_ = n.send(protocol.NewAck(n.name, p.Name, env.ID))
	}
}

// MarkRead clears the unread counter of name.
func (n *Node) MarkRead(name string) error {
	return n.call(func() error {
		p, ok := n.peers.Get(name)
		if !ok {
			return ErrUnknownPeer
		}
		p.Unread = 0
		return nil
	})
}

// Unread returns the number of unread messages from name.
func (n *Node) Unread(name string) int {
	count, _ := callValue(n, func() (int, error) {
		p, ok := n.peers.Get(name)
		if !ok {
			return 0, nil
		}
		return p.Unread, nil
	})
	return count
}

// SendRemoteInput forwards an input event over the open remote-input
// channel.
func (n *Node) SendRemoteInput(name string, data []byte) error {
	return n.call(func() error {
		p, ok := n.peers.Get(name)
		if !ok || !p.ChannelConnected(protocol.KindRemoteInput) {
			return fmt.Errorf("remote input to %s: %w", name, ErrChannelNotOpen)
		}
		ch := p.Channel(protocol.KindRemoteInput)
		payload, err := n.codec.EncodeToBytes(&protocol.Envelope{
			Channel: protocol.KindRemoteInput,
			Data:    data,
			From:    n.name,
			To:      name,
			Type:    protocol.MsgRemoteInput,
			Via:     protocol.ViaDirect,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSend, err)
		}
		if err := ch.Channel.Send(payload); err != nil {
			return fmt.Errorf("%w: %v", ErrSend, err)
		}
		ch.Touch(n.now())
		return nil
	})
}
