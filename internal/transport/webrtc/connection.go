package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/transport"
)

type connection struct {
	pc *webrtc.PeerConnection

	mu       sync.RWMutex
	control  *webrtc.DataChannel
	handlers transport.Handlers
}

func newConnection(pc *webrtc.PeerConnection) *connection {
	c := &connection{pc: pc}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if fn := c.hooks().OnICECandidate; fn != nil {
			fn(candidate.ToJSON())
		}
	})

	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		if fn := c.hooks().OnSignalingStateChange; fn != nil {
			fn(s)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if fn := c.hooks().OnConnectionStateChange; fn != nil {
			fn(s)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if fn := c.hooks().OnDataChannel; fn != nil {
			fn(newDataChannel(dc))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn := c.hooks().OnTrack
		if fn == nil {
			return
		}
		kind, ok := protocol.ParseChannelKind(track.StreamID())
		if !ok || !kind.IsMedia() {
			kind = protocol.KindVideo
			if track.Kind() == webrtc.RTPCodecTypeAudio {
				kind = protocol.KindAudio
			}
		}
		fn(transport.RemoteTrack{Kind: kind, StreamID: track.StreamID(), Track: track})
	})

	return c
}

func (c *connection) hooks() transport.Handlers {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handlers
}

func (c *connection) SetHandlers(h transport.Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *connection) DetachHandlers() {
	c.SetHandlers(transport.Handlers{})
}

func (c *connection) CreateOffer() (webrtc.SessionDescription, error) {
	// The first offer needs an application section so later data channels
	// can be added without renegotiating the SCTP association.
	c.mu.Lock()
	if c.control == nil && c.pc.RemoteDescription() == nil {
		dc, err := c.pc.CreateDataChannel(protocol.KindControl.String(), DataChannelConfig(protocol.KindControl))
		if err != nil {
			c.mu.Unlock()
			return webrtc.SessionDescription{}, fmt.Errorf("failed to create control channel: %v", err)
		}
		c.control = dc
	}
	c.mu.Unlock()

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %v", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %v", err)
	}
	return offer, nil
}

func (c *connection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %v", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %v", err)
	}
	return answer, nil
}

func (c *connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %v", err)
	}
	return nil
}

func (c *connection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *connection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := c.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %v", err)
	}
	return nil
}

func (c *connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *connection) CreateDataChannel(kind protocol.ChannelKind) (transport.DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(kind.String(), DataChannelConfig(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s data channel: %v", kind, err)
	}
	return newDataChannel(dc), nil
}

func (c *connection) AddTrack(track webrtc.TrackLocal) (transport.TrackSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("failed to add track: %v", err)
	}

	// RTCP has to be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return sender, nil
}

func (c *connection) RemoveTrack(sender transport.TrackSender) error {
	rtp, ok := sender.(*webrtc.RTPSender)
	if !ok {
		return fmt.Errorf("unexpected track sender %T", sender)
	}
	if err := c.pc.RemoveTrack(rtp); err != nil {
		return fmt.Errorf("failed to remove track: %v", err)
	}
	return nil
}

func (c *connection) Close() error {
	c.DetachHandlers()

	c.mu.Lock()
	if c.control != nil {
		_ = c.control.Close()
		c.control = nil
	}
	c.mu.Unlock()

	return c.pc.Close()
}

// dataChannel holds messages that arrive before OnMessage is set. pion
// starts reading a remote channel as soon as the OnDataChannel hook returns.
type dataChannel struct {
	dc *webrtc.DataChannel

	mu        sync.Mutex
	onMessage func([]byte)
	pending   [][]byte
}

func newDataChannel(dc *webrtc.DataChannel) *dataChannel {
	d := &dataChannel{dc: dc}
	dc.OnMessage(d.handleMessage)
	return d
}

func (d *dataChannel) handleMessage(msg webrtc.DataChannelMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.onMessage == nil {
		d.pending = append(d.pending, msg.Data)
		return
	}
	d.onMessage(msg.Data)
}

func (d *dataChannel) Label() string {
	return d.dc.Label()
}

func (d *dataChannel) Send(data []byte) error {
	return d.dc.Send(data)
}

func (d *dataChannel) BufferedAmount() uint64 {
	return d.dc.BufferedAmount()
}

func (d *dataChannel) ReadyState() webrtc.DataChannelState {
	return d.dc.ReadyState()
}

func (d *dataChannel) OnOpen(fn func()) {
	d.dc.OnOpen(fn)
}

// OnMessage replays held messages to fn first. fn runs under the channel
// lock and must not block.
func (d *dataChannel) OnMessage(fn func(data []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = fn
	for _, data := range d.pending {
		fn(data)
	}
	d.pending = nil
}

func (d *dataChannel) OnClose(fn func()) {
	d.dc.OnClose(fn)
}

func (d *dataChannel) Close() error {
	return d.dc.Close()
}
