// Package transport defines the point-to-point connection surface the
// orchestration core drives. The pion implementation lives in
// transport/webrtc; tests substitute fakes.
package transport

import (
	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
)

// Handlers are the event hooks of a Connection. Nil fields are ignored.
type Handlers struct {
	OnConnectionStateChange func(webrtc.PeerConnectionState)
	OnDataChannel           func(DataChannel)
	OnICECandidate          func(webrtc.ICECandidateInit)
	OnSignalingStateChange  func(webrtc.SignalingState)
	OnTrack                 func(RemoteTrack)
}

// Connection is one negotiated peer connection.
type Connection interface {
	// SetHandlers replaces every event hook at once.
	SetHandlers(h Handlers)
	// DetachHandlers drops every hook; events raised afterwards are discarded.
	DetachHandlers()

	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer answers the applied remote offer and applies the answer
	// as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState

	CreateDataChannel(kind protocol.ChannelKind) (DataChannel, error)
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	RemoveTrack(sender TrackSender) error

	Close() error
}

// DataChannel is one reliable, ordered sub-channel.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	BufferedAmount() uint64
	ReadyState() webrtc.DataChannelState
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	Close() error
}

// TrackSender is the handle of a local track attached to a connection.
type TrackSender interface {
	Stop() error
}

// RemoteTrack describes a media track received from the peer.
type RemoteTrack struct {
	Kind     protocol.ChannelKind
	StreamID string
	Track    *webrtc.TrackRemote
}

// Factory allocates new connections.
type Factory interface {
	NewConnection() (Connection, error)
}

type FactoryFunc func() (Connection, error)

func (f FactoryFunc) NewConnection() (Connection, error) {
	return f()
}
