// Package webrtc implements transport.Connection on top of pion/webrtc.
package webrtc

import (
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/transport"
)

// Options configures the factory. A zero value uses the default STUN servers.
type Options struct {
	ICEServers []transport.ICEServer
	// IncludeLoopback gathers loopback candidates, used when both ends run
	// on one host.
	IncludeLoopback bool
}

type factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewFactory returns a transport.Factory producing pion peer connections.
func NewFactory(opts Options) transport.Factory {
	servers := opts.ICEServers
	if servers == nil {
		servers = []transport.ICEServer{{URLs: transport.DefaultSTUNServers}}
	}

	settings := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		settings.SetIncludeLoopbackCandidate(true)
	}

	return &factory{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		config: transport.Configuration(servers),
	}
}

func (f *factory) NewConnection() (transport.Connection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %v", err)
	}
	return newConnection(pc), nil
}

// DataChannelConfig is the init block every sub-channel is created with.
// Channels are reliable and ordered; the label carries the channel kind.
func DataChannelConfig(kind protocol.ChannelKind) *webrtc.DataChannelInit {
	protocolName := "peer-talk/" + kind.String()
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocolName,
	}
}
