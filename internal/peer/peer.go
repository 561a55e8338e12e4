// Package peer holds per-peer connection state. Values are owned by the
// node's event loop and are not safe for concurrent use.
package peer

import (
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-talk/internal/filetransfer"
	"github.com/rudransh-shrivastava/peer-talk/internal/media"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/queue"
	"github.com/rudransh-shrivastava/peer-talk/internal/transport"
)

type State int

const (
	NotConnected State = iota
	Connecting
	Connected
	Cleaning
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "not-connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Cleaning:
		return "cleaning"
	default:
		return "unknown"
	}
}

// Timer is a cancellable scheduled job.
type Timer interface {
	Stop() bool
}

// ChannelState tracks one logical channel of a peer.
type ChannelState struct {
	Channel    transport.DataChannel
	IdleJob    Timer
	LastUsedAt time.Time
	MediaTimer Timer
	// RemoteTrack is set once the peer's track for this kind arrived.
	RemoteTrack bool
	Sender      transport.TrackSender
	State       State
	Track       media.Track
}

// Touch records activity on the channel.
func (c *ChannelState) Touch(now time.Time) {
	c.LastUsedAt = now
}

func (c *ChannelState) stopJobs() {
	if c.IdleJob != nil {
		c.IdleJob.Stop()
		c.IdleJob = nil
	}
	if c.MediaTimer != nil {
		c.MediaTimer.Stop()
		c.MediaTimer = nil
	}
}

// Reset returns the channel to NotConnected, cancels its jobs and stops local
// capture. The data channel and sender handles are dropped, not closed.
func (c *ChannelState) Reset() {
	c.stopJobs()
	if c.Track != nil {
		c.Track.Stop()
	}
	c.Channel = nil
	c.RemoteTrack = false
	c.Sender = nil
	c.State = NotConnected
	c.Track = nil
}

// Context is everything known about one remote peer.
type Context struct {
	Channels     map[protocol.ChannelKind]*ChannelState
	ConnectTimer Timer
	Connection   transport.Connection
	FailedFiles  map[string]*filetransfer.File
	Files        *queue.Queue[*filetransfer.File]
	// ICEConnected is set once the connection reached the connected state.
	ICEConnected bool
	Messages     *queue.Queue[*protocol.Envelope]
	Name         string
	OnStable     *queue.Queue[func()]
	// PendingCandidates holds remote candidates received before the remote
	// description was applied.
	PendingCandidates []webrtc.ICECandidateInit
	Reconnect         bool
	SendingFiles      bool
	State             State
	Unread            int
}

func newContext(name string) *Context {
	return &Context{
		Channels:    make(map[protocol.ChannelKind]*ChannelState),
		FailedFiles: make(map[string]*filetransfer.File),
		Files:       queue.New[*filetransfer.File](),
		Messages:    queue.New[*protocol.Envelope](),
		Name:        name,
		OnStable:    queue.New[func()](),
		State:       NotConnected,
	}
}

// Channel returns the state for kind, creating it NotConnected on first use.
func (p *Context) Channel(kind protocol.ChannelKind) *ChannelState {
	ch, ok := p.Channels[kind]
	if !ok {
		ch = &ChannelState{State: NotConnected}
		p.Channels[kind] = ch
	}
	return ch
}

// LookupChannel returns the state for kind without creating it.
func (p *Context) LookupChannel(kind protocol.ChannelKind) (*ChannelState, bool) {
	ch, ok := p.Channels[kind]
	return ch, ok
}

// ChannelConnected reports whether kind exists and is Connected.
func (p *Context) ChannelConnected(kind protocol.ChannelKind) bool {
	ch, ok := p.Channels[kind]
	return ok && ch.State == Connected
}

// ResetChannels returns every channel to NotConnected and stops their jobs.
func (p *Context) ResetChannels() {
	for _, ch := range p.Channels {
		ch.Reset()
	}
}

// StopConnectTimer cancels a pending connection timeout.
func (p *Context) StopConnectTimer() {
	if p.ConnectTimer != nil {
		p.ConnectTimer.Stop()
		p.ConnectTimer = nil
	}
}
