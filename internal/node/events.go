package node

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-talk/internal/peer"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/store"
)

// Event is emitted by a Node for the presentation layer.
type Event interface {
	PeerName() string
}

type ChannelOpened struct {
	Kind protocol.ChannelKind
	Peer string
}

type ChannelClosed struct {
	Kind protocol.ChannelKind
	Peer string
}

type ConnectionStateChanged struct {
	Peer  string
	State peer.State
}

type PeerDisconnected struct {
	Peer string
}

// UnableToConnect reports a connection, or a single media kind when Kind is
// set, that did not come up in time.
type UnableToConnect struct {
	Kind protocol.ChannelKind
	Peer string
}

type NegotiationFailed struct {
	Err  error
	Peer string
}

type MessageRecorded struct {
	Message *protocol.Envelope
	Peer    string
}

type MessageReceived struct {
	Message *protocol.Envelope
	Peer    string
	Unread  int
}

type MessageAcked struct {
	ID   string
	Peer string
}

type RemoteInputReceived struct {
	Data []byte
	Peer string
}

type FragmentReceived struct {
	ChunkType protocol.ChunkType
	FileID    string
	Peer      string
}

type TransferProgress struct {
	Direction store.Direction
	FileID    string
	FileName  string
	Offset    int
	Peer      string
	Total     int
}

type TransferCompleted struct {
	ContentType string
	// Data is only set for received files.
	Data      []byte
	Direction store.Direction
	FileID    string
	FileName  string
	Peer      string
}

type FileShareError struct {
	Err      error
	FileID   string
	FileName string
	Peer     string
}

type RemoteTrack struct {
	Kind  protocol.ChannelKind
	Peer  string
	Track *webrtc.TrackRemote
}

// PeerError carries an error envelope, such as an unknown recipient
// reported by the relay.
type PeerError struct {
	Message string
	Peer    string
}

func (e ChannelOpened) PeerName() string          { return e.Peer }
func (e ChannelClosed) PeerName() string          { return e.Peer }
func (e ConnectionStateChanged) PeerName() string { return e.Peer }
func (e PeerDisconnected) PeerName() string       { return e.Peer }
func (e UnableToConnect) PeerName() string        { return e.Peer }
func (e NegotiationFailed) PeerName() string      { return e.Peer }
func (e MessageRecorded) PeerName() string        { return e.Peer }
func (e MessageReceived) PeerName() string        { return e.Peer }
func (e MessageAcked) PeerName() string           { return e.Peer }
func (e RemoteInputReceived) PeerName() string    { return e.Peer }
func (e FragmentReceived) PeerName() string       { return e.Peer }
func (e TransferProgress) PeerName() string       { return e.Peer }
func (e TransferCompleted) PeerName() string      { return e.Peer }
func (e FileShareError) PeerName() string         { return e.Peer }
func (e RemoteTrack) PeerName() string            { return e.Peer }
func (e PeerError) PeerName() string              { return e.Peer }

// Listener receives every event on the event loop. It must not block or
// call back into the Node synchronously.
type Listener interface {
	OnEvent(ev Event)
}

type ListenerFunc func(ev Event)

func (f ListenerFunc) OnEvent(ev Event) {
	f(ev)
}

type subscribers struct {
	mu   sync.Mutex
	next int
	subs map[int]*subscription
}

// subscription feeds one subscriber from its own goroutine so a slow reader
// never blocks the loop. Progress events are dropped once a full buffer of
// events is waiting; every other event is kept until it is read.
type subscription struct {
	buffer   int
	done     chan struct{}
	finished chan struct{}
	mu       sync.Mutex
	out      chan Event
	pending  []Event
	wake     chan struct{}
}

func newSubscription(buffer int) *subscription {
	s := &subscription{
		buffer:   buffer,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		out:      make(chan Event, buffer),
		wake:     make(chan struct{}, 1),
	}
	go s.run()
	return s
}

// lossy reports whether ev only reports progress that a later event
// supersedes.
func lossy(ev Event) bool {
	switch ev.(type) {
	case FragmentReceived, TransferProgress:
		return true
	}
	return false
}

func (s *subscription) push(ev Event) bool {
	s.mu.Lock()
	if lossy(ev) && len(s.pending) >= s.buffer {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *subscription) take() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch
}

// run forwards pending events in order. After finish it delivers what is
// left and closes the channel; after cancel it stops at once.
func (s *subscription) run() {
	defer close(s.out)
	for {
		select {
		case <-s.wake:
		case <-s.finished:
			for _, ev := range s.take() {
				select {
				case s.out <- ev:
				case <-s.done:
					return
				}
			}
			return
		case <-s.done:
			return
		}
		for _, ev := range s.take() {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// Subscribe returns a channel receiving every event and a function that
// ends the subscription. Delivery is in order. When the reader falls more
// than buffer events behind, progress events are skipped.
func (n *Node) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := newSubscription(buffer)

	n.subs.mu.Lock()
	id := n.subs.next
	n.subs.next++
	if n.subs.subs == nil {
		n.subs.subs = make(map[int]*subscription)
	}
	n.subs.subs[id] = sub
	n.subs.mu.Unlock()

	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			n.subs.mu.Lock()
			delete(n.subs.subs, id)
			n.subs.mu.Unlock()
			close(sub.done)
		})
	}
}

func (n *Node) emit(ev Event) {
	if n.listener != nil {
		_ = n.safeRun(func() { n.listener.OnEvent(ev) })
	}

	n.subs.mu.Lock()
	defer n.subs.mu.Unlock()
	for _, sub := range n.subs.subs {
		if !sub.push(ev) {
			n.logger.Debugf("Skipping %T event for slow subscriber", ev)
		}
	}
}

// closeSubscriptions ends every subscription once its pending events are
// read.
func (n *Node) closeSubscriptions() {
	n.subs.mu.Lock()
	defer n.subs.mu.Unlock()
	for id, sub := range n.subs.subs {
		close(sub.finished)
		delete(n.subs.subs, id)
	}
}
