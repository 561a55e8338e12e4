// Package node orchestrates per-peer connections: negotiation, sub-channel
// opening, message routing, file transfer and idle supervision. All state
// is owned by a single event loop started with Run.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/peer-talk/internal/config"
	"github.com/rudransh-shrivastava/peer-talk/internal/db"
	"github.com/rudransh-shrivastava/peer-talk/internal/filetransfer"
	"github.com/rudransh-shrivastava/peer-talk/internal/logger"
	"github.com/rudransh-shrivastava/peer-talk/internal/media"
	"github.com/rudransh-shrivastava/peer-talk/internal/peer"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/signal"
	"github.com/rudransh-shrivastava/peer-talk/internal/store"
	"github.com/rudransh-shrivastava/peer-talk/internal/transport"
	"github.com/sirupsen/logrus"
)

type Options struct {
	// Capturer provides local media. Media operations fail without one.
	Capturer media.Capturer
	Config   *config.Config
	Factory  transport.Factory
	Listener Listener
	Logger   *logrus.Logger
	Name     string
	// Now overrides the clock used for activity timestamps.
	Now    func() time.Time
	Signal signal.Transport
	// Transfers defaults to an in-memory SQLite store.
	Transfers store.TransferRepository
}

type Node struct {
	capturer  media.Capturer
	codec     *protocol.Codec
	config    *config.Config
	factory   transport.Factory
	files     filetransfer.Config
	listener  Listener
	logger    *logrus.Logger
	name      string
	now       func() time.Time
	signal    signal.Transport
	transfers store.TransferRepository

	loop *loop
	subs subscribers

	// Owned by the event loop.
	ctx       context.Context
	peers     *peer.Registry
	receivers map[string]*filetransfer.Receiver
}

func New(opts Options) (*Node, error) {
	if opts.Name == "" {
		return nil, errors.New("node name is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("connection factory is required")
	}
	if opts.Signal == nil {
		return nil, errors.New("signaling transport is required")
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewLogger(cfg.LogLevel)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	transfers := opts.Transfers
	if transfers == nil {
		gormDB, err := db.Open(cfg.Database, &store.TransferRecord{})
		if err != nil {
			return nil, err
		}
		transfers = store.NewTransferStore(gormDB)
	}

	n := &Node{
		capturer:  opts.Capturer,
		codec:     protocol.NewCodec(),
		config:    cfg,
		ctx:       context.Background(),
		factory:   opts.Factory,
		files:     cfg.Files.Transfer(),
		listener:  opts.Listener,
		logger:    log,
		loop:      newLoop(),
		name:      opts.Name,
		now:       now,
		peers:     peer.NewRegistry(),
		receivers: make(map[string]*filetransfer.Receiver),
		signal:    opts.Signal,
		transfers: transfers,
	}

	n.signal.SetHooks(signal.Hooks{
		OnMessage: func(env *protocol.Envelope) {
			n.post(func() { n.handleEnvelope(env) })
		},
		OnOpen: func() {
			n.logger.Infof("Signaling transport open as %s", n.name)
		},
		OnReconnect: func() {
			n.logger.Infof("Signaling transport reconnected")
		},
		OnClose: func(err error) {
			if err != nil {
				n.logger.Warnf("Signaling transport closed: %v", err)
			}
		},
	})

	return n, nil
}

func (n *Node) Name() string {
	return n.name
}

// Run processes the event loop until ctx ends. Public methods block until
// Run is processing.
func (n *Node) Run(ctx context.Context) error {
	n.ctx = ctx
	defer n.loop.stop()
	defer n.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.loop.wake:
			for _, fn := range n.loop.drain() {
				_ = n.safeRun(fn)
			}
		}
	}
}

func (n *Node) shutdown() {
	n.peers.Each(func(p *peer.Context) {
		n.teardown(p)
	})
	n.closeSubscriptions()
}

func (n *Node) log(p *peer.Context) *logrus.Entry {
	return n.logger.WithField("peer", p.Name)
}

// PeerState reports the connection state of name and of each channel.
func (n *Node) PeerState(name string) (peer.State, map[protocol.ChannelKind]peer.State, error) {
	var state peer.State
	channels := make(map[protocol.ChannelKind]peer.State)
	err := n.call(func() error {
		p, ok := n.peers.Get(name)
		if !ok {
			return ErrUnknownPeer
		}
		state = p.State
		for kind, ch := range p.Channels {
			channels[kind] = ch.State
		}
		return nil
	})
	return state, channels, err
}

// Peers lists the known peer names.
func (n *Node) Peers() []string {
	names, _ := callValue(n, func() ([]string, error) {
		return n.peers.Names(), nil
	})
	return names
}

// Disconnect tears down the connection to name and forgets it.
func (n *Node) Disconnect(name string) error {
	return n.call(func() error {
		p, ok := n.peers.Get(name)
		if !ok {
			return ErrUnknownPeer
		}
		p.Reconnect = false
		n.teardown(p)
		n.peers.Destroy(name)
		delete(n.receivers, name)
		n.emit(PeerDisconnected{Peer: name})
		return nil
	})
}
