// Package signal carries envelopes between named endpoints before, and
// alongside, a direct peer connection.
package signal

import (
	"context"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned when sending on a closed transport.
var ErrClosed = errors.New("signaling transport closed")

// Hooks are the signaling events. Nil fields are ignored.
type Hooks struct {
	OnClose     func(err error)
	OnMessage   func(env *protocol.Envelope)
	OnOpen      func()
	OnReconnect func()
}

// Transport is the relay path used for offers, answers, candidates and
// for messages while no direct channel is open.
type Transport interface {
	Send(ctx context.Context, env *protocol.Envelope) error
	SetHooks(h Hooks)
	Close() error
}

// Endpoint is a Transport that dials and keeps its own relay connection.
type Endpoint interface {
	Transport
	Connect(ctx context.Context) error
	Run(ctx context.Context) error
}

type ClientConfig struct {
	Logger *logrus.Logger
	// Name registers this endpoint with the relay.
	Name string
	// ReconnectDelay is the initial backoff, doubled up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	URL               string
	// WriteTimeout bounds one send when the caller's context has no
	// earlier deadline.
	WriteTimeout time.Duration
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 500 * time.Millisecond
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return cfg
}

// New returns the client for the scheme of cfg.URL: ws and wss dial a
// websocket, quic dials a QUIC link.
func New(cfg ClientConfig) (Endpoint, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid relay url %q", cfg.URL)
	}
	switch u.Scheme {
	case "ws", "wss":
		return NewClient(cfg), nil
	case "quic":
		return NewLinkClient(cfg), nil
	default:
		return nil, errors.Errorf("unsupported relay scheme %q", u.Scheme)
	}
}

// redial calls connect with exponential backoff until it succeeds, ctx
// ends or the client is closed.
func redial(ctx context.Context, cfg ClientConfig, closed func() bool, connect func(context.Context) error) error {
	delay := cfg.ReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if closed() {
			return ErrClosed
		}
		err := connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}

		cfg.Logger.WithError(err).Debugf("Reconnect failed, retrying in %s", delay)
		delay = min(delay*2, cfg.MaxReconnectDelay)
	}
}
