package signal

import (
	"context"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/transport"
	"github.com/sirupsen/logrus"
)

var _ Endpoint = (*LinkClient)(nil)

// LinkClient talks to the relay over a QUIC link, named by a hello
// envelope instead of a query parameter.
type LinkClient struct {
	config ClientConfig
	logger *logrus.Logger

	mu     sync.RWMutex
	closed bool
	hooks  Hooks
	link   *transport.Link
}

func NewLinkClient(cfg ClientConfig) *LinkClient {
	cfg = cfg.withDefaults()
	return &LinkClient{
		config: cfg,
		logger: cfg.Logger,
	}
}

func (c *LinkClient) SetHooks(h Hooks) {
	c.mu.Lock()
	c.hooks = h
	c.mu.Unlock()
}

func (c *LinkClient) getHooks() Hooks {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hooks
}

func (c *LinkClient) Connect(ctx context.Context) error {
	if c.config.Name == "" {
		return errors.New("endpoint name is required")
	}
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return errors.Wrapf(err, "invalid relay url %q", c.config.URL)
	}

	link, err := transport.DialLink(ctx, u.Host)
	if err != nil {
		return errors.Wrap(err, "failed to dial relay")
	}
	hello := &protocol.Envelope{From: c.config.Name, Type: protocol.MsgHello}
	if err := link.Send(ctx, hello); err != nil {
		_ = link.Close()
		return errors.Wrap(err, "failed to register with relay")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = link.Close()
		return ErrClosed
	}
	c.link = link
	c.mu.Unlock()

	c.logger.WithField("relay", c.config.URL).Info("Connected to relay")
	return nil
}

func (c *LinkClient) Run(ctx context.Context) error {
	c.mu.RLock()
	connected := c.link != nil
	c.mu.RUnlock()

	if !connected {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}
	if fn := c.getHooks().OnOpen; fn != nil {
		fn()
	}

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		err := c.readLoop(ctx)
		if c.isClosed() || ctx.Err() != nil {
			return nil
		}

		c.logger.WithError(err).Warn("Relay link lost")
		if fn := c.getHooks().OnClose; fn != nil {
			fn(err)
		}

		if err := redial(ctx, c.config, c.isClosed, c.Connect); err != nil {
			return nil
		}
		if fn := c.getHooks().OnReconnect; fn != nil {
			fn()
		}
	}
}

func (c *LinkClient) readLoop(ctx context.Context) error {
	c.mu.RLock()
	link := c.link
	c.mu.RUnlock()
	if link == nil {
		return ErrClosed
	}

	for {
		env, err := link.Receive(ctx)
		if err != nil {
			return err
		}
		env.Via = protocol.ViaRelay
		if fn := c.getHooks().OnMessage; fn != nil {
			fn(env)
		}
	}
}

func (c *LinkClient) Send(ctx context.Context, env *protocol.Envelope) error {
	c.mu.RLock()
	link := c.link
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if link == nil {
		return errors.New("not connected to relay")
	}

	if env.From == "" {
		env.From = c.config.Name
	}
	if err := link.Send(ctx, env); err != nil {
		return errors.Wrapf(err, "failed to send %s to %s", env.Type, env.To)
	}
	return nil
}

func (c *LinkClient) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *LinkClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	link := c.link
	c.mu.Unlock()

	if link == nil {
		return nil
	}
	return link.Close()
}
