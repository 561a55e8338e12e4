package signal

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Endpoint = (*Client)(nil)

// Client is a websocket connection to the relay server. Run keeps it
// connected until its context ends.
type Client struct {
	codec  *protocol.Codec
	config ClientConfig
	dialer *websocket.Dialer
	logger *logrus.Logger

	mu     sync.RWMutex
	closed bool
	conn   *websocket.Conn
	hooks  Hooks
	// writeMu serialises writers; gorilla allows one at a time.
	writeMu sync.Mutex
}

func NewClient(cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		codec:  protocol.NewCodec(),
		config: cfg,
		dialer: websocket.DefaultDialer,
		logger: cfg.Logger,
	}
}

func (c *Client) SetHooks(h Hooks) {
	c.mu.Lock()
	c.hooks = h
	c.mu.Unlock()
}

func (c *Client) getHooks() Hooks {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hooks
}

// Connect dials the relay once.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return errors.Wrapf(err, "invalid relay url %q", c.config.URL)
	}
	q := u.Query()
	q.Set("name", c.config.Name)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to dial relay")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.WithField("relay", c.config.URL).Info("Connected to relay")
	return nil
}

// Run connects if needed and reads envelopes until ctx ends or Close is
// called, reconnecting with exponential backoff after read errors.
func (c *Client) Run(ctx context.Context) error {
	c.mu.RLock()
	connected := c.conn != nil
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
		err := c.readLoop()
		if c.isClosed() || ctx.Err() != nil {
			return nil
		}

		c.logger.WithError(err).Warn("Relay connection lost")
		if fn := c.getHooks().OnClose; fn != nil {
			fn(err)
		}

		if err := c.reconnect(ctx); err != nil {
			return nil
		}
		if fn := c.getHooks().OnReconnect; fn != nil {
			fn()
		}
	}
}

func (c *Client) readLoop() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrClosed
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env, err := c.codec.DecodeFromBytes(data)
		if err != nil {
			c.logger.WithError(err).Warn("Dropping malformed envelope from relay")
			continue
		}
		env.Via = protocol.ViaRelay
		if fn := c.getHooks().OnMessage; fn != nil {
			fn(env)
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	return redial(ctx, c.config, c.isClosed, c.Connect)
}

// Send writes env to the relay. The write gives up at the context deadline
// or after the configured write timeout, whichever comes first.
func (c *Client) Send(ctx context.Context, env *protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "failed to send %s to %s", env.Type, env.To)
	}

	c.mu.RLock()
	conn := c.conn
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return errors.New("not connected to relay")
	}

	if env.From == "" {
		env.From = c.config.Name
	}
	data, err := c.codec.EncodeToBytes(env)
	if err != nil {
		return errors.Wrap(err, "failed to encode envelope")
	}

	deadline := time.Now().Add(c.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrapf(err, "failed to send %s to %s", env.Type, env.To)
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
