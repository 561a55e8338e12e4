package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/transport"
)

const writeTimeout = 10 * time.Second

// endpoint is one registered connection.
type endpoint interface {
	Close() error
	Deliver(env *protocol.Envelope) error
	Name() string
}

type wsEndpoint struct {
	codec *protocol.Codec
	conn  *websocket.Conn
	mu    sync.Mutex
	name  string
}

func (e *wsEndpoint) Close() error {
	return e.conn.Close()
}

func (e *wsEndpoint) Deliver(env *protocol.Envelope) error {
	data, err := e.codec.EncodeToBytes(env)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

func (e *wsEndpoint) Name() string {
	return e.name
}

type linkEndpoint struct {
	link *transport.Link
	name string
}

func (e *linkEndpoint) Close() error {
	return e.link.Close()
}

func (e *linkEndpoint) Deliver(env *protocol.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return e.link.Send(ctx, env)
}

func (e *linkEndpoint) Name() string {
	return e.name
}
