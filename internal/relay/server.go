// Package relay forwards envelopes between named endpoints connected over
// websockets or QUIC links.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/transport"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Addr   string
	Logger *logrus.Logger
	// QUICAddr additionally accepts QUIC links when set.
	QUICAddr string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Server struct {
	codec    *protocol.Codec
	config   Config
	links    *transport.LinkListener
	listener net.Listener
	logger   *logrus.Logger
	server   *http.Server

	mu        sync.RWMutex
	endpoints map[string]endpoint
}

func NewServer(cfg Config) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %v", cfg.Addr, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		codec:     protocol.NewCodec(),
		config:    cfg,
		endpoints: make(map[string]endpoint),
		listener:  listener,
		logger:    logger,
	}

	if cfg.QUICAddr != "" {
		links, err := transport.ListenLinks(cfg.QUICAddr)
		if err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("failed to listen on %s: %v", cfg.QUICAddr, err)
		}
		s.links = links
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConnect)
	mux.HandleFunc("/peers", s.handlePeers)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// URL is the websocket address clients dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/"
}

// QUICURL is the link address clients dial, empty without a QUIC listener.
func (s *Server) QUICURL() string {
	if s.links == nil {
		return ""
	}
	return "quic://" + s.links.Addr().String()
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.Addr()).Info("Relay server started")

	stop := context.AfterFunc(ctx, func() { _ = s.Shutdown() })
	defer stop()

	if s.links != nil {
		s.logger.WithField("addr", s.links.Addr().String()).Info("Accepting QUIC links")
		go s.serveLinks(ctx)
	}

	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down relay server")

	s.mu.Lock()
	for _, ep := range s.endpoints {
		_ = ep.Close()
	}
	s.endpoints = make(map[string]endpoint)
	s.mu.Unlock()

	if s.links != nil {
		_ = s.links.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Peers returns the names currently connected.
func (s *Server) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		names = append(names, name)
	}
	return names
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	ep := &wsEndpoint{codec: s.codec, conn: conn, name: name}
	s.register(ep)
	s.logger.WithFields(logrus.Fields{"peer": name, "remote": r.RemoteAddr}).Info("Peer connected")

	defer func() {
		s.unregister(ep)
		_ = conn.Close()
		s.logger.WithField("peer", name).Info("Peer disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.WithError(err).WithField("peer", name).Debug("Read failed")
			return
		}
		env, err := s.codec.DecodeFromBytes(data)
		if err != nil {
			s.logger.WithError(err).WithField("peer", name).Warn("Dropping malformed envelope")
			continue
		}
		s.handleMessage(ep, env)
	}
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	for _, name := range s.Peers() {
		fmt.Fprintln(w, name)
	}
}

func (s *Server) serveLinks(ctx context.Context) {
	for {
		link, err := s.links.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.WithError(err).Debug("Stopped accepting QUIC links")
			}
			return
		}
		go s.handleLink(ctx, link)
	}
}

// handleLink registers a QUIC link under the name of its hello envelope.
func (s *Server) handleLink(ctx context.Context, link *transport.Link) {
	helloCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	hello, err := link.Receive(helloCtx)
	cancel()
	if err != nil || hello.Type != protocol.MsgHello || hello.From == "" {
		s.logger.WithField("remote", link.RemoteAddr()).Warn("Rejecting link without hello")
		_ = link.Close()
		return
	}

	ep := &linkEndpoint{link: link, name: hello.From}
	s.register(ep)
	s.logger.WithFields(logrus.Fields{"peer": ep.name, "remote": link.RemoteAddr()}).Info("Peer connected over QUIC")

	defer func() {
		s.unregister(ep)
		_ = link.Close()
		s.logger.WithField("peer", ep.name).Info("Peer disconnected")
	}()

	for {
		env, err := link.Receive(ctx)
		if err != nil {
			s.logger.WithError(err).WithField("peer", ep.name).Debug("Read failed")
			return
		}
		s.handleMessage(ep, env)
	}
}

func (s *Server) handleMessage(from endpoint, env *protocol.Envelope) {
	env.From = from.Name()
	env.Via = protocol.ViaRelay

	s.mu.RLock()
	to, ok := s.endpoints[env.To]
	s.mu.RUnlock()

	if !ok {
		s.logger.WithFields(logrus.Fields{"peer": from.Name(), "to": env.To}).Warn("Unknown recipient")
		err := from.Deliver(&protocol.Envelope{
			Error: fmt.Sprintf("unknown recipient %q", env.To),
			From:  env.To,
			ID:    env.ID,
			To:    from.Name(),
			Type:  protocol.MsgError,
			Via:   protocol.ViaRelay,
		})
		if err != nil {
			s.logger.WithError(err).WithField("peer", from.Name()).Debug("Failed to send error reply")
		}
		return
	}

	if err := to.Deliver(env); err != nil {
		s.logger.WithError(err).WithField("peer", to.Name()).Warn("Failed to forward envelope")
	}
}

// register replaces any earlier endpoint with the same name.
func (s *Server) register(ep endpoint) {
	s.mu.Lock()
	old, ok := s.endpoints[ep.Name()]
	s.endpoints[ep.Name()] = ep
	s.mu.Unlock()

	if ok {
		s.logger.WithField("peer", ep.Name()).Warn("Replacing existing connection")
		_ = old.Close()
	}
}

func (s *Server) unregister(ep endpoint) {
	s.mu.Lock()
	if s.endpoints[ep.Name()] == ep {
		delete(s.endpoints, ep.Name())
	}
	s.mu.Unlock()
}
