package node

import (
	"context"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-talk/internal/logger"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/relay"
	"github.com/rudransh-shrivastava/peer-talk/internal/signal"
	"github.com/rudransh-shrivastava/peer-talk/internal/transport"
	rtc "github.com/rudransh-shrivastava/peer-talk/internal/transport/webrtc"
)

// Network is a relay server with nodes attached over real websockets.
type Network struct {
	cancel context.CancelFunc
	ctx    context.Context
	relay  *relay.Server
	t      *testing.T
}

func NewNetwork(t *testing.T) *Network {
	t.Helper()

	srv, err := relay.NewServer(relay.Config{
		Addr:   "127.0.0.1:0",
		Logger: logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Failed to create relay: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	go func() {
		_ = srv.Start(ctx)
	}()

	n := &Network{
		cancel: cancel,
		ctx:    ctx,
		relay:  srv,
		t:      t,
	}
	t.Cleanup(n.Close)
	return n
}

// Join connects a node named name to the relay and runs it.
func (n *Network) Join(name string) (*Node, <-chan Event) {
	n.t.Helper()

	client := signal.NewClient(signal.ClientConfig{
		Logger: logger.Discard(),
		Name:   name,
		URL:    n.relay.URL(),
	})
	if err := client.Connect(n.ctx); err != nil {
		n.t.Fatalf("Failed to connect %s: %v", name, err)
	}

	cfg := testConfig()
	cfg.ConnectTimeout = 20 * time.Second
	node, err := New(Options{
		Config:  cfg,
		Factory: rtc.NewFactory(rtc.Options{ICEServers: []transport.ICEServer{}, IncludeLoopback: true}),
		Logger:  logger.Discard(),
		Name:    name,
		Signal:  client,
	})
	if err != nil {
		n.t.Fatalf("Failed to create %s: %v", name, err)
	}
	events, _ := node.Subscribe(4096)

	done := make(chan struct{}, 2)
	go func() {
		_ = client.Run(n.ctx)
		done <- struct{}{}
	}()
	go func() {
		_ = node.Run(n.ctx)
		done <- struct{}{}
	}()
	n.t.Cleanup(func() {
		n.cancel()
		<-done
		<-done
	})

	n.waitForPeers(name)
	return node, events
}

func (n *Network) waitForPeers(name string) {
	n.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range n.relay.Peers() {
			if p == name {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	n.t.Fatalf("%s never registered with the relay", name)
}

func (n *Network) Close() {
	n.cancel()
	_ = n.relay.Shutdown()
}

func TestNetworkRemoteInput(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	network := NewNetwork(t)
	alice, aliceEvents := network.Join("alice")
	_, bobEvents := network.Join("bob")

	if err := alice.OpenChannel("bob", protocol.KindRemoteInput); err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	waitFor(t, aliceEvents, func(ev Event) bool {
		e, ok := ev.(ChannelOpened)
		return ok && e.Kind == protocol.KindRemoteInput
	})

	if err := alice.SendRemoteInput("bob", []byte("key:a")); err != nil {
		t.Fatalf("SendRemoteInput failed: %v", err)
	}
	got := waitFor(t, bobEvents, func(ev Event) bool {
		_, ok := ev.(RemoteInputReceived)
		return ok
	}).(RemoteInputReceived)
	if got.Peer != "alice" || string(got.Data) != "key:a" {
		t.Errorf("unexpected input %q from %s", got.Data, got.Peer)
	}
}

func TestNetworkUnknownRecipient(t *testing.T) {
	network := NewNetwork(t)
	alice, events := network.Join("alice")

	if _, err := alice.SendText("carol", "hello?"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	waitFor(t, events, func(ev Event) bool {
		e, ok := ev.(UnableToConnect)
		return ok && e.Peer == "carol"
	})
}
