package signal

import (
	"context"
	"testing"
)

func TestNewSelectsClientByScheme(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "ws://localhost:8080/", want: "websocket"},
		{url: "wss://relay.example.org/", want: "websocket"},
		{url: "quic://relay.example.org:4433", want: "quic"},
		{url: "http://relay.example.org/", wantErr: true},
		{url: "://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			ep, err := New(ClientConfig{Name: "alice", URL: tt.url})
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.url)
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			var got string
			switch ep.(type) {
			case *Client:
				got = "websocket"
			case *LinkClient:
				got = "quic"
			}
			if got != tt.want {
				t.Errorf("expected %s client, got %T", tt.want, ep)
			}
		})
	}
}

func TestLinkClientRequiresName(t *testing.T) {
	c := NewLinkClient(ClientConfig{URL: "quic://127.0.0.1:1"})
	if err := c.Connect(context.Background()); err == nil {
		t.Error("expected connect without a name to fail")
	}
}
