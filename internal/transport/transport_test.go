package transport

import (
	"testing"

	"github.com/pion/webrtc/v3"
)

func TestICEServersFromURLs(t *testing.T) {
	servers := ICEServersFromURLs([]string{"stun.l.google.com:19302", " turn:relay.example.org:3478 ", ""})

	if len(servers) != 1 {
		t.Fatalf("expected 1 ICE server group, got %d", len(servers))
	}

	expected := []string{"stun:stun.l.google.com:19302", "turn:relay.example.org:3478"}
	if len(servers[0].URLs) != len(expected) {
		t.Fatalf("expected %d urls, got %d", len(expected), len(servers[0].URLs))
	}
	for i, u := range expected {
		if servers[0].URLs[i] != u {
			t.Errorf("url %d: expected %q, got %q", i, u, servers[0].URLs[i])
		}
	}
}

func TestICEServersFromURLs_Empty(t *testing.T) {
	if servers := ICEServersFromURLs(nil); servers != nil {
		t.Errorf("expected nil, got %v", servers)
	}
	if servers := ICEServersFromURLs([]string{"  "}); servers != nil {
		t.Errorf("expected nil for blank urls, got %v", servers)
	}
}

func TestConfiguration(t *testing.T) {
	config := Configuration([]ICEServer{
		{URLs: DefaultSTUNServers},
		{URLs: []string{"turn:relay.example.org:3478"}, Username: "u", Credential: "p"},
	})

	if len(config.ICEServers) != 2 {
		t.Fatalf("expected 2 ICE servers, got %d", len(config.ICEServers))
	}
	if len(config.ICEServers[0].URLs) != 5 {
		t.Errorf("expected 5 STUN URLs, got %d", len(config.ICEServers[0].URLs))
	}
	if config.ICEServers[1].Username != "u" {
		t.Errorf("expected TURN username to be kept")
	}
	if config.ICETransportPolicy != webrtc.ICETransportPolicyAll {
		t.Errorf("expected ICETransportPolicyAll")
	}
}
