package transport

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// ICEServer is one STUN or TURN server entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// ICEServersFromURLs groups bare STUN urls into one entry. Entries missing a
// scheme are treated as STUN host:port pairs.
func ICEServersFromURLs(urls []string) []ICEServer {
	if len(urls) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			u = "stun:" + u
		}
		normalized = append(normalized, u)
	}
	if len(normalized) == 0 {
		return nil
	}
	return []ICEServer{{URLs: normalized}}
}

// Configuration converts the server list into a pion configuration.
func Configuration(servers []ICEServer) webrtc.Configuration {
	ice := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		ice = append(ice, server)
	}
	return webrtc.Configuration{
		ICEServers:         ice,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}
