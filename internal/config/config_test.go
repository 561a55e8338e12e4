package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/spf13/pflag"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.ConnectTimeout != 15*time.Second {
		t.Errorf("expected 15s connect timeout, got %s", cfg.ConnectTimeout)
	}
	if cfg.Files.ChunkSize != protocol.ChunkSize {
		t.Errorf("expected chunk size %d, got %d", protocol.ChunkSize, cfg.Files.ChunkSize)
	}
	if cfg.Files.SmallFileThreshold != 16*1024 {
		t.Errorf("expected 16 KiB small-file threshold, got %d", cfg.Files.SmallFileThreshold)
	}
	if len(cfg.ICEServers) != 1 || len(cfg.ICEServers[0].URLs) != 5 {
		t.Errorf("expected default STUN servers, got %v", cfg.ICEServers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer-talk.yaml")
	content := `
name: alice
relay_url: ws://relay.example.org/
connect_timeout: 5s
files:
  fragment_encoding: proto
  chunk_size: 4000
ice_servers:
  - urls: ["turn:turn.example.org:3478"]
    username: u
    credential: p
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Name != "alice" {
		t.Errorf("expected name alice, got %q", cfg.Name)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("expected 5s connect timeout, got %s", cfg.ConnectTimeout)
	}
	if cfg.Files.Encoding != protocol.EncodingProto {
		t.Errorf("expected proto encoding, got %q", cfg.Files.Encoding)
	}
	if cfg.Files.ChunkSize != 4000 {
		t.Errorf("expected chunk size 4000, got %d", cfg.Files.ChunkSize)
	}
	if cfg.Files.SmallFileThreshold != protocol.SmallFileThreshold {
		t.Errorf("expected untouched defaults to survive, got %d", cfg.Files.SmallFileThreshold)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].Username != "u" {
		t.Errorf("unexpected ICE servers %+v", cfg.ICEServers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestBindFlags(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)

	err := fs.Parse([]string{
		"--name", "bob",
		"--connect-timeout", "3s",
		"--stun", "stun.example.org:3478",
		"--fragment-encoding", "proto",
	})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg.Apply()

	if cfg.Name != "bob" {
		t.Errorf("expected name bob, got %q", cfg.Name)
	}
	if cfg.ConnectTimeout != 3*time.Second {
		t.Errorf("expected 3s, got %s", cfg.ConnectTimeout)
	}
	if cfg.Files.Encoding != protocol.EncodingProto {
		t.Errorf("expected proto, got %q", cfg.Files.Encoding)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Errorf("expected STUN override, got %+v", cfg.ICEServers)
	}
}

func TestValidateQUICRelay(t *testing.T) {
	cfg := Default()
	cfg.RelayURL = "quic://relay.example.org:4433"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected quic relay url to validate, got %v", err)
	}
}

func TestBindFlagsRejectsUnknownEncoding(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.BindFlags(fs)

	if err := fs.Parse([]string{"--fragment-encoding", "xml"}); err == nil {
		t.Error("expected parse error for unknown encoding")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }},
		{"chunk not multiple of 4", func(c *Config) { c.Files.ChunkSize = 7001 }},
		{"unknown encoding", func(c *Config) { c.Files.Encoding = "xml" }},
		{"zero idle interval", func(c *Config) { c.IdleInterval = 0 }},
		{"zero poll interval", func(c *Config) { c.Files.PollInterval = 0 }},
		{"http relay url", func(c *Config) { c.RelayURL = "http://relay.example.org/" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
