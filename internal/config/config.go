// Package config loads peer-talk settings from a YAML file and command-line
// flags. Flags win over the file, the file wins over defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/rudransh-shrivastava/peer-talk/internal/filetransfer"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/transport"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Files struct {
	BufferedAmountThreshold uint64                    `yaml:"buffered_amount_threshold"`
	ChunkSize               int                       `yaml:"chunk_size"`
	Encoding                protocol.FragmentEncoding `yaml:"fragment_encoding"`
	PollInterval            time.Duration             `yaml:"poll_interval"`
	SmallFileThreshold      int                       `yaml:"small_file_threshold"`
}

// Transfer converts the file settings for the fragmenting codec.
func (f Files) Transfer() filetransfer.Config {
	return filetransfer.Config{
		BufferedAmountThreshold: f.BufferedAmountThreshold,
		ChunkSize:               f.ChunkSize,
		Encoding:                f.Encoding,
		PollInterval:            f.PollInterval,
		SmallFileThreshold:      f.SmallFileThreshold,
	}
}

type Config struct {
	ConnectTimeout time.Duration         `yaml:"connect_timeout"`
	Database       string                `yaml:"database"`
	Files          Files                 `yaml:"files"`
	ICEServers     []transport.ICEServer `yaml:"ice_servers"`
	IdleInterval   time.Duration         `yaml:"idle_interval"`
	IdleTimeout    time.Duration         `yaml:"idle_timeout"`
	LogLevel       string                `yaml:"log_level"`
	MediaTimeout   time.Duration         `yaml:"media_timeout"`
	Name           string                `yaml:"name"`
	RelayAddr      string                `yaml:"relay_addr"`
	// RelayQUICAddr also serves QUIC links from the relay when set.
	RelayQUICAddr  string                `yaml:"relay_quic_addr"`
	// RelayURL is a ws, wss or quic url.
	RelayURL       string                `yaml:"relay_url"`

	stunURLs []string
}

func Default() *Config {
	ft := filetransfer.DefaultConfig()
	return &Config{
		ConnectTimeout: 15 * time.Second,
		Database:       ":memory:",
		Files: Files{
			BufferedAmountThreshold: ft.BufferedAmountThreshold,
			ChunkSize:               ft.ChunkSize,
			Encoding:                ft.Encoding,
			PollInterval:            ft.PollInterval,
			SmallFileThreshold:      ft.SmallFileThreshold,
		},
		ICEServers:   []transport.ICEServer{{URLs: transport.DefaultSTUNServers}},
		IdleInterval: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
		LogLevel:     "info",
		MediaTimeout: 15 * time.Second,
		RelayAddr:    ":8080",
		RelayURL:     "ws://localhost:8080/",
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// BindFlags registers flags that override the loaded values. Call Apply
// after parsing.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Name, "name", c.Name, "username registered with the relay")
	fs.StringVar(&c.RelayURL, "relay-url", c.RelayURL, "websocket url of the relay server")
	fs.StringVar(&c.RelayAddr, "relay-addr", c.RelayAddr, "listen address of the relay server")
	fs.StringVar(&c.RelayQUICAddr, "relay-quic-addr", c.RelayQUICAddr, "udp listen address for QUIC links, disabled when empty")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.Database, "database", c.Database, "transfer record database path")
	fs.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout, "give up on a peer connection after this long")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "close data channels idle for this long")
	fs.StringSliceVar(&c.stunURLs, "stun", nil, "STUN servers, replacing the configured ICE servers")
	fs.Var(newEncodingValue(&c.Files.Encoding), "fragment-encoding", "file fragment encoding (json, proto)")
}

// Apply folds flag values that need conversion into the config.
func (c *Config) Apply() {
	if len(c.stunURLs) > 0 {
		c.ICEServers = transport.ICEServersFromURLs(c.stunURLs)
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if c.MediaTimeout <= 0 {
		errs = append(errs, errors.New("media_timeout must be positive"))
	}
	if c.IdleTimeout <= 0 || c.IdleInterval <= 0 {
		errs = append(errs, errors.New("idle_timeout and idle_interval must be positive"))
	}
	if c.Files.ChunkSize <= 0 || c.Files.ChunkSize%4 != 0 {
		errs = append(errs, fmt.Errorf("chunk_size %d must be a positive multiple of 4", c.Files.ChunkSize))
	}
	if c.Files.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if u, err := url.Parse(c.RelayURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "quic") {
		errs = append(errs, fmt.Errorf("relay_url %q must be a ws, wss or quic url", c.RelayURL))
	}
	if !c.Files.Encoding.Valid() {
		errs = append(errs, fmt.Errorf("unknown fragment_encoding %q", c.Files.Encoding))
	}
	return errors.Join(errs...)
}

type encodingValue struct {
	target *protocol.FragmentEncoding
}

func newEncodingValue(target *protocol.FragmentEncoding) *encodingValue {
	return &encodingValue{target: target}
}

func (v *encodingValue) String() string {
	if v.target == nil {
		return ""
	}
	return string(*v.target)
}

func (v *encodingValue) Set(s string) error {
	enc := protocol.FragmentEncoding(s)
	if !enc.Valid() {
		return fmt.Errorf("must be json or proto")
	}
	*v.target = enc
	return nil
}

func (v *encodingValue) Type() string {
	return "encoding"
}
