// Package config loads the TOML configuration of the fraglink CLI.
//
// Protocol parameters sit at the top level; application settings are grouped
// in [log], [link], [signaling], [cipher] and [metrics]. A file only needs
// the keys it changes: everything else keeps its default.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/1ureka/fraglink/internal/engine"
	"github.com/1ureka/fraglink/internal/link"
	"github.com/1ureka/fraglink/internal/util"
)

// LinkKind selects the transport under the engine.
type LinkKind string

const (
	LinkUDP    LinkKind = "udp"
	LinkWebRTC LinkKind = "webrtc"
)

// Config is the complete file configuration.
type Config struct {
	LocalID                   uint8   `toml:"local_id"`
	MTU                       int     `toml:"mtu"`
	MaxRetries                int     `toml:"max_retries"`
	RetransmitTimeoutMS       int64   `toml:"retransmit_timeout_ms"`
	RetransmitBackoff         float64 `toml:"retransmit_backoff"`
	MaxRetransmitDelayMS      int64   `toml:"max_retransmit_delay_ms"`
	ReassemblyTimeoutMS       int64   `toml:"reassembly_timeout_ms"`
	MaxConcurrentReassemblies int     `toml:"max_concurrent_reassemblies"`
	MaxPendingSends           int     `toml:"max_pending_sends"`
	PingIntervalMS            int64   `toml:"ping_interval_ms"`
	PongTimeoutMS             int64   `toml:"pong_timeout_ms"`
	MaxMissedPings            int     `toml:"max_missed_pings"`
	EncryptionEnabled         bool    `toml:"encryption_enabled"`
	QueueWhileDown            bool    `toml:"queue_while_down"`
	AcceptUnsynced            bool    `toml:"accept_unsynced"`

	Log       LogConfig       `toml:"log"`
	Link      LinkConfig      `toml:"link"`
	Signaling SignalingConfig `toml:"signaling"`
	Cipher    CipherConfig    `toml:"cipher"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // pretty | json
	// StatsIntervalMS enables the periodic traffic report when positive.
	StatsIntervalMS int64 `toml:"stats_interval_ms"`
}

type LinkConfig struct {
	Kind   LinkKind `toml:"kind"`
	Listen string   `toml:"listen"` // udp only
	Peer   string   `toml:"peer"`   // udp only; empty learns the first sender
	// Rate limits outbound bytes per second; 0 disables pacing.
	Rate       int      `toml:"rate"`
	Burst      int      `toml:"burst"`
	ICEServers []string `toml:"ice_servers"` // webrtc only; [] disables STUN
	// ICELoopback connects two webrtc nodes on one machine over 127.0.0.1.
	ICELoopback bool `toml:"ice_loopback"`
}

type SignalingConfig struct {
	Listen string `toml:"listen"` // host
	URL    string `toml:"url"`    // client, including ?pin=
}

type CipherConfig struct {
	KeyHex string `toml:"key_hex"`
}

type MetricsConfig struct {
	// Listen serves /metrics when set.
	Listen string `toml:"listen"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	e := engine.DefaultConfig()
	return Config{
		LocalID:                   e.LocalID,
		MTU:                       e.MTU,
		MaxRetries:                e.MaxRetries,
		RetransmitTimeoutMS:       e.RetransmitTimeout.Milliseconds(),
		RetransmitBackoff:         e.RetransmitBackoff,
		MaxRetransmitDelayMS:      e.MaxRetransmitDelay.Milliseconds(),
		ReassemblyTimeoutMS:       e.ReassemblyTimeout.Milliseconds(),
		MaxConcurrentReassemblies: e.MaxConcurrentReassemblies,
		MaxPendingSends:           e.MaxPendingSends,
		PingIntervalMS:            e.PingInterval.Milliseconds(),
		PongTimeoutMS:             e.PongTimeout.Milliseconds(),
		MaxMissedPings:            e.MaxMissedPings,
		EncryptionEnabled:         e.EncryptionEnabled,
		QueueWhileDown:            e.QueueWhileDown,
		AcceptUnsynced:            e.AcceptUnsynced,

		Log:       LogConfig{Level: "info", Format: "pretty"},
		Link:      LinkConfig{Kind: LinkUDP, Listen: ":7400"},
		Signaling: SignalingConfig{Listen: ":0"},
	}
}

// Load decodes the file at path over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return finish(cfg, meta)
}

// Parse is Load for an in-memory document.
func Parse(data string) (Config, error) {
	cfg := Default()
	meta, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	return finish(cfg, meta)
}

func finish(cfg Config, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Engine converts the protocol parameters.
func (c Config) Engine() engine.Config {
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	return engine.Config{
		LocalID:                   c.LocalID,
		MTU:                       c.MTU,
		MaxRetries:                c.MaxRetries,
		RetransmitTimeout:         ms(c.RetransmitTimeoutMS),
		RetransmitBackoff:         c.RetransmitBackoff,
		MaxRetransmitDelay:        ms(c.MaxRetransmitDelayMS),
		ReassemblyTimeout:         ms(c.ReassemblyTimeoutMS),
		MaxConcurrentReassemblies: c.MaxConcurrentReassemblies,
		MaxPendingSends:           c.MaxPendingSends,
		PingInterval:              ms(c.PingIntervalMS),
		PongTimeout:               ms(c.PongTimeoutMS),
		MaxMissedPings:            c.MaxMissedPings,
		EncryptionEnabled:         c.EncryptionEnabled,
		QueueWhileDown:            c.QueueWhileDown,
		AcceptUnsynced:            c.AcceptUnsynced,
	}
}

// WebRTC returns the options for a webrtc link.
func (c Config) WebRTC() link.WebRTCConfig {
	return link.WebRTCConfig{ICEServers: c.Link.ICEServers, Loopback: c.Link.ICELoopback}
}

// StatsInterval returns the traffic report interval, 0 when disabled.
func (c Config) StatsInterval() time.Duration {
	return time.Duration(c.Log.StatsIntervalMS) * time.Millisecond
}

// Validate checks the protocol parameters and the application sections.
func (c Config) Validate() error {
	var errs []error
	if err := c.Engine().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := util.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "pretty", "json":
	default:
		errs = append(errs, fmt.Errorf("log format %q: want pretty or json", c.Log.Format))
	}
	switch c.Link.Kind {
	case LinkUDP:
		if strings.TrimSpace(c.Link.Listen) == "" {
			errs = append(errs, errors.New("udp link requires listen"))
		}
	case LinkWebRTC:
	default:
		errs = append(errs, fmt.Errorf("link kind %q: want udp or webrtc", c.Link.Kind))
	}
	if c.Link.Rate < 0 {
		errs = append(errs, fmt.Errorf("link rate %d is negative", c.Link.Rate))
	}
	if c.Link.Rate > 0 && c.Link.Burst < c.MTU {
		errs = append(errs, fmt.Errorf("link burst %d below mtu %d", c.Link.Burst, c.MTU))
	}
	if c.EncryptionEnabled && c.Cipher.KeyHex == "" {
		errs = append(errs, errors.New("encryption_enabled requires cipher.key_hex"))
	}
	if c.Log.StatsIntervalMS < 0 {
		errs = append(errs, fmt.Errorf("stats interval %d is negative", c.Log.StatsIntervalMS))
	}
	return errors.Join(errs...)
}
