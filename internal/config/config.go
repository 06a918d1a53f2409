// Package config loads the settings shared by the collab server and peers.
//
// Files are YAML and decoded strictly: an unknown key is an error, so a
// typo like "relay_url:" fails loudly instead of being ignored. Durations
// use Go syntax ("30s", "1m").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/collab/internal/awareness"
	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/engine"
	"github.com/roach88/collab/internal/transport"
)

// Config holds every tunable of a replica.
type Config struct {
	// Room names the shared document.
	Room string `yaml:"room"`

	// ReplicaID fixes this replica's identity. Empty means a fresh UUIDv7.
	ReplicaID string `yaml:"replica_id,omitempty"`

	// ListenAddr is the HTTP address served by "collab serve".
	ListenAddr string `yaml:"listen_addr"`

	// RelayURLs are websocket relays a peer connects to.
	RelayURLs []string `yaml:"relay_urls,omitempty"`

	// RedisAddr enables the redis pub/sub relay when set.
	RedisAddr string `yaml:"redis_addr,omitempty"`

	// MeshDiscovery advertises and browses peers of the room over mDNS.
	MeshDiscovery bool `yaml:"mesh_discovery"`

	// WebRTC dials relay_urls over a WebRTC data channel, negotiated on the
	// room's /webrtc endpoint, instead of a websocket.
	WebRTC bool `yaml:"webrtc"`

	// ICEServers are STUN/TURN URLs for WebRTC negotiation.
	ICEServers []string `yaml:"ice_servers,omitempty"`

	// WebRTCLoopback offers loopback ICE candidates, for hosts whose
	// replicas only reach each other over loopback.
	WebRTCLoopback bool `yaml:"webrtc_loopback"`

	AwarenessTimeout time.Duration `yaml:"awareness_timeout"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	StallWindow      time.Duration `yaml:"stall_window"`

	// SendQueue bounds the per-connection outbound queue.
	SendQueue int `yaml:"send_queue"`

	// HistoryPolicy is "retain" or "compact".
	HistoryPolicy string `yaml:"history_policy"`

	// FanoutPolicy is "all" or "prefer_mesh".
	FanoutPolicy string `yaml:"fanout_policy"`

	// TraceDB, when set, records every wire message to this SQLite file.
	TraceDB string `yaml:"trace_db,omitempty"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Room:             "default",
		ListenAddr:       ":8080",
		AwarenessTimeout: awareness.DefaultTimeout,
		TickInterval:     engine.DefaultTickInterval,
		StallWindow:      engine.DefaultStallWindow,
		SendQueue:        transport.DefaultQueueSize,
		HistoryPolicy:    crdt.RetainAll.String(),
		FanoutPolicy:     transport.FanoutAll.String(),
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges and enumerations.
func (c Config) Validate() error {
	if c.Room == "" {
		return fmt.Errorf("room is required")
	}
	if c.AwarenessTimeout <= 0 {
		return fmt.Errorf("awareness_timeout must be positive, got %s", c.AwarenessTimeout)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval)
	}
	if c.StallWindow <= 0 {
		return fmt.Errorf("stall_window must be positive, got %s", c.StallWindow)
	}
	if c.SendQueue <= 0 {
		return fmt.Errorf("send_queue must be positive, got %d", c.SendQueue)
	}
	if _, err := c.History(); err != nil {
		return err
	}
	if _, err := c.Fanout(); err != nil {
		return err
	}
	for i, u := range c.RelayURLs {
		if u == "" {
			return fmt.Errorf("relay_urls[%d] is empty", i)
		}
	}
	for i, u := range c.ICEServers {
		if u == "" {
			return fmt.Errorf("ice_servers[%d] is empty", i)
		}
	}
	return nil
}

// History parses HistoryPolicy.
func (c Config) History() (crdt.HistoryPolicy, error) {
	p, err := crdt.ParseHistoryPolicy(c.HistoryPolicy)
	if err != nil {
		return 0, fmt.Errorf("history_policy: %w", err)
	}
	return p, nil
}

// Fanout parses FanoutPolicy.
func (c Config) Fanout() (transport.FanoutPolicy, error) {
	p, err := transport.ParseFanoutPolicy(c.FanoutPolicy)
	if err != nil {
		return 0, fmt.Errorf("fanout_policy: %w", err)
	}
	return p, nil
}

// Replica returns the configured replica ID, or a fresh one from gen.
func (c Config) Replica(gen engine.ReplicaIDGenerator) crdt.ReplicaID {
	if c.ReplicaID != "" {
		return crdt.ReplicaID(c.ReplicaID)
	}
	return gen.Generate()
}

// StoreOptions returns the Document Store options of a validated Config.
func (c Config) StoreOptions() []crdt.Option {
	h, _ := c.History()
	return []crdt.Option{crdt.WithHistoryPolicy(h)}
}

// MuxOptions returns the Mux options of a validated Config.
func (c Config) MuxOptions() []transport.MuxOption {
	f, _ := c.Fanout()
	return []transport.MuxOption{
		transport.WithQueueSize(c.SendQueue),
		transport.WithFanout(f),
	}
}

// EngineOptions returns the engine options for room.
func (c Config) EngineOptions(room string) []engine.EngineOption {
	return []engine.EngineOption{
		engine.WithRoom(room),
		engine.WithTickInterval(c.TickInterval),
		engine.WithStallWindow(c.StallWindow),
		engine.WithAwareness(awareness.WithTimeout(c.AwarenessTimeout)),
	}
}

// PeerConfig returns the WebRTC settings for channels of kind.
func (c Config) PeerConfig(kind transport.Kind) transport.PeerConfig {
	return transport.PeerConfig{
		ICEServers: c.ICEServers,
		Loopback:   c.WebRTCLoopback,
		Kind:       kind,
	}
}
