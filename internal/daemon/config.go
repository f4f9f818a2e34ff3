// Package daemon assembles a coordination node from its constituent
// subsystems (gossip, election, task queue, session fabric, provider
// router, memory service) per a TOML configuration file, following the
// teacher's nested-section config layout and storage-size string parsing.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tutu-network/tutumesh/internal/infra/election"
	"github.com/tutu-network/tutumesh/internal/infra/memory"
	"github.com/tutu-network/tutumesh/internal/session"
)

// GossipConfig controls the SWIM membership engine.
type GossipConfig struct {
	BindAddr      string `toml:"bind_addr"`
	BindPort      uint16 `toml:"bind_port"`
	SeedAddrs     []string `toml:"seed_addrs"`
	ProbeInterval string `toml:"probe_interval"`
	ProbeTimeout  string `toml:"probe_timeout"`
	SuspectTimeout string `toml:"suspect_timeout"`
}

// ElectionConfig controls the term-based leader election protocol.
type ElectionConfig struct {
	ElectionTimeout string `toml:"election_timeout"`
}

// SessionConfig controls the client-facing session fabric.
type SessionConfig struct {
	ListenAddr        string `toml:"listen_addr"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	HeartbeatTimeout  string `toml:"heartbeat_timeout"`
	OutboundDepth     int    `toml:"outbound_depth"`
}

// RateLimitConfig controls the per-session envelope rate limiter.
type RateLimitConfig struct {
	Points int    `toml:"points"`
	Window string `toml:"window"`
}

// MemoryConfig controls the conversation/session memory store.
type MemoryConfig struct {
	Path                  string `toml:"path"`
	MaxStorage            string `toml:"max_storage"`
	MaxMessagesPerSession int    `toml:"max_messages_per_session"`
	DefaultResumeMessages int    `toml:"default_resume_messages"`
	DefaultSearchLimit    int    `toml:"default_search_limit"`
}

// ProviderConfig describes one upstream LLM provider entry.
type ProviderConfig struct {
	ID           string   `toml:"id"`
	Kind         string   `toml:"kind"` // "fixture" or "http"
	BaseURL      string   `toml:"base_url"`
	APIKeyEnv    string   `toml:"api_key_env"`
	Capabilities []string `toml:"capabilities"`
	Priority     int      `toml:"priority"`
	CostTier     string   `toml:"cost_tier"`
	DefaultModel string   `toml:"default_model"`
	Enabled      bool     `toml:"enabled"`
	TimeoutSec   int      `toml:"timeout_seconds"`
}

// MetricsConfig controls the Prometheus /metrics surface.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// APIConfig controls the admin HTTP surface.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Config is the top-level node configuration, loaded from a TOML file.
type Config struct {
	API       APIConfig        `toml:"api"`
	Gossip    GossipConfig     `toml:"gossip"`
	Election  ElectionConfig   `toml:"election"`
	Session   SessionConfig    `toml:"session"`
	RateLimit RateLimitConfig  `toml:"rate_limit"`
	Memory    MemoryConfig     `toml:"memory"`
	Providers []ProviderConfig `toml:"providers"`
	Metrics   MetricsConfig    `toml:"metrics"`
}

// DefaultConfig returns the documented defaults (spec §4 across modules).
func DefaultConfig() Config {
	return Config{
		API: APIConfig{Host: "127.0.0.1", Port: 4115},
		Gossip: GossipConfig{
			BindAddr:       "0.0.0.0",
			BindPort:       7946,
			ProbeInterval:  "1s",
			ProbeTimeout:   "500ms",
			SuspectTimeout: "5s",
		},
		Election: ElectionConfig{ElectionTimeout: "3s"},
		Session: SessionConfig{
			ListenAddr:        "0.0.0.0:4116",
			HeartbeatInterval: "15s",
			HeartbeatTimeout:  "45s",
			OutboundDepth:     session.OutboundQueueDepth,
		},
		RateLimit: RateLimitConfig{Points: 100, Window: "60s"},
		Memory: MemoryConfig{
			Path:                  "tutumesh.db",
			MaxStorage:            "5GB",
			MaxMessagesPerSession: 1000,
			DefaultResumeMessages: 100,
			DefaultSearchLimit:    10,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// LoadConfig reads and parses a TOML config file, filling unset fields from
// DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// parseStorageSize parses a human storage size like "50GB" into bytes,
// defaulting to 50GB when input is empty or unparseable.
func parseStorageSize(s string) uint64 {
	const defaultSize = 50 * 1024 * 1024 * 1024
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return defaultSize
	}

	units := []struct {
		suffix string
		mult   uint64
	}{
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseUint(strings.TrimSuffix(s, u.suffix), 10, 64)
			if err != nil {
				return defaultSize
			}
			return n * u.mult
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return defaultSize
	}
	return n
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// electorConfig translates the election section into election.Config.
func electorConfig(c ElectionConfig) election.Config {
	cfg := election.DefaultConfig()
	if d := parseDuration(c.ElectionTimeout, 0); d > 0 {
		cfg.DeadlineMin = d
		cfg.DeadlineMax = d + d/2
	}
	return cfg
}

// sessionConfig translates the session/rate_limit sections into session.Config.
func sessionConfig(s SessionConfig, rl RateLimitConfig) session.Config {
	cfg := session.DefaultConfig()
	cfg.HeartbeatInterval = parseDuration(s.HeartbeatInterval, cfg.HeartbeatInterval)
	cfg.HeartbeatTimeout = parseDuration(s.HeartbeatTimeout, cfg.HeartbeatTimeout)
	if s.OutboundDepth > 0 {
		cfg.OutboundDepth = s.OutboundDepth
	}
	if rl.Points > 0 {
		cfg.RateLimit.Points = rl.Points
	}
	cfg.RateLimit.Window = parseDuration(rl.Window, cfg.RateLimit.Window)
	return cfg
}

// memoryServiceConfig translates the memory section into memory.ServiceConfig.
func memoryServiceConfig(m MemoryConfig) memory.ServiceConfig {
	cfg := memory.DefaultServiceConfig()
	if m.MaxMessagesPerSession > 0 {
		cfg.MaxMessagesPerSession = m.MaxMessagesPerSession
	}
	if m.DefaultResumeMessages > 0 {
		cfg.DefaultResumeMessages = m.DefaultResumeMessages
	}
	if m.DefaultSearchLimit > 0 {
		cfg.DefaultSearchLimit = m.DefaultSearchLimit
	}
	return cfg
}
