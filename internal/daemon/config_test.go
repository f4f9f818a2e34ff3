package daemon

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.Gossip.BindPort != 7946 {
		t.Errorf("Gossip.BindPort = %d, want 7946", cfg.Gossip.BindPort)
	}
	if cfg.Memory.MaxStorage != "5GB" {
		t.Errorf("Memory.MaxStorage = %q, want %q", cfg.Memory.MaxStorage, "5GB")
	}
	if cfg.RateLimit.Points != 100 {
		t.Errorf("RateLimit.Points = %d, want 100", cfg.RateLimit.Points)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should default to true")
	}
}

func TestParseStorageSize(t *testing.T) {
	tests := []struct {
		input string
		want  uint64
	}{
		{"50GB", 50 * 1024 * 1024 * 1024},
		{"1TB", 1 * 1024 * 1024 * 1024 * 1024},
		{"100MB", 100 * 1024 * 1024},
		{"", 50 * 1024 * 1024 * 1024}, // Default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseStorageSize(tt.input)
			if got != tt.want {
				t.Errorf("parseStorageSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseDurationFallsBackOnBadInput(t *testing.T) {
	if got := parseDuration("not-a-duration", 5*time.Second); got != 5*time.Second {
		t.Errorf("got %v, want fallback 5s", got)
	}
	if got := parseDuration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("got %v, want 250ms", got)
	}
}

func TestSessionConfigAppliesOverrides(t *testing.T) {
	cfg := sessionConfig(SessionConfig{HeartbeatInterval: "10s", OutboundDepth: 50}, RateLimitConfig{Points: 42, Window: "30s"})
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 10s", cfg.HeartbeatInterval)
	}
	if cfg.OutboundDepth != 50 {
		t.Errorf("OutboundDepth = %d, want 50", cfg.OutboundDepth)
	}
	if cfg.RateLimit.Points != 42 {
		t.Errorf("RateLimit.Points = %d, want 42", cfg.RateLimit.Points)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("RateLimit.Window = %v, want 30s", cfg.RateLimit.Window)
	}
}
