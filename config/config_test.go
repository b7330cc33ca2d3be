package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Relay.SendBuffer != 256 {
		t.Errorf("SendBuffer = %d, want 256", cfg.Relay.SendBuffer)
	}
	if got := cfg.Relay.PingPeriod(); got >= cfg.Relay.PongWait {
		t.Errorf("PingPeriod %s must be below PongWait %s", got, cfg.Relay.PongWait)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadEnvAndFlags(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("PONG_WAIT", "30s")
	t.Setenv("SEND_BUFFER", "not-a-number")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("REQUIRE_ROOMS", "true")

	cfg := Load()
	if cfg.Port != "9000" {
		t.Errorf("Port = %q, want 9000", cfg.Port)
	}
	if cfg.Relay.PongWait != 30*time.Second {
		t.Errorf("PongWait = %s, want 30s", cfg.Relay.PongWait)
	}
	if cfg.Relay.SendBuffer != 256 {
		t.Errorf("invalid SEND_BUFFER should fall back to default, got %d", cfg.Relay.SendBuffer)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if !cfg.Relay.RequireRooms {
		t.Error("REQUIRE_ROOMS=true should be honored")
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse([]string{"--port", "7000", "--send-buffer", "0"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port != "7000" {
		t.Errorf("flag override Port = %q, want 7000", cfg.Port)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject a zero send buffer")
	}
}

func TestICEURLs(t *testing.T) {
	ice := ICEConfig{STUNServer: "stun:example.org:3478", TURNServer: "turn:example.org"}
	stun, turn := ice.URLs()
	if len(stun) != 1 || len(turn) != 2 {
		t.Fatalf("URLs() = %v, %v", stun, turn)
	}
	if turn[0] != "turn:example.org:3478?transport=udp" {
		t.Errorf("turn[0] = %q", turn[0])
	}

	stun, turn = ICEConfig{}.URLs()
	if stun != nil || turn != nil {
		t.Errorf("empty config should yield no URLs, got %v %v", stun, turn)
	}
}

func TestTURNURLs(t *testing.T) {
	tests := []struct {
		server string
		want   []string
	}{
		{"turn:example.org", []string{"turn:example.org:3478?transport=udp", "turn:example.org:3478?transport=tcp"}},
		{"turn:example.org:5349", []string{"turn:example.org:5349?transport=udp", "turn:example.org:5349?transport=tcp"}},
		{"turns:example.org:443", []string{"turns:example.org:443?transport=udp", "turns:example.org:443?transport=tcp"}},
		{"example.org", []string{"turn:example.org:3478?transport=udp", "turn:example.org:3478?transport=tcp"}},
		{"10.0.0.1:3479", []string{"turn:10.0.0.1:3479?transport=udp", "turn:10.0.0.1:3479?transport=tcp"}},
		{"turn:example.org:3478?transport=tcp", []string{"turn:example.org:3478?transport=tcp"}},
	}

	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			_, got := ICEConfig{TURNServer: tt.server}.URLs()
			if len(got) != len(tt.want) {
				t.Fatalf("URLs() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("URLs()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
