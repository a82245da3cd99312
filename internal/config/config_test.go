package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddress != defaultListenAddress {
		t.Fatalf("expected default listen address %s, got %s", defaultListenAddress, cfg.ListenAddress)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("expected default log level %s, got %s", defaultLogLevel, cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != defaultShutdownGracePeriod {
		t.Fatalf("expected default grace %s, got %s", defaultShutdownGracePeriod, cfg.ShutdownGracePeriod)
	}
	if cfg.Connection.SendQueueSize != 100 {
		t.Fatalf("expected send queue of 100, got %d", cfg.Connection.SendQueueSize)
	}
	if cfg.Connection.IdleTimeout != defaultIdleTimeout {
		t.Fatalf("expected idle timeout %s, got %s", defaultIdleTimeout, cfg.Connection.IdleTimeout)
	}
	if cfg.Presence.TTL != defaultPresenceTTL {
		t.Fatalf("expected presence ttl %s, got %s", defaultPresenceTTL, cfg.Presence.TTL)
	}
	if cfg.Backend != BackendMemory || cfg.Offline.Backend != BackendMemory {
		t.Fatalf("expected memory backends, got %s/%s", cfg.Backend, cfg.Offline.Backend)
	}
	if len(cfg.NodeID) != 26 {
		t.Fatalf("expected generated ULID node id, got %q", cfg.NodeID)
	}
	if cfg.UsesRedis() {
		t.Fatal("memory defaults should not need redis")
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(`
node_id: "node-a"
listen_address: "127.0.0.1:7001"
log_level: "debug"
shutdown_grace_period: "5s"
backend: "redis"
connection:
  idle_timeout: "30s"
  send_queue_size: 16
presence:
  ttl: "45s"
offline:
  backend: "bolt"
  bolt_path: "/tmp/offline.db"
auth:
  mode: "static"
  users:
    alice: "$2a$10$abcdefghijklmnopqrstuu"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RELAY_LISTEN_ADDRESS", ":6000")
	t.Setenv("RELAY_CONNECTION_AUTH_TIMEOUT", "3s")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.NodeID != "node-a" {
		t.Fatalf("expected node id from file, got %s", cfg.NodeID)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("expected env override for listen address, got %s", cfg.ListenAddress)
	}
	if cfg.Connection.AuthTimeout != 3*time.Second {
		t.Fatalf("expected auth timeout from env, got %s", cfg.Connection.AuthTimeout)
	}
	if cfg.Connection.IdleTimeout != 30*time.Second {
		t.Fatalf("expected idle timeout 30s, got %s", cfg.Connection.IdleTimeout)
	}
	if cfg.Connection.SendQueueSize != 16 {
		t.Fatalf("expected queue size 16, got %d", cfg.Connection.SendQueueSize)
	}
	if cfg.Presence.TTL != 45*time.Second {
		t.Fatalf("expected ttl 45s, got %s", cfg.Presence.TTL)
	}
	if cfg.ShutdownGracePeriod != 5*time.Second {
		t.Fatalf("expected grace 5s, got %s", cfg.ShutdownGracePeriod)
	}
	if cfg.Offline.Backend != BackendBolt || cfg.Offline.BoltPath != "/tmp/offline.db" {
		t.Fatalf("unexpected offline config %+v", cfg.Offline)
	}
	if cfg.Auth.Mode != "static" || cfg.Auth.Users["alice"] == "" {
		t.Fatalf("unexpected auth config %+v", cfg.Auth)
	}
	if !cfg.UsesRedis() {
		t.Fatal("redis backend should require a redis client")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("RELAY_PRESENCE_TTL", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Config{Backend: "etcd", Offline: OfflineConfig{Backend: BackendBolt}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"listen_address", "backend must be", "bolt_path", "send_queue_size", "presence.ttl"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}
