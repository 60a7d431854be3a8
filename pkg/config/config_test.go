package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  address: "127.0.0.1"
  port: 9090
storage:
  db_path: "/tmp/cache"
ledger:
  url: "https://ledger.example.com"
  api_key: "srv-key"
  table: "msgs"
publish:
  api_key: "pin-key"
  secret_key: "pin-secret"
sync:
  poll_interval: 2s
  preview_cron: "*/5 * * * *"
rate_limit:
  rps: 10
  burst: 20
logging:
  level: "debug"
  format: "json"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Fatalf("unexpected addr: %s", cfg.Addr())
	}
	if cfg.Storage.DBPath != "/tmp/cache" {
		t.Fatalf("unexpected db path: %s", cfg.Storage.DBPath)
	}
	if cfg.Ledger.URL != "https://ledger.example.com" || cfg.Ledger.Table != "msgs" {
		t.Fatalf("unexpected ledger config: %+v", cfg.Ledger)
	}
	if cfg.PublishConfig().APIKey != "pin-key" || cfg.PublishConfig().SecretKey != "pin-secret" {
		t.Fatalf("unexpected publish config: %+v", cfg.PublishConfig())
	}
	if cfg.PollInterval() != 2*time.Second {
		t.Fatalf("unexpected poll interval: %v", cfg.PollInterval())
	}
	if cfg.PreviewCron() != "*/5 * * * *" {
		t.Fatalf("unexpected preview cron: %s", cfg.PreviewCron())
	}
	if cfg.RateLimit.RPS != 10 || cfg.RateLimit.Burst != 20 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
}

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Fatalf("unexpected default addr: %s", cfg.Addr())
	}
	if cfg.PollInterval() != 5*time.Second {
		t.Fatalf("unexpected default poll interval: %v", cfg.PollInterval())
	}
	if cfg.PreviewCron() != "* * * * *" {
		t.Fatalf("unexpected default preview cron: %s", cfg.PreviewCron())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHAINMSG_ADDR", "0.0.0.0:7070")
	t.Setenv("CHAINMSG_DB_PATH", "/tmp/env-cache")
	t.Setenv("CHAINMSG_LEDGER_URL", "https://env.example.com")
	t.Setenv("CHAINMSG_LEDGER_KEY", "env-key")
	t.Setenv("CHAINMSG_PINATA_API_KEY", "env-pin")
	t.Setenv("CHAINMSG_PINATA_SECRET_KEY", "env-secret")
	t.Setenv("CHAINMSG_POLL_INTERVAL", "3s")
	t.Setenv("CHAINMSG_RATE_RPS", "7.5")
	t.Setenv("CHAINMSG_RATE_BURST", "15")
	t.Setenv("CHAINMSG_LOG_LEVEL", "warn")

	cfg := &Config{}
	if !LoadEnvOverrides(cfg) {
		t.Fatalf("expected env to be used")
	}
	if cfg.Addr() != "0.0.0.0:7070" {
		t.Fatalf("unexpected addr: %s", cfg.Addr())
	}
	if cfg.Storage.DBPath != "/tmp/env-cache" {
		t.Fatalf("unexpected db path: %s", cfg.Storage.DBPath)
	}
	if cfg.Ledger.URL != "https://env.example.com" || cfg.Ledger.APIKey != "env-key" {
		t.Fatalf("unexpected ledger config: %+v", cfg.Ledger)
	}
	if cfg.PublishConfig().Mode().String() != "pinned" {
		t.Fatalf("expected pinned mode from env credentials")
	}
	if cfg.PollInterval() != 3*time.Second {
		t.Fatalf("unexpected poll interval: %v", cfg.PollInterval())
	}
	if cfg.RateLimit.RPS != 7.5 || cfg.RateLimit.Burst != 15 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("unexpected log level: %s", cfg.Logging.Level)
	}
}

func TestEnvOverridesFileValues(t *testing.T) {
	path := writeConfig(t, `
storage:
  db_path: "/tmp/file-cache"
`)
	t.Setenv("CHAINMSG_DB_PATH", "/tmp/env-cache")

	cfg, envUsed, err := LoadEffective(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !envUsed {
		t.Fatalf("expected env to be used")
	}
	if cfg.Storage.DBPath != "/tmp/env-cache" {
		t.Fatalf("expected env to win over file, got %s", cfg.Storage.DBPath)
	}
}

func TestLoadEffectiveMissingFile(t *testing.T) {
	cfg, _, err := LoadEffective(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not be fatal: %v", err)
	}
	if cfg == nil {
		t.Fatalf("expected empty config")
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := ResolveConfigPath("./flag.yaml", true); got != "./flag.yaml" {
		t.Fatalf("expected flag path to win, got %s", got)
	}
	t.Setenv("CHAINMSG_CONFIG", "/etc/chainmsg.yaml")
	if got := ResolveConfigPath("./default.yaml", false); got != "/etc/chainmsg.yaml" {
		t.Fatalf("expected env path, got %s", got)
	}
}
