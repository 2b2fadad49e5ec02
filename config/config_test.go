package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.WhatsApp.MaxSessionsPerOwner != 5 {
		t.Fatalf("expected default cap 5, got %d", cfg.WhatsApp.MaxSessionsPerOwner)
	}
	if cfg.WhatsApp.QRRefreshSeconds != 20 || cfg.WhatsApp.PairingTimeoutSeconds != 90 {
		t.Fatalf("unexpected pairing defaults: %+v", cfg.WhatsApp)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "wacrm.yml")
	body := []byte("whatsapp:\n  max_sessions_per_owner: 3\n  qr_refresh_seconds: 10\n  pairing_timeout_seconds: 30\nweb:\n  port: 9000\n")
	if err := os.WriteFile(file, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("WACRM_WEB_PORT", "9100")
	t.Setenv("WACRM_KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.WhatsApp.MaxSessionsPerOwner != 3 {
		t.Fatalf("expected cap from file, got %d", cfg.WhatsApp.MaxSessionsPerOwner)
	}
	if cfg.Web.Port != 9100 {
		t.Fatalf("env should override file port, got %d", cfg.Web.Port)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Fatalf("expected 2 brokers, got %v", cfg.Kafka.Brokers)
	}
	// defaults survive partial files
	if cfg.WhatsApp.MediaURLTTLHours != 168 {
		t.Fatalf("expected default ttl, got %d", cfg.WhatsApp.MediaURLTTLHours)
	}
}

func TestLoadConfigRejectsBadCap(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "wacrm.yml")
	if err := os.WriteFile(file, []byte("whatsapp:\n  max_sessions_per_owner: 0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(file); err == nil {
		t.Fatal("expected error for zero session cap")
	}
}

func TestKafkaRequiresBrokers(t *testing.T) {
	t.Setenv("WACRM_KAFKA_ENABLED", "true")
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "none.yml")); err == nil {
		t.Fatal("expected error when kafka enabled without brokers")
	}
}
