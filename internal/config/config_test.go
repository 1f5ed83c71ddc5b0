package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoad_defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(New(""), zap.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ledger.Driver != DriverRPC || cfg.Ledger.URL != "ws://127.0.0.1:9944" {
		t.Errorf("ledger = %+v", cfg.Ledger)
	}
	if cfg.Ledger.PollInterval != 1900*time.Millisecond {
		t.Errorf("poll interval = %v, want 1.9s", cfg.Ledger.PollInterval)
	}
	if cfg.Twin.ACLTopic != "acl" || cfg.Twin.DeviceTopic != "device" || cfg.ACL.ListKey != "allowed_ids" {
		t.Errorf("twin = %+v, acl = %+v", cfg.Twin, cfg.ACL)
	}
	if cfg.Device.SS58Prefix != 32 || cfg.Income.Decimals != 12 || cfg.Income.Threshold != "1" {
		t.Errorf("device = %+v, income = %+v", cfg.Device, cfg.Income)
	}
	if cfg.IPFS.Timeout != 30*time.Second || cfg.IPFS.CacheTTL != 10*time.Minute {
		t.Errorf("ipfs = %+v", cfg.IPFS)
	}
	if cfg.API.Port != 8088 || cfg.API.RateLimitRPS != 5 || cfg.API.ActionsPerMinute != 60 {
		t.Errorf("api = %+v", cfg.API)
	}
}

func TestLoad_fileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "twinguard.yaml")
	doc := `
ledger:
  driver: memory
  watch_mode: poll
twin:
  registry_id: 7
  acl_topic: policy
income:
  threshold: "2.5"
pinning:
  enabled: true
  jwt: token
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TWINGUARD_TWIN_DEVICE_TOPIC", "robot")
	t.Setenv("TWINGUARD_API_PORT", "9000")

	cfg, err := Load(New(path), zap.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ledger.Driver != DriverMemory || cfg.Ledger.WatchMode != "poll" {
		t.Errorf("ledger = %+v", cfg.Ledger)
	}
	if cfg.Twin.RegistryID != 7 || cfg.Twin.ACLTopic != "policy" || cfg.Twin.DeviceTopic != "robot" {
		t.Errorf("twin = %+v", cfg.Twin)
	}
	if cfg.Income.Threshold != "2.5" {
		t.Errorf("threshold = %q", cfg.Income.Threshold)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("api.port = %d, want env override 9000", cfg.API.Port)
	}
	if !cfg.Pinning.Enabled || cfg.Pinning.JWT != "token" {
		t.Errorf("pinning = %+v", cfg.Pinning)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.Ledger.Driver = "sqlite" }},
		{"unknown watch mode", func(c *Config) { c.Ledger.WatchMode = "push" }},
		{"zero poll interval", func(c *Config) { c.Ledger.PollInterval = 0 }},
		{"pinning without credentials", func(c *Config) { c.Pinning.Enabled = true }},
		{"negative action limit", func(c *Config) { c.API.ActionsPerMinute = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := FromViper(New(""))
			if err := cfg.Validate(); err != nil {
				t.Fatalf("defaults invalid: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
