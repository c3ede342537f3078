package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServiceName != "loqa-narrate" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.Blob.Backend != "dir" {
		t.Fatalf("expected dir blob backend, got %q", cfg.Blob.Backend)
	}
	if cfg.Synth.MaxConcurrent != 3 {
		t.Fatalf("expected synth concurrency 3, got %d", cfg.Synth.MaxConcurrent)
	}
	if cfg.Synth.RatePerMinute != 60 {
		t.Fatalf("expected rate 60/min, got %d", cfg.Synth.RatePerMinute)
	}
	if cfg.Narration.Attribution != "by Loqa Labs" {
		t.Fatalf("expected default attribution, got %q", cfg.Narration.Attribution)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "narrate.yaml")
	doc := `
service_name: narrate-test
content:
  dir: /srv/content
blob:
  backend: remote
  base_url: https://blobs.example.com
  token: sekrit
synth:
  provider: exec
  command: "piper --quiet"
  rate_per_minute: 10
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServiceName != "narrate-test" {
		t.Fatalf("service name not loaded: %q", cfg.ServiceName)
	}
	if cfg.Content.Dir != "/srv/content" {
		t.Fatalf("content dir not loaded: %q", cfg.Content.Dir)
	}
	if cfg.Blob.Backend != "remote" || cfg.Blob.BaseURL != "https://blobs.example.com" {
		t.Fatalf("blob config not loaded: %+v", cfg.Blob)
	}
	if cfg.Synth.Provider != "exec" || cfg.Synth.Command != "piper --quiet" {
		t.Fatalf("synth config not loaded: %+v", cfg.Synth)
	}
	if cfg.Synth.RatePerMinute != 10 {
		t.Fatalf("rate not loaded: %d", cfg.Synth.RatePerMinute)
	}
	if cfg.Content.CacheSize != 256 {
		t.Fatalf("unset fields should keep defaults, cache size = %d", cfg.Content.CacheSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NARRATE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("NARRATE_BUS_USERNAME", "alice")
	t.Setenv("NARRATE_BUS_PASSWORD", "secret")
	t.Setenv("NARRATE_CONTENT_DIR", "/var/lib/narrate/content")
	t.Setenv("NARRATE_CONTENT_CACHE_SIZE", "16")
	t.Setenv("NARRATE_BLOB_BACKEND", "remote")
	t.Setenv("NARRATE_BLOB_BASE_URL", "https://blobs.example.com")
	t.Setenv("NARRATE_BLOB_TOKEN", "tok")
	t.Setenv("NARRATE_SYNTH_PROVIDER", "elevenlabs")
	t.Setenv("NARRATE_SYNTH_API_KEY", "key-123")
	t.Setenv("NARRATE_SYNTH_MAX_CONCURRENT", "5")
	t.Setenv("NARRATE_GEN_LOG_RETENTION_DAYS", "7")
	t.Setenv("NARRATE_NARRATION_ATTRIBUTION", "by Example Press")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Content.Dir != "/var/lib/narrate/content" {
		t.Fatalf("expected content dir override, got %q", cfg.Content.Dir)
	}
	if cfg.Content.CacheSize != 16 {
		t.Fatalf("expected cache size override, got %d", cfg.Content.CacheSize)
	}
	if cfg.Blob.Backend != "remote" || cfg.Blob.Token != "tok" {
		t.Fatalf("expected blob override, got %+v", cfg.Blob)
	}
	if cfg.Synth.Provider != "elevenlabs" || cfg.Synth.APIKey != "key-123" {
		t.Fatalf("expected synth override, got %+v", cfg.Synth)
	}
	if cfg.Synth.MaxConcurrent != 5 {
		t.Fatalf("expected concurrency override, got %d", cfg.Synth.MaxConcurrent)
	}
	if cfg.GenLog.RetentionDays != 7 {
		t.Fatalf("expected retention override, got %d", cfg.GenLog.RetentionDays)
	}
	if cfg.Narration.Attribution != "by Example Press" {
		t.Fatalf("expected attribution override, got %q", cfg.Narration.Attribution)
	}
}

func TestVendorEnvFallback(t *testing.T) {
	t.Setenv("NARRATE_SYNTH_PROVIDER", "elevenlabs")
	t.Setenv("ELEVENLABS_API_KEY", "vendor-key")
	t.Setenv("ELEVENLABS_VOICE_ID", "voice-9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Synth.APIKey != "vendor-key" {
		t.Fatalf("expected vendor api key, got %q", cfg.Synth.APIKey)
	}
	if cfg.Synth.Voice != "voice-9" {
		t.Fatalf("expected vendor voice, got %q", cfg.Synth.Voice)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing content dir",
			mutate:  func(c *Config) { c.Content.Dir = "" },
			wantErr: "content.dir",
		},
		{
			name:    "bad blob backend",
			mutate:  func(c *Config) { c.Blob.Backend = "s3" },
			wantErr: "blob.backend",
		},
		{
			name: "remote blob without token",
			mutate: func(c *Config) {
				c.Blob.Backend = "remote"
				c.Blob.BaseURL = "https://blobs.example.com"
				c.Blob.Token = ""
			},
			wantErr: "blob.token",
		},
		{
			name:    "elevenlabs without key",
			mutate:  func(c *Config) { c.Synth.Provider = "elevenlabs" },
			wantErr: "synth.api_key",
		},
		{
			name:    "exec without command",
			mutate:  func(c *Config) { c.Synth.Provider = "exec" },
			wantErr: "synth.command",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Synth.MaxConcurrent = 0 },
			wantErr: "synth.max_concurrent",
		},
		{
			name:    "bad gen log mode",
			mutate:  func(c *Config) { c.GenLog.Mode = "forever" },
			wantErr: "gen_log.mode",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}
