package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestReadConfig(t *testing.T) {
	tests := []struct {
		name  string
		input string
		err   string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name:  "defaults",
			input: "",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != 8081 {
					t.Errorf("expected default port 8081, got %d", cfg.Server.Port)
				}
				if cfg.Build.SourceFile != "src/main.rs" {
					t.Errorf("unexpected source file %q", cfg.Build.SourceFile)
				}
			},
		},
		{
			name: "overrides",
			input: `
server:
  port: 9000
  dedup_by: client_id
  ping_interval: 10s
build:
  workers: 4
  timeout: 90s
  env:
    - CARGO_TERM_COLOR=never
cache:
  enabled: false
  dir: ""
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != 9000 {
					t.Errorf("expected port 9000, got %d", cfg.Server.Port)
				}
				if cfg.Server.DedupBy != "client_id" {
					t.Errorf("unexpected dedup %q", cfg.Server.DedupBy)
				}
				if cfg.Server.PingInterval != 10*time.Second {
					t.Errorf("unexpected ping interval %v", cfg.Server.PingInterval)
				}
				if cfg.Build.Workers != 4 || cfg.Build.Timeout != 90*time.Second {
					t.Errorf("unexpected build config %+v", cfg.Build)
				}
				if len(cfg.Build.Env) != 1 || cfg.Build.Env[0] != "CARGO_TERM_COLOR=never" {
					t.Errorf("unexpected env %v", cfg.Build.Env)
				}
				if cfg.Cache.Enabled {
					t.Errorf("cache should be disabled")
				}
			},
		},
		{
			name:  "bad dedup",
			input: "server:\n  dedup_by: cookie\n",
			err:   "invalid configuration: Config.Server.DedupBy failed validation oneof",
		},
		{
			name:  "no workers",
			input: "build:\n  workers: 0\n",
			err:   "invalid configuration: Config.Build.Workers failed validation gte",
		},
		{
			name:  "cache without dir",
			input: "cache:\n  enabled: true\n  dir: \"\"\n",
			err:   "invalid configuration: Config.Cache.Dir failed validation required_if",
		},
		{
			name:  "malformed",
			input: "server: [",
			err:   "failed to decode config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ReadConfig(strings.NewReader(tt.input))
			if tt.err != "" {
				if err == nil || !strings.HasPrefix(err.Error(), tt.err) {
					t.Fatalf("expected error %q, got %v", tt.err, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	err := os.WriteFile(path, []byte("store:\n  path: /tmp/jobs.db\n"), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Path != "/tmp/jobs.db" {
		t.Fatalf("unexpected store path %q", cfg.Store.Path)
	}

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if err == nil || !strings.HasPrefix(err.Error(), "failed to open config file") {
		t.Fatalf("expected open error, got %v", err)
	}
}
