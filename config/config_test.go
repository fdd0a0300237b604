package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
server:
  port: 9090
store:
  backend: memory
logging:
  level: debug
plans:
  - id: free
    name: Free
    enabled: true
    limitation:
      default_action: block
      modules:
        - key: tickets
          functions:
            - key: purchase
              type: count
              quota: 10
              window_type: calendar
              window_unit: day
subscriptions:
  - id: sub_1
    tenant_id: acme
    plan_id: free
    status: active
    start_at: 2025-01-01T00:00:00Z
    tz_offset_minutes: 330
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quotagate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("backend = %q", cfg.Store.Backend)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}

	// Defaults fill the gaps the file leaves.
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("read timeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Cleanup.Interval != 5*time.Minute {
		t.Errorf("cleanup interval = %v", cfg.Cleanup.Interval)
	}

	if len(cfg.Plans) != 1 || cfg.Plans[0].ID != "free" {
		t.Fatalf("plans = %v", cfg.Plans)
	}
	fn := cfg.Plans[0].Limitation.Modules[0].Functions[0]
	if fn.QuotaValue() != 10 {
		t.Errorf("quota = %d", fn.QuotaValue())
	}

	if len(cfg.Subscriptions) != 1 {
		t.Fatalf("subscriptions = %v", cfg.Subscriptions)
	}
	sub := cfg.Subscriptions[0]
	if sub.PlanID != "free" || sub.TZOffsetMinutes != 330 {
		t.Errorf("subscription = %+v", sub)
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown backend", "store:\n  backend: etcd\n"},
		{"port out of range", "server:\n  port: 70000\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{
			"plan missing quota",
			`plans:
  - id: bad
    enabled: true
    limitation:
      modules:
        - key: m
          functions:
            - key: f
              type: count
`,
		},
		{
			"subscription references unknown plan",
			`plans:
  - id: free
    enabled: true
    limitation: {}
subscriptions:
  - id: sub_1
    plan_id: paid
`,
		},
		{
			"duplicate plan ids",
			`plans:
  - id: free
    limitation: {}
  - id: free
    limitation: {}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Error("expected load to fail")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QUOTAGATE_SERVER_PORT", "7070")
	t.Setenv("QUOTAGATE_STORE_BACKEND", "redis")
	t.Setenv("QUOTAGATE_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("QUOTAGATE_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, env should win over file", cfg.Server.Port)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.Redis.Addr != "redis.internal:6379" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}

	if !HasEnvConfig() {
		t.Error("HasEnvConfig should report the overrides")
	}
}

func TestAdminTokenEnvEnablesAdmin(t *testing.T) {
	t.Setenv("QUOTAGATE_ADMIN_TOKEN_HASH", "$2a$10$fakehash")

	cfg := Default()
	applyEnv(cfg)

	if !cfg.Admin.Enabled {
		t.Error("setting the token hash should enable the admin API")
	}
	if cfg.Admin.TokenHash != "$2a$10$fakehash" {
		t.Errorf("token hash = %q", cfg.Admin.TokenHash)
	}
}

func TestLoadWithFallback(t *testing.T) {
	// Missing file: env-only defaults.
	cfg, err := LoadWithFallback(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("backend = %q, want the default", cfg.Store.Backend)
	}

	// Present file: loaded normally.
	cfg, err = LoadWithFallback(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}
