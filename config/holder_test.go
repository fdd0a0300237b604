package config

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

func TestHolderReload(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	h, err := NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if got := h.Get().Server.Port; got != 9090 {
		t.Fatalf("initial port = %d", got)
	}

	var notified *Config
	h.OnChange(func(cfg *Config) { notified = cfg })

	updated := sampleYAML + "\nmetrics:\n  enabled: false\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.Reload(); err != nil {
		t.Fatal(err)
	}

	if h.Get().Metrics.Enabled {
		t.Error("reload should pick up the change")
	}
	if notified == nil {
		t.Fatal("OnChange listener not invoked")
	}
	if notified.Metrics.Enabled {
		t.Error("listener received stale config")
	}
}

func TestHolderKeepsOldConfigOnBadReload(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	h, err := NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if err := os.WriteFile(path, []byte("store:\n  backend: etcd\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.Reload(); err == nil {
		t.Fatal("reload of invalid config should fail")
	}

	if got := h.Get().Server.Port; got != 9090 {
		t.Errorf("port = %d, old config should stay active", got)
	}
}
