package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestLoadExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trafficmap.yaml")
	body := "server_url: https://collector.example.com\nmax_records: 250\nreconnect_backoff: exponential\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerURL != "https://collector.example.com" {
		t.Fatalf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.MaxRecords != 250 {
		t.Fatalf("MaxRecords = %d, want 250", cfg.MaxRecords)
	}
	if cfg.ReconnectBackoff != BackoffExponential {
		t.Fatalf("ReconnectBackoff = %q", cfg.ReconnectBackoff)
	}
	if cfg.RetryDelaySeconds != 3 {
		t.Fatalf("RetryDelaySeconds = %d, want default 3", cfg.RetryDelaySeconds)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trafficmap.yaml")
	if err := os.WriteFile(path, []byte("max_records: 250\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TRAFFICMAP_MAX_RECORDS", "42")
	t.Setenv("TRAFFICMAP_CLEAR_ON_SHUTDOWN", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRecords != 42 {
		t.Fatalf("MaxRecords = %d, want 42 from env", cfg.MaxRecords)
	}
	if cfg.ClearOnShutdown {
		t.Fatal("ClearOnShutdown should be overridden to false")
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.GeoIPDB = "/var/lib/GeoLite2-City.mmdb"

	out, err := cfg.YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	if !strings.Contains(string(out), "geoip_db: /var/lib/GeoLite2-City.mmdb") {
		t.Fatalf("unexpected YAML:\n%s", out)
	}

	var back Config
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != *cfg {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, *cfg)
	}
}
