package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Route = "example"
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate(defaults): %v", err)
	}
	if cfg.Address.Host != "127.0.0.1" || cfg.Address.Port != 5000 {
		t.Errorf("Address = %+v", cfg.Address)
	}
}

func TestValidateRejectsBadSSLCertReqs(t *testing.T) {
	cfg := Defaults()
	cfg.SSLCertReqs = 3
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for ssl_cert_reqs=3")
	}
}

func TestValidateRejectsZeroWorkers(t *testing.T) {
	cfg := Defaults()
	cfg.Workers = 0
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for workers=0")
	}
}

func TestLoadFileMergesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tproxy.yaml")
	yamlBody := "bind: \"0.0.0.0:9000\"\nworkers: 4\nname: edge\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg := Defaults()
	if err := LoadFile(&cfg, path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Bind != "0.0.0.0:9000" || cfg.Workers != 4 || cfg.Name != "edge" {
		t.Errorf("merged cfg = %+v", cfg)
	}
	// fields absent from the file keep their defaults.
	if cfg.TimeoutSeconds != 30 {
		t.Errorf("TimeoutSeconds = %d, want unchanged default 30", cfg.TimeoutSeconds)
	}
}
