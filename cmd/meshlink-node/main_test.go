package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunUnknownCommand(t *testing.T) {
	var out, errw bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errw); code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	if !strings.Contains(errw.String(), "unknown command") {
		t.Fatalf("missing error output: %q", errw.String())
	}
}

func TestRunHelp(t *testing.T) {
	var out, errw bytes.Buffer
	if code := run(nil, &out, &errw); code != 0 {
		t.Fatalf("exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), "usage:") {
		t.Fatalf("missing usage output: %q", out.String())
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Network != "meshlink" {
		t.Fatalf("network default: %q", cfg.Network)
	}
	if cfg.ListenAddr == "" || cfg.DataDir == "" || cfg.DisplayName == "" {
		t.Fatalf("missing defaults: %+v", cfg)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshlink.yaml")
	body := strings.Join([]string{
		"display_name: kiosk",
		"network: floor-2",
		"listen_addr: 127.0.0.1:9999",
		"request_pairing: true",
		"dial_addrs:",
		"  - 10.0.0.2:7450",
		"log:",
		"  development: true",
		"  level: debug",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DisplayName != "kiosk" || cfg.Network != "floor-2" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if !cfg.RequestPairing || len(cfg.DialAddrs) != 1 || cfg.DialAddrs[0] != "10.0.0.2:7450" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if !cfg.Log.Development || cfg.Log.Level != "debug" {
		t.Fatalf("log section not applied: %+v", cfg)
	}
}
