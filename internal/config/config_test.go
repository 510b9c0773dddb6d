package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "site-url: https://erp.example.com/\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.SiteURL != "https://erp.example.com" {
		t.Errorf("SiteURL = %q, want trailing slash trimmed", cfg.SiteURL)
	}
	if cfg.CallbackPort != DefaultCallbackPort {
		t.Errorf("CallbackPort = %d, want %d", cfg.CallbackPort, DefaultCallbackPort)
	}
	if cfg.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("RequestTimeout = %d, want %d", cfg.RequestTimeout, DefaultRequestTimeout)
	}
	if cfg.ClientName != DefaultClientName {
		t.Errorf("ClientName = %q, want %q", cfg.ClientName, DefaultClientName)
	}
	if len(cfg.Scopes) == 0 {
		t.Error("Scopes empty, want defaults")
	}
	if cfg.Serve.Host != "127.0.0.1" || cfg.Serve.Port != DefaultServePort {
		t.Errorf("Serve = %+v, want loopback defaults", cfg.Serve)
	}
}

func TestLoadConfigExplicitValues(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, strings.Join([]string{
		"site-url: https://erp.example.com",
		"callback-port: 9999",
		"client-id: manual-client",
		"client-secret: hunter2",
		"scopes:",
		"  - all",
		"serve:",
		"  host: 0.0.0.0",
		"  port: 8080",
	}, "\n"))

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.CallbackPort != 9999 {
		t.Errorf("CallbackPort = %d, want 9999", cfg.CallbackPort)
	}
	if cfg.ClientID != "manual-client" || cfg.ClientSecret != "hunter2" {
		t.Errorf("manual client = %q/%q", cfg.ClientID, cfg.ClientSecret)
	}
	if got := cfg.RedirectURI(); got != "http://localhost:9999/callback" {
		t.Errorf("RedirectURI = %q", got)
	}
	if cfg.Serve.Host != "0.0.0.0" || cfg.Serve.Port != 8080 {
		t.Errorf("Serve = %+v", cfg.Serve)
	}
}

func TestLoadConfigSecretWithoutID(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "client-secret: lonely\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for client-secret without client-id")
	}
}

func TestLoadConfigOptionalMissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "absent.yaml"), true)
	if err != nil {
		t.Fatalf("LoadConfigOptional: %v", err)
	}
	if cfg.CallbackPort != DefaultCallbackPort {
		t.Errorf("defaults not applied: %+v", cfg)
	}

	if _, err = LoadConfigOptional(filepath.Join(t.TempDir(), "absent.yaml"), false); err == nil {
		t.Fatal("expected error when file is required")
	}
}
