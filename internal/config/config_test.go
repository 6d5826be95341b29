package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Budget.MaxPromptsPerWindow != defaultMaxPromptsPerWindow {
		t.Errorf("expected default max prompts %d, got %d", defaultMaxPromptsPerWindow, cfg.Budget.MaxPromptsPerWindow)
	}
	if cfg.HeartbeatIntervalMs != defaultHeartbeatIntervalMs {
		t.Errorf("expected default heartbeat interval %d, got %d", defaultHeartbeatIntervalMs, cfg.HeartbeatIntervalMs)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.json")
	content := `{
		"projects": [{"path": "/srv/app", "name": "app"}],
		"triggers": [{"name": "nightly", "schedule": "0 2 * * *", "project": "app", "agent": "scout", "task": "scan", "mode": "standalone"}],
		"budget": {"maxPromptsPerWindow": 100, "reserveForInteractive": 0.3, "windowHours": 12}
	}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Projects) != 1 || cfg.Projects[0].Name != "app" {
		t.Errorf("expected one project named app, got %+v", cfg.Projects)
	}
	if cfg.Budget.MaxPromptsPerWindow != 100 {
		t.Errorf("expected max prompts 100, got %d", cfg.Budget.MaxPromptsPerWindow)
	}
	if cfg.HeartbeatIntervalMs != defaultHeartbeatIntervalMs {
		t.Errorf("expected default heartbeat interval preserved, got %d", cfg.HeartbeatIntervalMs)
	}
}

func TestLoadMalformedFileFailsLoudly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path, nil); err == nil {
		t.Fatal("expected error loading malformed config, got nil")
	}
}

func TestLoadDuplicateTriggerNameFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.json")
	content := `{"triggers": [
		{"name": "a", "schedule": "* * * * *", "project": "p", "agent": "scout", "mode": "standalone"},
		{"name": "a", "schedule": "* * * * *", "project": "p", "agent": "scout", "mode": "standalone"}
	]}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path, nil); err == nil {
		t.Fatal("expected error for duplicate trigger name, got nil")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.json")
	if err := os.WriteFile(path, []byte(`{}`), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONDUCTOR_STATE_DIR", "/custom/state")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.StateDir != "/custom/state" {
		t.Errorf("expected env override state dir, got %s", cfg.StateDir)
	}
}

func TestFlagOverridesEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.json")
	if err := os.WriteFile(path, []byte(`{}`), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONDUCTOR_STATE_DIR", "/from/env")

	cfg, err := Load(path, &Config{StateDir: "/from/flag"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.StateDir != "/from/flag" {
		t.Errorf("expected flag override, got %s", cfg.StateDir)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	content := "projects:\n  - path: /srv/app\n    name: app\nbudget:\n  maxPromptsPerWindow: 75\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Projects) != 1 || cfg.Projects[0].Name != "app" {
		t.Errorf("expected one project named app, got %+v", cfg.Projects)
	}
	if cfg.Budget.MaxPromptsPerWindow != 75 {
		t.Errorf("expected max prompts 75, got %d", cfg.Budget.MaxPromptsPerWindow)
	}
}

func TestValidateRejectsOutOfRangeReserve(t *testing.T) {
	cfg := Default()
	cfg.Budget.ReserveForInteractive = 1.5
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for out-of-range reserve, got nil")
	}
}
