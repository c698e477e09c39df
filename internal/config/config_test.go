package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoaderDefaults(t *testing.T) {
	loader := NewLoader("", nil, nil)
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentAgents != 4 {
		t.Errorf("MaxConcurrentAgents = %d, want 4", cfg.MaxConcurrentAgents)
	}
	if _, ok := cfg.Roles[RoleMain]; !ok {
		t.Errorf("default roles missing %q", RoleMain)
	}
	if !cfg.ToolPolicy.SafeCommands["echo"] {
		t.Errorf("expected echo to be a safe command by default")
	}
}

func TestLoaderMergesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	writeFile(t, path, `
max_concurrent_agents: 9
tool_policy:
  safe_commands: [echo, ls]
  denied_commands: [rm]
`)

	loader := NewLoader(path, nil, nil)
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentAgents != 9 {
		t.Errorf("MaxConcurrentAgents = %d, want 9", cfg.MaxConcurrentAgents)
	}
	if len(cfg.ToolPolicy.SafeCommands) != 2 {
		t.Errorf("safe commands = %v, want 2 entries", cfg.ToolPolicy.SafeCommands)
	}
}

func TestLoaderRejectsInvalidConcurrency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	writeFile(t, path, "max_concurrent_agents: 0\n")

	loader := NewLoader(path, nil, nil)
	if _, err := loader.Load(); err == nil {
		t.Fatal("expected ConfigurationError for max_concurrent_agents: 0")
	}
}

func TestLoaderRejectsMissingSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	writeFile(t, path, `
roles:
  main:
    model_id: gpt-4o-mini
    api_key_secret: OPENAI_API_KEY
`)

	loader := NewLoader(path, EnvSecretStore{}, nil)
	if _, err := loader.Load(); err == nil {
		t.Fatal("expected ConfigurationError for unresolved secret")
	}
}

func TestLoaderResolvesSecretFromFileStore(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "secrets.env")
	writeFile(t, secretPath, "OPENAI_API_KEY=sk-test-123\n")

	store, err := LoadFileSecretStore(secretPath)
	if err != nil {
		t.Fatalf("LoadFileSecretStore: %v", err)
	}

	path := filepath.Join(dir, "loom.yaml")
	writeFile(t, path, `
roles:
  main:
    model_id: gpt-4o-mini
    api_key_secret: OPENAI_API_KEY
`)

	loader := NewLoader(path, store, nil)
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Roles[RoleMain].APIKey() != "sk-test-123" {
		t.Errorf("APIKey() = %q, want sk-test-123", cfg.Roles[RoleMain].APIKey())
	}
}

func TestLoaderRejectsUnknownRole(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	writeFile(t, path, `
roles:
  main:
    model_id: gpt-4o-mini
  astrologer:
    model_id: gpt-4o-mini
`)

	loader := NewLoader(path, nil, nil)
	if _, err := loader.Load(); err == nil {
		t.Fatal("expected ConfigurationError for unknown role")
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
