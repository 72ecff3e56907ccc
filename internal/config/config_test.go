package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rcliao/agent-runtime/internal/embedding"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvRoot, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if time.Duration(cfg.TickInterval) != time.Minute {
		t.Errorf("tick_interval = %v", time.Duration(cfg.TickInterval))
	}
	if time.Duration(cfg.ReconcileInterval) != 24*time.Hour {
		t.Errorf("reconcile_interval = %v", time.Duration(cfg.ReconcileInterval))
	}
	if cfg.SearchLimit != 5 || !strings.HasSuffix(cfg.Root, ".agent-runtime") {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvRoot, "")
	path := writeConfig(t, `
root: /srv/agents
tick_interval: 30s
engine_timeout: 2m
agents:
  - id: main
    name: Main
    trust: full
    work_dirs: [/home/me/src]
  - id: helper
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Root != "/srv/agents" {
		t.Errorf("root = %q", cfg.Root)
	}
	if time.Duration(cfg.TickInterval) != 30*time.Second || time.Duration(cfg.EngineTimeout) != 2*time.Minute {
		t.Errorf("durations not parsed: %+v", cfg)
	}
	if time.Duration(cfg.ReconcileInterval) != 24*time.Hour {
		t.Errorf("unset field lost its default: %v", time.Duration(cfg.ReconcileInterval))
	}
	if got := cfg.AgentIDs(); len(got) != 2 || got[0] != "main" || got[1] != "helper" {
		t.Errorf("agents = %v", got)
	}
	if a := cfg.Agent("main"); a.Trust != "full" || len(a.WorkDirs) != 1 {
		t.Errorf("agent main = %+v", a)
	}
	if a := cfg.Agent("other"); a.ID != "other" || a.Trust != "restricted" {
		t.Errorf("default agent = %+v", a)
	}
}

func TestEmbeddingSection(t *testing.T) {
	t.Setenv(EnvRoot, "")
	t.Setenv(embedding.EnvProvider, "")
	t.Setenv(embedding.EnvModel, "")
	t.Setenv(embedding.EnvURL, "")
	t.Setenv(embedding.EnvOllamaHost, "")
	path := writeConfig(t, `
root: /srv/agents
embedding:
  provider: ollama
  model: all-minilm
  url: http://gpu-box:11434
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := embedding.Config{Provider: embedding.ProviderOllama, Model: "all-minilm", URL: "http://gpu-box:11434"}
	if cfg.Embedding != want {
		t.Errorf("embedding = %+v, want %+v", cfg.Embedding, want)
	}

	t.Setenv(embedding.EnvModel, "nomic-embed-text")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Embedding.Model != "nomic-embed-text" {
		t.Errorf("env did not override model: %+v", cfg.Embedding)
	}

	bad := writeConfig(t, "root: /srv/agents\nembedding:\n  provider: cohere\n")
	if _, err := Load(bad); err == nil {
		t.Error("expected unknown provider to fail validation")
	}
}

func TestEnvOverridesRoot(t *testing.T) {
	path := writeConfig(t, "root: /from/file\n")
	t.Setenv(EnvRoot, "/from/env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Root != "/from/env" {
		t.Errorf("root = %q", cfg.Root)
	}
}

func TestRootOverrideLocatesConfig(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvRoot, "/from/env")
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "config.yaml"), []byte("search_limit: 9\nroot: /from/file\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithRoot("", root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SearchLimit != 9 {
		t.Errorf("config under the root was not read: search_limit = %d", cfg.SearchLimit)
	}
	if cfg.Root != root {
		t.Errorf("root = %q, want %q", cfg.Root, root)
	}
}

func TestEnvRootLocatesConfig(t *testing.T) {
	t.Setenv(EnvConfig, "")
	root := t.TempDir()
	t.Setenv(EnvRoot, root)
	if err := os.WriteFile(filepath.Join(root, "config.yaml"), []byte("search_limit: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SearchLimit != 7 || cfg.Root != root {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Setenv(EnvRoot, "")
	tests := []struct {
		name    string
		content string
	}{
		{"bad duration", "tick_interval: soon\n"},
		{"bad agent id", "agents:\n  - id: Not Valid\n"},
		{"duplicate agent", "agents:\n  - id: a\n  - id: a\n"},
		{"zero limit", "search_limit: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for explicit missing file")
	}
}
