// Package config loads runtime configuration.
//
// Configuration comes from an optional YAML file, then environment overrides.
// Every field has a default, so a missing file is not an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rcliao/agent-runtime/internal/embedding"
	"github.com/rcliao/agent-runtime/internal/model"
	"gopkg.in/yaml.v3"
)

const (
	// EnvRoot overrides the storage root.
	EnvRoot = "AGENT_RUNTIME_ROOT"
	// EnvConfig names the config file when --config is not given.
	EnvConfig = "AGENT_RUNTIME_CONFIG"
)

// Duration is a time.Duration that reads from YAML as a string like "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the runtime configuration.
type Config struct {
	// Root is the storage root holding threads and agent state.
	Root string `yaml:"root"`

	// TickInterval is how often the scheduler evaluates triggers.
	TickInterval Duration `yaml:"tick_interval"`

	// ReconcileInterval is how often every agent's memory index is backfilled.
	ReconcileInterval Duration `yaml:"reconcile_interval"`

	// EngineTimeout bounds one engine run started by a trigger.
	EngineTimeout Duration `yaml:"engine_timeout"`

	// SearchLimit is the default number of recall results.
	SearchLimit int `yaml:"search_limit"`

	// Embedding selects the model that vectors are computed with. The
	// AGENT_RUNTIME_EMBED_* variables override it.
	Embedding embedding.Config `yaml:"embedding"`

	Agents []model.AgentConfig `yaml:"agents"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Root:              filepath.Join(home, ".agent-runtime"),
		TickInterval:      Duration(time.Minute),
		ReconcileInterval: Duration(24 * time.Hour),
		EngineTimeout:     Duration(5 * time.Minute),
		SearchLimit:       5,
	}
}

// Load reads path (or $AGENT_RUNTIME_CONFIG when path is empty) over the
// defaults and applies environment overrides. A missing file named only by
// default lookup is ignored; an explicitly named one must exist.
func Load(path string) (*Config, error) {
	return LoadWithRoot(path, "")
}

// LoadWithRoot is Load with a storage root override that outranks both the
// file and $AGENT_RUNTIME_ROOT. When no config file is named, the file is
// looked up as <root>/config.yaml.
func LoadWithRoot(path, root string) (*Config, error) {
	cfg := Default()

	if root == "" {
		root = os.Getenv(EnvRoot)
	}
	root = expandHome(root)

	explicit := path != ""
	if path == "" {
		path = os.Getenv(EnvConfig)
		explicit = path != ""
	}
	if path == "" {
		base := cfg.Root
		if root != "" {
			base = root
		}
		path = filepath.Join(base, "config.yaml")
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if root != "" {
		cfg.Root = root
	}
	cfg.Root = expandHome(cfg.Root)
	cfg.Embedding = embedding.FromEnv(cfg.Embedding)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and agent ids.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("config: root is required")
	}
	if c.TickInterval <= 0 {
		return errors.New("config: tick_interval must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return errors.New("config: reconcile_interval must be positive")
	}
	if c.EngineTimeout <= 0 {
		return errors.New("config: engine_timeout must be positive")
	}
	if c.SearchLimit <= 0 {
		return errors.New("config: search_limit must be positive")
	}
	switch c.Embedding.Provider {
	case embedding.ProviderNone, embedding.ProviderOllama, embedding.ProviderOpenAI:
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.Embedding.Provider)
	}
	seen := map[string]bool{}
	for _, a := range c.Agents {
		if err := model.ValidateAgentID(a.ID); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if seen[a.ID] {
			return fmt.Errorf("config: agent %q listed twice", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// Agent returns the configured agent, or a default policy for agents that
// only exist on disk.
func (c *Config) Agent(id string) model.AgentConfig {
	for _, a := range c.Agents {
		if a.ID == id {
			return a
		}
	}
	return model.AgentConfig{ID: id, Name: id, Trust: "restricted"}
}

// AgentIDs returns the ids of configured agents in file order.
func (c *Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}

func expandHome(p string) string {
	if p == "~" || len(p) > 1 && p[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}
