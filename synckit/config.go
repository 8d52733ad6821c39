package synckit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
	"github.com/c0deZ3R0/marketsync/logging"
)

// FileConfig is the on-disk configuration of a marketsync deployment.
type FileConfig struct {
	Engine       Config              `json:"engine" yaml:"engine"`
	Marketplaces []MarketplaceConfig `json:"marketplaces" yaml:"marketplaces"`
	Rules        []SyncRule          `json:"rules" yaml:"rules"`
	Logging      logging.Config      `json:"logging" yaml:"logging"`
	Storage      StorageConfig       `json:"storage" yaml:"storage"`
	Server       ServerConfig        `json:"server" yaml:"server"`
}

// MarketplaceConfig describes one marketplace endpoint.
type MarketplaceConfig struct {
	ID        string            `json:"id" yaml:"id"`
	BaseURL   string            `json:"baseUrl" yaml:"baseUrl"`
	RateLimit RateLimit         `json:"rateLimit" yaml:"rateLimit"`
	Timeout   time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// StorageConfig selects the persistence backend: memory, sqlite or postgres.
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// ServerConfig is the daemon's listen address.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// LoadConfig reads a YAML or JSON file (chosen by extension) and validates it.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpConfig, syncErrors.Component("config"), syncErrors.KindConfig,
			fmt.Errorf("failed to read config file: %w", err))
	}
	return ParseConfig(data, detectFormat(path))
}

// ParseConfig decodes and validates configuration bytes. JSON is decoded with
// the YAML decoder, which accepts it, so durations may be written as "30s" in
// both formats.
func ParseConfig(data []byte, format string) (*FileConfig, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml", "json":
	default:
		return nil, syncErrors.E(syncErrors.OpConfig, syncErrors.Component("config"), syncErrors.KindConfig,
			fmt.Sprintf("unsupported config format: %s", format))
	}

	cfg := FileConfig{
		Engine:  DefaultConfig(),
		Logging: logging.DefaultConfig,
		Storage: StorageConfig{Driver: "memory"},
		Server:  ServerConfig{Addr: ":8080"},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, syncErrors.E(syncErrors.OpConfig, syncErrors.Component("config"), syncErrors.KindConfig,
			fmt.Errorf("failed to parse %s config: %w", format, err))
	}
	cfg.Engine = cfg.Engine.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the engine settings, marketplaces and rules.
func (c *FileConfig) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Marketplaces))
	for i, m := range c.Marketplaces {
		switch {
		case m.ID == "" || m.ID == AnyMarketplace:
			return configError("marketplace %d: invalid id %q", i, m.ID)
		case seen[m.ID]:
			return configError("marketplace %q is defined twice", m.ID)
		case m.BaseURL == "":
			return configError("marketplace %q: baseUrl is required", m.ID)
		}
		seen[m.ID] = true
	}
	ids := make(map[string]bool, len(c.Rules))
	for _, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if r.ID != "" && ids[r.ID] {
			return configError("rule %q is defined twice", r.ID)
		}
		ids[r.ID] = true
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return configError("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return configError("storage driver %q needs a dsn", c.Storage.Driver)
	}
	return nil
}

// RateLimits collects the per-marketplace quotas into the engine's form.
func (c *FileConfig) RateLimits() map[string]RateLimit {
	out := make(map[string]RateLimit, len(c.Engine.RateLimits)+len(c.Marketplaces))
	for id, rl := range c.Engine.RateLimits {
		out[id] = rl
	}
	for _, m := range c.Marketplaces {
		if m.RateLimit != (RateLimit{}) {
			out[m.ID] = m.RateLimit
		}
	}
	return out
}

// ruleFile is the shape of a standalone rules file.
type ruleFile struct {
	Rules []SyncRule `json:"rules" yaml:"rules"`
}

// ParseRules decodes a rules document (a top-level "rules" list) and validates
// every rule. All problems are reported, not just the first.
func ParseRules(data []byte) ([]SyncRule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, syncErrors.E(syncErrors.OpConfig, syncErrors.Component("rules"), syncErrors.KindConfig,
			fmt.Errorf("failed to parse rules: %w", err))
	}
	var problems []string
	for i, r := range f.Rules {
		if err := r.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("rule %d: %v", i, err))
		}
	}
	if len(problems) > 0 {
		return nil, syncErrors.E(syncErrors.OpConfig, syncErrors.Component("rules"), syncErrors.KindInvalid,
			strings.Join(problems, "\n"))
	}
	return f.Rules, nil
}

// LoadRules reads and validates a rules file.
func LoadRules(path string) ([]SyncRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpConfig, syncErrors.Component("rules"), syncErrors.KindConfig,
			fmt.Errorf("failed to read rules file: %w", err))
	}
	return ParseRules(data)
}

func detectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yml":
		return "yml"
	default:
		return "yaml"
	}
}

func configError(format string, args ...any) error {
	return syncErrors.E(syncErrors.OpConfig, syncErrors.Component("config"), syncErrors.KindConfig,
		fmt.Sprintf(format, args...))
}
