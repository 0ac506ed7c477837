package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models governance.yml.
type Config struct {
	Portfolio struct {
		ID string `yaml:"id"`
	} `yaml:"portfolio"`
	Governance struct {
		QuorumThreshold   float64 `yaml:"quorum_threshold"`
		TieBreak          string  `yaml:"tie_break"`
		ReserveExpiryDays int     `yaml:"reserve_expiry_days"`
		OverrunAlertPct   float64 `yaml:"overrun_alert_pct"`
	} `yaml:"governance"`
	Feasibility struct {
		RequiredSubScores int `yaml:"required_sub_scores"`
	} `yaml:"feasibility"`
	Closure struct {
		Checklist []string `yaml:"checklist"`
	} `yaml:"closure"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with pmo config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace, portfolioID string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(portfolioID), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Portfolio.ID == "" {
		return fmt.Errorf("config.portfolio.id is required")
	}
	q := c.Governance.QuorumThreshold
	if q <= 0 || q > 1 {
		return fmt.Errorf("config.governance.quorum_threshold must be in (0,1], got %v", q)
	}
	switch c.Governance.TieBreak {
	case "reject", "approve":
	default:
		return fmt.Errorf("config.governance.tie_break must be 'reject' or 'approve'")
	}
	if c.Governance.ReserveExpiryDays <= 0 {
		return fmt.Errorf("config.governance.reserve_expiry_days must be positive")
	}
	if c.Feasibility.RequiredSubScores <= 0 {
		return fmt.Errorf("config.feasibility.required_sub_scores must be positive")
	}
	if len(c.Closure.Checklist) == 0 {
		return fmt.Errorf("config.closure.checklist is required")
	}
	for _, kind := range c.Closure.Checklist {
		if kind == "" {
			return fmt.Errorf("config.closure.checklist contains empty kind")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "governance.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(portfolioID string) string {
	return fmt.Sprintf(defaultTemplate, portfolioID)
}

// Default returns the default Config struct for a portfolio.
func Default(portfolioID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, portfolioID))).Decode(&cfg)
	cfg.Portfolio.ID = portfolioID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `portfolio:
  id: %s

governance:
  # Minimum fraction of invited reviewers whose votes must be cast before a
  # committee decision is binding.
  quorum_threshold: 0.6
  # How a tied vote resolves once quorum is met. Conservative default.
  tie_break: reject
  # Days an approved initiative may sit in the reserve bank before removal.
  reserve_expiry_days: 365
  # Execution percentage above which budget metrics raise an overrun alert.
  overrun_alert_pct: 90

feasibility:
  # Sub-scores each dimension needs before its verdict can be finalized.
  required_sub_scores: 3

closure:
  checklist:
    - documentation.complete
    - client.signoff
    - lessons.recorded
`
