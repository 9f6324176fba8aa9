package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Band is an inclusive utilization range [Min, Max].
type Band struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v lies inside the band, bounds included.
func (b Band) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// ScoringPolicy holds the chamber compatibility weights and thresholds.
type ScoringPolicy struct {
	WeightPoints       int  `yaml:"weight_points"`
	WeightBonus        int  `yaml:"weight_bonus"`
	WeightBand         Band `yaml:"weight_band"`
	AreaPoints         int  `yaml:"area_points"`
	AreaBonus          int  `yaml:"area_bonus"`
	AreaBand           Band `yaml:"area_band"`
	LinePoints         int  `yaml:"line_points"`
	CyclePoints        int  `yaml:"cycle_points"`
	UnavailablePenalty int  `yaml:"unavailable_penalty"`
	MaxScore           int  `yaml:"max_score"`
	MinAutoSelectScore int  `yaml:"min_auto_select_score"`
}

// ValidationPolicy holds layout validation thresholds.
type ValidationPolicy struct {
	// MaxWarnings is the largest warning count still ready for confirmation.
	MaxWarnings       int     `yaml:"max_warnings"`
	LowCoveragePct    float64 `yaml:"low_coverage_pct"`
	NearCapacityRatio float64 `yaml:"near_capacity_ratio"`
	ConflictPenalty   float64 `yaml:"conflict_penalty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Config models nestline.yml.
type Config struct {
	Scoring    ScoringPolicy    `yaml:"scoring"`
	Validation ValidationPolicy `yaml:"validation"`
	WorkOrders struct {
		ActionableStatuses []string `yaml:"actionable_statuses"`
	} `yaml:"work_orders"`
	Placement struct {
		URL            string         `yaml:"url"`
		TimeoutSeconds int            `yaml:"timeout_seconds"`
		Parameters     map[string]any `yaml:"parameters"`
	} `yaml:"placement"`
	Server struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// PlacementTimeout returns the optimizer call timeout.
func (c *Config) PlacementTimeout() time.Duration {
	if c.Placement.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Placement.TimeoutSeconds) * time.Second
}

// IsActionable reports whether a work order status can be nested.
func (c *Config) IsActionable(status string) bool {
	for _, s := range c.WorkOrders.ActionableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with nest config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	s := c.Scoring
	for name, v := range map[string]int{
		"weight_points":       s.WeightPoints,
		"weight_bonus":        s.WeightBonus,
		"area_points":         s.AreaPoints,
		"area_bonus":          s.AreaBonus,
		"line_points":         s.LinePoints,
		"cycle_points":        s.CyclePoints,
		"unavailable_penalty": s.UnavailablePenalty,
	} {
		if v < 0 {
			return fmt.Errorf("config.scoring.%s must not be negative", name)
		}
	}
	if s.MaxScore <= 0 {
		return fmt.Errorf("config.scoring.max_score must be positive")
	}
	if s.MinAutoSelectScore < 0 || s.MinAutoSelectScore > s.MaxScore {
		return fmt.Errorf("config.scoring.min_auto_select_score must be within [0, %d]", s.MaxScore)
	}
	for name, b := range map[string]Band{"weight_band": s.WeightBand, "area_band": s.AreaBand} {
		if b.Min < 0 || b.Max < b.Min {
			return fmt.Errorf("config.scoring.%s is invalid: [%v, %v]", name, b.Min, b.Max)
		}
	}
	v := c.Validation
	if v.MaxWarnings < 0 {
		return fmt.Errorf("config.validation.max_warnings must not be negative")
	}
	if v.ConflictPenalty <= 0 || v.ConflictPenalty > 1 {
		return fmt.Errorf("config.validation.conflict_penalty must be within (0, 1]")
	}
	if v.NearCapacityRatio <= 0 {
		return fmt.Errorf("config.validation.near_capacity_ratio must be positive")
	}
	if len(c.WorkOrders.ActionableStatuses) == 0 {
		return fmt.Errorf("config.work_orders.actionable_statuses is required")
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
	return filepath.Join(workspace, "nestline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys that are
// absent keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `scoring:
  # pass if max load >= selection weight, bonus inside the band
  weight_points: 30
  weight_bonus: 10
  weight_band: {min: 0.60, max: 0.85}
  area_points: 25
  area_bonus: 15
  area_band: {min: 0.50, max: 0.90}
  # insufficient vacuum lines forces the score to 0
  line_points: 20
  cycle_points: 25
  unavailable_penalty: 50
  max_score: 100
  min_auto_select_score: 60

validation:
  max_warnings: 2
  low_coverage_pct: 30
  near_capacity_ratio: 0.95
  conflict_penalty: 0.5

work_orders:
  actionable_statuses: [awaiting_cure, queued]

placement:
  # optimizer endpoint; workflow runs cannot generate layouts without it
  # url: http://127.0.0.1:8090
  timeout_seconds: 120
  parameters:
    padding_mm: 20
    min_distance_mm: 15
    allow_rotation: true

server:
  base_path: /v1
`
