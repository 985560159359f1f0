package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xiy/working-memory/internal/workingmemory"
	"github.com/xiy/working-memory/pkg/types"
)

// Config contains runtime configuration for working-memory.
type Config struct {
	ServerName          string `yaml:"server_name"`
	DBPath              string `yaml:"db_path"`
	LogLevel            string `yaml:"log_level"`
	NamespacePattern    string `yaml:"namespace_pattern"`
	SweepSchedule       string `yaml:"sweep_schedule"`
	HTTPAddr            string `yaml:"http_addr"`
	EvaluateOnIngest    bool   `yaml:"evaluate_on_ingest"`
	MaxContextPackItems int    `yaml:"max_context_pack_items"`
	DefaultSearchK      int    `yaml:"default_search_k"`
	Policy              Policy `yaml:"policy"`
}

// Policy is the YAML form of the engine tables and node parameters.
type Policy struct {
	PromotionThreshold float64                             `yaml:"promotion_threshold"`
	DecayPerDay        float64                             `yaml:"decay_per_day"`
	MinMultiplier      float64                             `yaml:"min_multiplier"`
	MaxMultiplier      float64                             `yaml:"max_multiplier"`
	DefaultCategory    string                              `yaml:"default_category"`
	CategoryHours      map[string]float64                  `yaml:"category_hours"`
	TriggerScores      map[string]float64                  `yaml:"trigger_scores"`
	InstantTrigger     string                              `yaml:"instant_trigger"`
	NodeTypes          map[string]string                   `yaml:"node_types"`
	DefaultNodeType    string                              `yaml:"default_node_type"`
	NodeParams         map[string]workingmemory.NodeParams `yaml:"node_params"`
	DefaultNodeParams  workingmemory.NodeParams            `yaml:"default_node_params"`
	InitialStrength    float64                             `yaml:"initial_strength"`
	RestorationBonus   float64                             `yaml:"restoration_bonus"`
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	return Config{
		ServerName:          "working-memory",
		DBPath:              filepath.Join(userHomeDir(), ".working-memory", "wm.db"),
		LogLevel:            "info",
		NamespacePattern:    `^[a-zA-Z0-9_.-]+(/[a-zA-Z0-9_.-]+){0,7}$`,
		SweepSchedule:       "@hourly",
		EvaluateOnIngest:    true,
		MaxContextPackItems: 8,
		DefaultSearchK:      10,
		Policy:              defaultPolicy(),
	}
}

func defaultPolicy() Policy {
	t := workingmemory.DefaultTables()
	p := workingmemory.DefaultParams()
	scores := make(map[string]float64, len(t.TriggerScores))
	for k, v := range t.TriggerScores {
		scores[string(k)] = v
	}
	return Policy{
		PromotionThreshold: t.PromotionThreshold,
		DecayPerDay:        t.DecayPerDay,
		MinMultiplier:      t.MinMultiplier,
		MaxMultiplier:      t.MaxMultiplier,
		DefaultCategory:    t.DefaultCategory,
		CategoryHours:      t.CategoryHours,
		TriggerScores:      scores,
		InstantTrigger:     string(t.InstantTrigger),
		NodeTypes:          t.NodeTypes,
		DefaultNodeType:    t.DefaultNodeType,
		NodeParams:         p.ByType,
		DefaultNodeParams:  p.Default,
		InitialStrength:    t.InitialStrength,
		RestorationBonus:   t.RestorationBonus,
	}
}

// Load loads config from disk; if path does not exist, default config is returned.
// WM_* environment variables override file values.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config yaml: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment. Missing files are skipped and existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("WM_DB_PATH"); ok && v != "" {
		c.DBPath = v
	}
	if v, ok := lookup("WM_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup("WM_HTTP_ADDR"); ok {
		c.HTTPAddr = v
	}
	if v, ok := lookup("WM_SWEEP_SCHEDULE"); ok && v != "" {
		c.SweepSchedule = v
	}
	if v, ok := lookup("WM_EVALUATE_ON_INGEST"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WM_EVALUATE_ON_INGEST: %w", err)
		}
		c.EvaluateOnIngest = b
	}
	return nil
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if c.SweepSchedule == "" {
		return errors.New("sweep_schedule must not be empty")
	}
	if c.MaxContextPackItems <= 0 {
		return errors.New("max_context_pack_items must be > 0")
	}
	if c.DefaultSearchK <= 0 {
		return errors.New("default_search_k must be > 0")
	}
	if _, err := regexp.Compile(c.NamespacePattern); err != nil {
		return fmt.Errorf("invalid namespace_pattern: %w", err)
	}
	if err := c.Tables().Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	return nil
}

// Tables converts the policy section into engine tables.
func (c Config) Tables() workingmemory.Tables {
	scores := make(map[types.TriggerType]float64, len(c.Policy.TriggerScores))
	for k, v := range c.Policy.TriggerScores {
		scores[types.TriggerType(k)] = v
	}
	return workingmemory.Tables{
		PromotionThreshold: c.Policy.PromotionThreshold,
		DecayPerDay:        c.Policy.DecayPerDay,
		MinMultiplier:      c.Policy.MinMultiplier,
		MaxMultiplier:      c.Policy.MaxMultiplier,
		DefaultCategory:    c.Policy.DefaultCategory,
		CategoryHours:      c.Policy.CategoryHours,
		TriggerScores:      scores,
		InstantTrigger:     types.TriggerType(c.Policy.InstantTrigger),
		NodeTypes:          c.Policy.NodeTypes,
		DefaultNodeType:    c.Policy.DefaultNodeType,
		InitialStrength:    c.Policy.InitialStrength,
		RestorationBonus:   c.Policy.RestorationBonus,
	}
}

// Params returns the node parameter provider described by the policy section.
func (c Config) Params() workingmemory.StaticParams {
	return workingmemory.StaticParams{
		ByType:  c.Policy.NodeParams,
		Default: c.Policy.DefaultNodeParams,
	}
}

// EnsurePaths creates parent directories for config-managed paths.
func (c *Config) EnsurePaths() error {
	c.DBPath = ExpandPath(c.DBPath)
	parent := filepath.Dir(c.DBPath)
	if parent == "." {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create db parent dir: %w", err)
	}
	return nil
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
