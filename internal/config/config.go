// Package config loads the coordination core's configuration from YAML
// files and environment variables: a yaml.v3-based load/normalize/
// apply-env-overrides/Fingerprint pipeline, pointed at this domain's
// settings (autonomy level, agent/worktree/token limits, database path)
// instead of LLM-provider and channel configuration.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every setting the coordination core reads at startup.
// Zero values are filled in by normalize; Verbose/ConsoleOutput/
// NotificationsEnabled/BackupEnabled default to their field's Go zero
// value (false) unless a file or env var sets them explicitly.
type Config struct {
	HomeDir string `yaml:"-"` // the project root config files were loaded relative to

	Verbose              bool   `yaml:"verbose"`
	AutonomyLevel        string `yaml:"autonomy_level"`
	MaxAgents            int    `yaml:"max_agents"`
	MaxWorktrees         int    `yaml:"max_worktrees"`
	TokenBudget          int    `yaml:"token_budget"`
	LogLevel             string `yaml:"log_level"`
	LogFile              string `yaml:"log_file"`
	ConsoleOutput        bool   `yaml:"console_output"`
	NotificationsEnabled bool   `yaml:"notifications_enabled"`
	DatabasePath         string `yaml:"database_path"`
	BackupEnabled        bool   `yaml:"backup_enabled"`

	OtelEnabled     bool    `yaml:"otel_enabled"`
	OtelExporter    string  `yaml:"otel_exporter"` // "otlp-http", "stdout", or "none"
	OtelSampleRate  float64 `yaml:"otel_sample_rate"`

	NeedsGenesis bool `yaml:"-"`
}

const (
	projectConfigRelPath = ".apm-auto/config.yml"
	defaultStateDBPath   = "./.apm-auto/state.db"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func defaultConfig() Config {
	return Config{
		AutonomyLevel:  "supervised",
		MaxAgents:      20,
		MaxWorktrees:   10,
		TokenBudget:    100_000,
		LogLevel:       "info",
		ConsoleOutput:  true,
		DatabasePath:   defaultStateDBPath,
		OtelExporter:   "otlp-http",
		OtelSampleRate: 1.0,
	}
}

// HomeDir resolves the project directory configuration is rooted under:
// the current working directory, unless APM_AUTO_HOME overrides it.
func HomeDir() string {
	if override := os.Getenv("APM_AUTO_HOME"); override != "" {
		return override
	}
	dir, err := os.Getwd()
	if err != nil || dir == "" {
		return "."
	}
	return dir
}

// GlobalConfigDir returns the user's global config directory (~/.apm-auto).
func GlobalConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve user home: %w", err)
	}
	return filepath.Join(home, ".apm-auto"), nil
}

// Load reads the global config file, then the project config file, deep-
// merging objects and replacing arrays wholesale, then overlays env var
// overrides. Precedence: env > project config file > global config file >
// defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	globalDir, err := GlobalConfigDir()
	if err != nil {
		return cfg, err
	}

	globalRaw, err := loadRawConfig(filepath.Join(globalDir, "config.yml"))
	if err != nil {
		return cfg, err
	}
	projectRaw, err := loadRawConfig(filepath.Join(cfg.HomeDir, projectConfigRelPath))
	if err != nil {
		return cfg, err
	}
	if len(globalRaw) == 0 && len(projectRaw) == 0 {
		cfg.NeedsGenesis = true
	}

	merged := deepMerge(globalRaw, projectRaw)
	if len(merged) > 0 {
		out, err := yaml.Marshal(merged)
		if err != nil {
			return cfg, fmt.Errorf("config: remarshal merged config: %w", err)
		}
		if err := yaml.Unmarshal(out, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse merged config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadRawConfig(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	raw := make(map[string]any)
	if len(data) == 0 {
		return raw, nil
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return raw, nil
}

// deepMerge combines base and override: maps merge key by key recursively,
// everything else (including slices) is replaced wholesale by override's
// value when present.
func deepMerge(base, override map[string]any) map[string]any {
	if base == nil && override == nil {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		baseVal, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		baseMap, baseIsMap := baseVal.(map[string]any)
		overrideMap, overrideIsMap := v.(map[string]any)
		if baseIsMap && overrideIsMap {
			out[k] = deepMerge(baseMap, overrideMap)
			continue
		}
		out[k] = v
	}
	return out
}

func normalize(cfg *Config) {
	if cfg.AutonomyLevel == "" {
		cfg.AutonomyLevel = "supervised"
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 20
	}
	if cfg.MaxWorktrees <= 0 {
		cfg.MaxWorktrees = 10
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 100_000
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaultStateDBPath
	}
	if cfg.OtelExporter == "" {
		cfg.OtelExporter = "otlp-http"
	}
	if cfg.OtelSampleRate <= 0 {
		cfg.OtelSampleRate = 1.0
	}
}

// validate enforces the bounded-range rules: max_agents <= 100,
// max_worktrees <= 50, token_budget >= 1000, log_level in the fixed set.
func validate(cfg *Config) error {
	if cfg.MaxAgents > 100 {
		return fmt.Errorf("config: max_agents (%d) exceeds the limit of 100", cfg.MaxAgents)
	}
	if cfg.MaxWorktrees > 50 {
		return fmt.Errorf("config: max_worktrees (%d) exceeds the limit of 50", cfg.MaxWorktrees)
	}
	if cfg.TokenBudget < 1000 {
		return fmt.Errorf("config: token_budget (%d) is below the minimum of 1000", cfg.TokenBudget)
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("config: log_level %q must be one of debug, info, warn, error", cfg.LogLevel)
	}
	return nil
}

// parseEnvBool accepts true|1|yes / false|0|no, case-insensitive, per the
// external interface's boolean env var contract.
func parseEnvBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	default:
		return false, false
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw, ok := os.LookupEnv("APM_AUTO_VERBOSE"); ok {
		if v, ok := parseEnvBool(raw); ok {
			cfg.Verbose = v
		}
	}
	if raw := os.Getenv("APM_AUTO_AUTONOMY_LEVEL"); raw != "" {
		cfg.AutonomyLevel = raw
	}
	if raw := os.Getenv("APM_AUTO_MAX_AGENTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxAgents = v
		}
	}
	if raw := os.Getenv("APM_AUTO_MAX_WORKTREES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxWorktrees = v
		}
	}
	if raw := os.Getenv("APM_AUTO_TOKEN_BUDGET"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TokenBudget = v
		}
	}
	if raw := os.Getenv("APM_AUTO_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("APM_AUTO_LOG_FILE"); raw != "" {
		cfg.LogFile = raw
	}
	if raw, ok := os.LookupEnv("APM_AUTO_CONSOLE_OUTPUT"); ok {
		if v, ok := parseEnvBool(raw); ok {
			cfg.ConsoleOutput = v
		}
	}
	if raw, ok := os.LookupEnv("APM_AUTO_NOTIFICATIONS_ENABLED"); ok {
		if v, ok := parseEnvBool(raw); ok {
			cfg.NotificationsEnabled = v
		}
	}
	if raw := os.Getenv("APM_AUTO_DATABASE_PATH"); raw != "" {
		cfg.DatabasePath = raw
	}
	if raw, ok := os.LookupEnv("APM_AUTO_BACKUP_ENABLED"); ok {
		if v, ok := parseEnvBool(raw); ok {
			cfg.BackupEnabled = v
		}
	}
	if raw, ok := os.LookupEnv("APM_AUTO_OTEL_ENABLED"); ok {
		if v, ok := parseEnvBool(raw); ok {
			cfg.OtelEnabled = v
		}
	}
	if raw := os.Getenv("APM_AUTO_OTEL_EXPORTER"); raw != "" {
		cfg.OtelExporter = raw
	}
}

// Fingerprint returns a stable hash of the settings that affect scheduling
// behaviour, for cheap drift detection between runs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "autonomy=%s|max_agents=%d|max_worktrees=%d|token_budget=%d|log=%s|db=%s",
		c.AutonomyLevel, c.MaxAgents, c.MaxWorktrees, c.TokenBudget, c.LogLevel, c.DatabasePath)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ResolvedDatabasePath joins a relative DatabasePath onto HomeDir; an
// absolute DatabasePath is returned unchanged.
func (c Config) ResolvedDatabasePath() string {
	if filepath.IsAbs(c.DatabasePath) {
		return c.DatabasePath
	}
	return filepath.Join(c.HomeDir, c.DatabasePath)
}
