// Package config loads state/config.toml (spec ยง3 Configuration), strict
// decoded the way internal/attractor/engine/config.go strict-decodes
// YAML/JSON: reject unknown keys, then apply defaults and validate.
package config

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Guard configures the guard command invoked after a successful executor
// iteration (spec ยง4.6/ยง4.10).
type Guard struct {
	Command []string `toml:"command"`
}

// Git configures the Git Manager's selective-commit behavior (spec ยง4.10).
type Git struct {
	IgnoreFile             string   `toml:"ignore_file"`
	CheckpointExcludeGlobs []string `toml:"checkpoint_exclude_globs"`
}

// Config is the decoded shape of state/config.toml (spec ยง3 Configuration).
type Config struct {
	MaxIterations         int   `toml:"max_iterations"`
	MaxAttemptsDefault    int   `toml:"max_attempts_default"`
	IterationTimeoutSecs  int   `toml:"iteration_timeout_secs"`
	GuardOutputLimitBytes int   `toml:"guard_output_limit_bytes"`
	PromptBudgetBytes     int   `toml:"prompt_budget_bytes"`
	Guard                 Guard `toml:"guard"`
	Git                   Git   `toml:"git"`
}

const (
	defaultIterationTimeoutSecs  = 1800
	defaultGuardOutputLimitBytes = 100 * 1024
	defaultPromptBudgetBytes     = 40 * 1024
	defaultIgnoreFile            = ".loopctl-ignore"
)

// Load reads and strict-decodes toml bytes, applies defaults, and validates
// the result (spec ยง3 Configuration).
func Load(b []byte) (*Config, error) {
	var cfg Config
	md, err := toml.NewDecoder(bytes.NewReader(b)).Decode(&cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("config: unknown keys: %s", strings.Join(keys, ", "))
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.IterationTimeoutSecs == 0 {
		cfg.IterationTimeoutSecs = defaultIterationTimeoutSecs
	}
	if cfg.GuardOutputLimitBytes == 0 {
		cfg.GuardOutputLimitBytes = defaultGuardOutputLimitBytes
	}
	if cfg.PromptBudgetBytes == 0 {
		cfg.PromptBudgetBytes = defaultPromptBudgetBytes
	}
	if strings.TrimSpace(cfg.Git.IgnoreFile) == "" {
		cfg.Git.IgnoreFile = defaultIgnoreFile
	}
}

func validate(cfg *Config) error {
	if cfg.MaxIterations <= 0 {
		return fmt.Errorf("config: max_iterations must be > 0")
	}
	if cfg.MaxAttemptsDefault <= 0 {
		return fmt.Errorf("config: max_attempts_default must be > 0")
	}
	if cfg.IterationTimeoutSecs <= 0 {
		return fmt.Errorf("config: iteration_timeout_secs must be > 0")
	}
	if cfg.GuardOutputLimitBytes <= 0 {
		return fmt.Errorf("config: guard_output_limit_bytes must be > 0")
	}
	if cfg.PromptBudgetBytes <= 0 {
		return fmt.Errorf("config: prompt_budget_bytes must be > 0")
	}
	if len(cfg.Guard.Command) == 0 {
		return fmt.Errorf("config: guard.command is required")
	}
	return nil
}
