// Package config loads server settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	uberconfig "go.uber.org/config"
	"go.uber.org/multierr"

	"sensei/internal/process"
)

// Config holds server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Artifacts ArtifactConfig  `yaml:"artifacts"`
	Limits    LimitsConfig    `yaml:"limits"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Log       LogConfig       `yaml:"log"`

	// HintsFile and ExplainRulesFile replace the built-in rule tables.
	HintsFile        string `yaml:"hintsFile"`
	ExplainRulesFile string `yaml:"explainRulesFile"`

	// Toolchains are added to (or override) the built-in ones.
	Toolchains []process.Toolchain `yaml:"toolchains"`
}

type ServerConfig struct {
	Port                   int    `yaml:"port"`
	StaticDir              string `yaml:"staticDir"`
	ReadTimeoutSeconds     int    `yaml:"readTimeoutSeconds"`
	ShutdownTimeoutSeconds int    `yaml:"shutdownTimeoutSeconds"`
}

type SessionConfig struct {
	MaxSessions           int `yaml:"maxSessions"`
	RunTimeoutSeconds     int `yaml:"runTimeoutSeconds"`
	CompileTimeoutSeconds int `yaml:"compileTimeoutSeconds"`
	PollIntervalMillis    int `yaml:"pollIntervalMillis"`
	InputBuffer           int `yaml:"inputBuffer"`
}

type ArtifactConfig struct {
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
}

type LimitsConfig struct {
	MaxSourceBytes int `yaml:"maxSourceBytes"`
	MaxLineBytes   int `yaml:"maxLineBytes"`
}

type RateLimitConfig struct {
	GlobalRPS              float64 `yaml:"globalRps"`
	GlobalBurst            int     `yaml:"globalBurst"`
	PerIPRPS               float64 `yaml:"perIpRps"`
	PerIPBurst             int     `yaml:"perIpBurst"`
	CleanupIntervalSeconds int     `yaml:"cleanupIntervalSeconds"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" | "json"
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:                   8420,
			ReadTimeoutSeconds:     15,
			ShutdownTimeoutSeconds: 10,
		},
		Session: SessionConfig{
			MaxSessions:           16,
			RunTimeoutSeconds:     10,
			CompileTimeoutSeconds: 30,
			PollIntervalMillis:    100,
			InputBuffer:           256,
		},
		Artifacts: ArtifactConfig{
			Dir:    filepath.Join(os.TempDir(), "sensei"),
			Prefix: "sensei_",
		},
		Limits: LimitsConfig{
			MaxSourceBytes: 64 << 10,
			MaxLineBytes:   4 << 10,
		},
		RateLimit: RateLimitConfig{
			GlobalRPS:              50,
			PerIPRPS:               2,
			PerIPBurst:             5,
			CleanupIntervalSeconds: 300,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any, with ${VAR} expansion), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		provider, err := uberconfig.NewYAML(uberconfig.File(path), uberconfig.Expand(os.LookupEnv))
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Populate(provider, &cfg); err != nil {
			return Config{}, err
		}
	}
	ApplyEnv(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Populate overlays the provider's values onto cfg.
func Populate(p uberconfig.Provider, cfg *Config) error {
	if err := p.Get(uberconfig.Root).Populate(cfg); err != nil {
		return fmt.Errorf("populate config: %w", err)
	}
	return nil
}

// ApplyEnv applies environment overrides. Unparseable numbers are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	num("PORT", &cfg.Server.Port)
	str("STATIC_DIR", &cfg.Server.StaticDir)
	num("MAX_SESSIONS", &cfg.Session.MaxSessions)
	num("RUN_TIMEOUT_SECONDS", &cfg.Session.RunTimeoutSeconds)
	num("COMPILE_TIMEOUT_SECONDS", &cfg.Session.CompileTimeoutSeconds)
	str("WORK_DIR", &cfg.Artifacts.Dir)
	num("MAX_SOURCE_BYTES", &cfg.Limits.MaxSourceBytes)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("HINTS_FILE", &cfg.HintsFile)
	str("EXPLAIN_RULES_FILE", &cfg.ExplainRulesFile)
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var err error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Session.MaxSessions <= 0 {
		err = multierr.Append(err, fmt.Errorf("session.maxSessions must be positive"))
	}
	if c.Session.RunTimeoutSeconds <= 0 {
		err = multierr.Append(err, fmt.Errorf("session.runTimeoutSeconds must be positive"))
	}
	if c.Session.CompileTimeoutSeconds <= 0 {
		err = multierr.Append(err, fmt.Errorf("session.compileTimeoutSeconds must be positive"))
	}
	if c.Artifacts.Dir == "" {
		err = multierr.Append(err, fmt.Errorf("artifacts.dir is required"))
	}
	if c.Limits.MaxSourceBytes <= 0 || c.Limits.MaxLineBytes <= 0 {
		err = multierr.Append(err, fmt.Errorf("limits must be positive"))
	}
	if _, lerr := zerolog.ParseLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log.level: %w", lerr))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		err = multierr.Append(err, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	for i, tc := range c.Toolchains {
		if tc.ID == "" || len(tc.Compile) == 0 {
			err = multierr.Append(err, fmt.Errorf("toolchains[%d]: id and compile are required", i))
		}
	}
	return err
}

func (c SessionConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

func (c SessionConfig) CompileTimeout() time.Duration {
	return time.Duration(c.CompileTimeoutSeconds) * time.Second
}

func (c SessionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func (c RateLimitConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}
