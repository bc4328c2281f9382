package conveyor

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ScriptedAlchemy/conveyor/internal/engine"
	"github.com/ScriptedAlchemy/conveyor/pkg/api"
	"github.com/ScriptedAlchemy/conveyor/pkg/worker"
)

// Config configures a Conveyor instance.
type Config struct {
	// Plugins is the registry of plugins workflows may reference.
	Plugins []PluginRef

	// Secrets back the {{secrets.NAME}} placeholders in plugin configs.
	// Values prefixed "env:" are read from the named environment variable
	// at construction time.
	Secrets map[string]string

	// Concurrency is the number of worker goroutines per task kind.
	Concurrency       int
	SourceQueryRetry  worker.RetryPolicy
	PipelineItemRetry worker.RetryPolicy

	// ModuleCacheDir is where fetched plugin modules are cached. Defaults
	// to a "conveyor-modules" directory under the OS temp dir.
	ModuleCacheDir string

	// ScheduleInterval is how often cron registrations are reconciled
	// against stored workflows. Defaults to 30s.
	ScheduleInterval time.Duration

	// EventBuffer is the per-subscription event channel capacity.
	EventBuffer int

	Logger *slog.Logger

	// Observer receives lifecycle callbacks in addition to the built-in
	// logging, metrics and broadcast observers.
	Observer api.Observer

	// Invoker overrides plugin process isolation; tests inject fakes here.
	Invoker engine.Invoker
}

func (c *Config) applyDefaults() {
	if c.ModuleCacheDir == "" {
		c.ModuleCacheDir = os.TempDir() + "/conveyor-modules"
	}
	if c.ScheduleInterval <= 0 {
		c.ScheduleInterval = 30 * time.Second
	}
}

func (c *Config) registry() (map[string]api.PluginRef, error) {
	registry := make(map[string]api.PluginRef, len(c.Plugins))
	for _, ref := range c.Plugins {
		if ref.ID == "" {
			return nil, fmt.Errorf("plugin registry entry has no id")
		}
		if _, dup := registry[ref.ID]; dup {
			return nil, fmt.Errorf("duplicate plugin id %q in registry", ref.ID)
		}
		registry[ref.ID] = ref
	}
	return registry, nil
}

func (c *Config) resolveSecrets() (map[string]string, error) {
	resolved := make(map[string]string, len(c.Secrets))
	for name, value := range c.Secrets {
		if env, ok := strings.CutPrefix(value, "env:"); ok {
			v, set := os.LookupEnv(env)
			if !set {
				return nil, fmt.Errorf("secret %s: environment variable %s is not set", name, env)
			}
			resolved[name] = v
			continue
		}
		resolved[name] = value
	}
	return resolved, nil
}

// fileConfig is the YAML shape of a config file. Durations are strings in
// time.ParseDuration syntax.
type fileConfig struct {
	Plugins []struct {
		ID        string `yaml:"id"`
		ModuleURL string `yaml:"moduleUrl"`
	} `yaml:"plugins"`
	Secrets map[string]string `yaml:"secrets"`

	Worker struct {
		Concurrency       int             `yaml:"concurrency"`
		SourceQueryRetry  fileRetryPolicy `yaml:"sourceQueryRetry"`
		PipelineItemRetry fileRetryPolicy `yaml:"pipelineItemRetry"`
	} `yaml:"worker"`

	ModuleCacheDir   string `yaml:"moduleCacheDir"`
	ScheduleInterval string `yaml:"scheduleInterval"`
	EventBuffer      int    `yaml:"eventBuffer"`
}

type fileRetryPolicy struct {
	MaxAttempts       int     `yaml:"maxAttempts"`
	InitialBackoff    string  `yaml:"initialBackoff"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
	MaxBackoff        string  `yaml:"maxBackoff"`
}

func (p fileRetryPolicy) toPolicy() (worker.RetryPolicy, error) {
	out := worker.RetryPolicy{
		MaxAttempts:       p.MaxAttempts,
		BackoffMultiplier: p.BackoffMultiplier,
	}
	var err error
	if out.InitialBackoff, err = parseDuration(p.InitialBackoff); err != nil {
		return out, fmt.Errorf("initialBackoff: %w", err)
	}
	if out.MaxBackoff, err = parseDuration(p.MaxBackoff); err != nil {
		return out, fmt.Errorf("maxBackoff: %w", err)
	}
	return out, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// LoadConfig reads a YAML config file into a Config. Fields the file leaves
// out keep their zero values and fall back to defaults at construction.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	for _, p := range fc.Plugins {
		cfg.Plugins = append(cfg.Plugins, PluginRef{ID: p.ID, ModuleURL: p.ModuleURL})
	}
	cfg.Secrets = fc.Secrets
	cfg.Concurrency = fc.Worker.Concurrency
	cfg.ModuleCacheDir = fc.ModuleCacheDir
	cfg.EventBuffer = fc.EventBuffer

	if cfg.SourceQueryRetry, err = fc.Worker.SourceQueryRetry.toPolicy(); err != nil {
		return cfg, fmt.Errorf("worker.sourceQueryRetry: %w", err)
	}
	if cfg.PipelineItemRetry, err = fc.Worker.PipelineItemRetry.toPolicy(); err != nil {
		return cfg, fmt.Errorf("worker.pipelineItemRetry: %w", err)
	}
	if cfg.ScheduleInterval, err = parseDuration(fc.ScheduleInterval); err != nil {
		return cfg, fmt.Errorf("scheduleInterval: %w", err)
	}
	return cfg, nil
}
