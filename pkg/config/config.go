// Package config loads the swarmd configuration from a YAML file, an optional .env file and
// environment overrides, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/guido-cesarano/agentswarm/pkg/health"
	"github.com/guido-cesarano/agentswarm/pkg/tasks"
	"github.com/guido-cesarano/agentswarm/pkg/worker"
)

// DefaultPath is read when SWARM_CONFIG is unset.
const DefaultPath = "config/swarm.yaml"

type Config struct {
	LogLevel  string           `yaml:"log_level"`
	API       APIConfig        `yaml:"api"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Redis     RedisConfig      `yaml:"redis"`
	Queue     QueueConfig      `yaml:"queue"`
	Bus       BusConfig        `yaml:"bus"`
	Health    health.Config    `yaml:"health"`
	Workers   []worker.Config  `yaml:"workers"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

type APIConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// RedisConfig enables the result archive when Addr is set.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	ResultTTL time.Duration `yaml:"result_ttl"`
	// Embedded starts an in-process miniredis for local runs.
	Embedded bool `yaml:"embedded"`
}

type QueueConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

type BusConfig struct {
	HistorySize    int           `yaml:"history_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ScheduleConfig is a task submitted on a cron spec.
type ScheduleConfig struct {
	Spec           string `yaml:"spec"`
	Description    string `yaml:"description"`
	Type           string `yaml:"type"`
	Specialization string `yaml:"specialization"`
	Priority       string `yaml:"priority"`
}

// TaskSpec converts the schedule into the spec submitted on every tick.
func (s ScheduleConfig) TaskSpec() tasks.Spec {
	return tasks.Spec{
		Description:    s.Description,
		Type:           s.Type,
		Specialization: s.Specialization,
	}
}

func defaults() Config {
	return Config{
		LogLevel: "info",
		API: APIConfig{
			Addr: ":8081",
		},
		Metrics: MetricsConfig{
			Addr: ":8080",
		},
		Redis: RedisConfig{
			ResultTTL: 24 * time.Hour,
		},
		Queue: QueueConfig{
			MaxAttempts: tasks.DefaultMaxAttempts,
		},
		Bus: BusConfig{
			HistorySize:    1000,
			RequestTimeout: worker.DefaultRequestTimeout,
		},
		Health: health.Config{
			Interval:           health.DefaultInterval,
			MaxInactivity:      health.DefaultMaxInactivity,
			MaxRestartAttempts: health.DefaultMaxRestartAttempts,
			RestartDelay:       health.DefaultRestartDelay,
			StopTimeout:        health.DefaultStopTimeout,
		},
	}
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return defaults()
}

// Load reads the configuration from SWARM_CONFIG (or DefaultPath). A missing file is not an
// error; defaults and environment overrides still apply.
func Load() (*Config, error) {
	path := os.Getenv("SWARM_CONFIG")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile reads the configuration from path. A .env file in the working directory, if any,
// is loaded first so its variables can be referenced from the YAML.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("SWARM_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("SWARM_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SWARM_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxAttempts = n
		}
	}
}

// Validate reports the first problem found in the configuration.
func (c *Config) Validate() error {
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Bus.HistorySize < 0 {
		return fmt.Errorf("bus.history_size must not be negative, got %d", c.Bus.HistorySize)
	}

	seen := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		if w.AgentID == "" {
			return fmt.Errorf("workers[%d]: id is required", i)
		}
		if seen[w.AgentID] {
			return fmt.Errorf("workers[%d]: duplicate id %q", i, w.AgentID)
		}
		seen[w.AgentID] = true
	}

	for i, s := range c.Schedules {
		if s.Spec == "" {
			return fmt.Errorf("schedules[%d]: spec is required", i)
		}
		if s.Description == "" && s.Type == "" {
			return fmt.Errorf("schedules[%d]: description or type is required", i)
		}
		if _, err := tasks.ParsePriority(s.Priority); err != nil {
			return fmt.Errorf("schedules[%d]: %w", i, err)
		}
	}
	return nil
}
