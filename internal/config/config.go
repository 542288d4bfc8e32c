// Package config loads the orchestrator configuration: a YAML file for
// the structured parts (instances, planning) with environment overrides
// for deployment-specific endpoints.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"renderflow/internal/models"
)

type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

type Config struct {
	Service   ServiceConfig               `yaml:"service"`
	Planner   PlannerConfig               `yaml:"planner"`
	Execution ExecutionConfig             `yaml:"execution"`
	Instances []models.InstanceDescriptor `yaml:"instances"`
	Redis     RedisConfig                 `yaml:"redis"`
	Postgres  PostgresConfig              `yaml:"postgres"`
	Storage   StorageConfig               `yaml:"storage"`
}

type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	HTTPAddr  string `yaml:"http_addr"`
}

type PlannerConfig struct {
	ChunkSize     int `yaml:"chunk_size"`
	OverlapOffset int `yaml:"overlap_offset"`
	// FeedbackOffset 0 means auto: 2 for two-stage runs, 1 otherwise.
	FeedbackOffset int `yaml:"feedback_offset"`
}

type ExecutionConfig struct {
	Mode                ExecutionMode `yaml:"mode"`
	MaxRetries          int           `yaml:"max_retries"`
	JobTimeout          Duration      `yaml:"job_timeout"`
	StitchBarrierWait   Duration      `yaml:"stitch_barrier_wait"`
	HealthCheckInterval Duration      `yaml:"health_check_interval"`
	DryRun              bool          `yaml:"dry_run"`
	HaltOnFailure       bool          `yaml:"halt_on_failure"`
}

// Duration accepts Go duration strings ("30s", "10m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	Queue    string `yaml:"queue"`
}

type PostgresConfig struct {
	URL string `yaml:"url"`
}

type StorageConfig struct {
	LocalRoot string `yaml:"local_root"`
}

// Load reads the YAML file, applies environment overrides and validates.
// An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "renderflow",
			LogLevel:  "info",
			LogFormat: "console",
			HTTPAddr:  ":8080",
		},
		Planner: PlannerConfig{
			ChunkSize:     101,
			OverlapOffset: 10,
		},
		Execution: ExecutionConfig{
			Mode:                ModeParallel,
			MaxRetries:          3,
			JobTimeout:          Duration(30 * time.Minute),
			StitchBarrierWait:   Duration(2 * time.Hour),
			HealthCheckInterval: Duration(30 * time.Second),
			HaltOnFailure:       true,
		},
		Redis: RedisConfig{
			Addr:  "localhost:6379",
			Queue: "renderflow:runs",
		},
		Storage: StorageConfig{
			LocalRoot: "./data/artifacts",
		},
	}
}

func (c *Config) applyEnv() {
	if v := env("LOG_LEVEL"); v != "" {
		c.Service.LogLevel = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		c.Service.LogFormat = v
	}
	if v := env("HTTP_ADDR"); v != "" {
		c.Service.HTTPAddr = v
	}
	if v := env("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := env("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := env("DATABASE_URL"); v != "" {
		c.Postgres.URL = v
	}
	if v := env("STORAGE_LOCAL_ROOT"); v != "" {
		c.Storage.LocalRoot = v
	}
}

func (c *Config) Validate() error {
	if c.Planner.ChunkSize < 1 {
		return fmt.Errorf("planner.chunk_size must be positive, got %d", c.Planner.ChunkSize)
	}
	if c.Planner.OverlapOffset < 0 || c.Planner.OverlapOffset >= c.Planner.ChunkSize {
		return fmt.Errorf("planner.overlap_offset %d out of range for chunk_size %d",
			c.Planner.OverlapOffset, c.Planner.ChunkSize)
	}
	if c.Planner.FeedbackOffset < 0 {
		return fmt.Errorf("planner.feedback_offset must not be negative")
	}
	if c.Execution.Mode != ModeSequential && c.Execution.Mode != ModeParallel {
		return fmt.Errorf("execution.mode must be sequential or parallel, got %q", c.Execution.Mode)
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries must not be negative")
	}

	seen := map[string]bool{}
	for i, inst := range c.Instances {
		if inst.ID == "" {
			return fmt.Errorf("instances[%d]: id is required", i)
		}
		if seen[inst.ID] {
			return fmt.Errorf("instances[%d]: duplicate id %q", i, inst.ID)
		}
		seen[inst.ID] = true
		if inst.Host == "" || inst.Port == 0 {
			return fmt.Errorf("instance %s: host and port are required", inst.ID)
		}
		if len(inst.AcceptedStages) == 0 {
			return fmt.Errorf("instance %s: accepted_stages is empty", inst.ID)
		}
		for _, s := range inst.AcceptedStages {
			switch s {
			case models.StageCoarse, models.StageRefine, models.StageStitch:
			default:
				return fmt.Errorf("instance %s: unknown stage %q", inst.ID, s)
			}
		}
	}
	return nil
}

// FeedbackOffsetFor resolves the configured offset for a run.
func (c *Config) FeedbackOffsetFor(twoStage bool) int {
	if c.Planner.FeedbackOffset > 0 {
		return c.Planner.FeedbackOffset
	}
	if twoStage {
		return 2
	}
	return 1
}

func env(k string) string {
	return strings.TrimSpace(os.Getenv(k))
}
