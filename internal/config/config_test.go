package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"renderflow/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults when no file", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Planner.ChunkSize != 101 || cfg.Planner.OverlapOffset != 10 {
			t.Errorf("planner defaults = %+v", cfg.Planner)
		}
		if cfg.Execution.Mode != ModeParallel {
			t.Errorf("default mode = %s, want parallel", cfg.Execution.Mode)
		}
		if !cfg.Execution.HaltOnFailure {
			t.Error("halt_on_failure should default to true")
		}
	})

	t.Run("yaml file", func(t *testing.T) {
		path := writeConfig(t, `
service:
  log_level: debug
planner:
  chunk_size: 61
  overlap_offset: 4
execution:
  mode: sequential
  max_retries: 5
  job_timeout: 10m
instances:
  - id: gpu-a
    host: 10.0.0.5
    port: 8188
    accepted_stages: [COARSE, REFINE, STITCH]
    max_concurrent: 1
    enabled: true
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Planner.ChunkSize != 61 {
			t.Errorf("chunk_size = %d, want 61", cfg.Planner.ChunkSize)
		}
		if cfg.Execution.JobTimeout.Std() != 10*time.Minute {
			t.Errorf("job_timeout = %s, want 10m", cfg.Execution.JobTimeout.Std())
		}
		if len(cfg.Instances) != 1 || !cfg.Instances[0].Accepts(models.StageStitch) {
			t.Errorf("instances = %+v", cfg.Instances)
		}
	})

	t.Run("env overrides file", func(t *testing.T) {
		t.Setenv("REDIS_ADDR", "redis.prod:6379")
		path := writeConfig(t, "redis:\n  addr: localhost:6379\n")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Redis.Addr != "redis.prod:6379" {
			t.Errorf("redis addr = %s, want env override", cfg.Redis.Addr)
		}
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"overlap too large", "planner:\n  chunk_size: 10\n  overlap_offset: 10\n"},
		{"bad mode", "execution:\n  mode: turbo\n"},
		{"instance without stages", "instances:\n  - id: gpu-a\n    host: h\n    port: 1\n"},
		{"duplicate instance id", `
instances:
  - id: gpu-a
    host: h
    port: 1
    accepted_stages: [REFINE]
  - id: gpu-a
    host: h
    port: 2
    accepted_stages: [REFINE]
`},
		{"unknown stage", "instances:\n  - id: gpu-a\n    host: h\n    port: 1\n    accepted_stages: [TURBO]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Fatal("Load succeeded, want validation error")
			}
		})
	}
}

func TestFeedbackOffsetFor(t *testing.T) {
	cfg := defaults()
	if got := cfg.FeedbackOffsetFor(true); got != 2 {
		t.Errorf("two-stage auto offset = %d, want 2", got)
	}
	if got := cfg.FeedbackOffsetFor(false); got != 1 {
		t.Errorf("single-stage auto offset = %d, want 1", got)
	}
	cfg.Planner.FeedbackOffset = 3
	if got := cfg.FeedbackOffsetFor(true); got != 3 {
		t.Errorf("explicit offset = %d, want 3", got)
	}
}
