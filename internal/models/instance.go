package models

import "fmt"

// InstanceStatus is the connection state of a backend instance.
type InstanceStatus string

const (
	InstanceIdle         InstanceStatus = "IDLE"
	InstanceBusy         InstanceStatus = "BUSY"
	InstanceConnecting   InstanceStatus = "CONNECTING"
	InstanceDisconnected InstanceStatus = "DISCONNECTED"
	InstanceError        InstanceStatus = "ERROR"
)

// InstanceDescriptor describes one remote rendering backend. Built from
// static configuration at startup, mutated by the pool, never persisted.
type InstanceDescriptor struct {
	ID             string         `json:"id" yaml:"id"`
	Host           string         `json:"host" yaml:"host"`
	Port           int            `json:"port" yaml:"port"`
	AcceptedStages []Stage        `json:"accepted_stages" yaml:"accepted_stages"`
	MaxConcurrent  int            `json:"max_concurrent" yaml:"max_concurrent"`
	Enabled        bool           `json:"enabled" yaml:"enabled"`
	Status         InstanceStatus `json:"status" yaml:"-"`
}

// Address returns the host:port pair for the instance.
func (d *InstanceDescriptor) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Accepts reports whether the instance is configured for the given stage.
func (d *InstanceDescriptor) Accepts(stage Stage) bool {
	for _, s := range d.AcceptedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// InstanceMetrics tracks per-instance execution counters.
type InstanceMetrics struct {
	InstanceID     string  `json:"instance_id"`
	JobsCompleted  int     `json:"jobs_completed"`
	JobsFailed     int     `json:"jobs_failed"`
	TotalExecMs    int64   `json:"total_exec_ms"`
	AvgExecMs      int64   `json:"avg_exec_ms"`
	LastJobUnixSec int64   `json:"last_job_unix_sec,omitempty"`
}

// RecordCompletion folds one finished job into the counters.
func (m *InstanceMetrics) RecordCompletion(execMs int64, success bool) {
	if success {
		m.JobsCompleted++
		m.TotalExecMs += execMs
		m.AvgExecMs = m.TotalExecMs / int64(m.JobsCompleted)
	} else {
		m.JobsFailed++
	}
}

// SuccessRate returns the percentage of successful jobs, 100 when idle.
func (m *InstanceMetrics) SuccessRate() float64 {
	total := m.JobsCompleted + m.JobsFailed
	if total == 0 {
		return 100.0
	}
	return float64(m.JobsCompleted) / float64(total) * 100.0
}
