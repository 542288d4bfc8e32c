// Package pool manages the set of rendering backend instances: their
// connection lifecycle, health, and exclusive execution slots.
package pool

import (
	"context"
	"sync"
	"time"

	"renderflow/internal/backend"
	v0 "renderflow/internal/contracts/render/v0"
	"renderflow/internal/models"
	"renderflow/internal/pkg/errors"
	"renderflow/internal/pkg/logger"
)

// ClientFactory builds a backend client for one instance descriptor.
type ClientFactory func(desc models.InstanceDescriptor) backend.Client

// consecutive health failures before an instance is marked ERROR
const healthFailureThreshold = 2

type member struct {
	desc   models.InstanceDescriptor
	client backend.Client

	execMu sync.Mutex // un job a la vez por instancia

	consecFails int
}

// Pool tracks every configured instance. Status transitions happen only
// here; callers observe them through Snapshot and SelectInstance.
type Pool struct {
	mu      sync.Mutex
	members map[string]*member
	order   []string // configured order, for deterministic selection
	log     *logger.Logger
}

func New(descs []models.InstanceDescriptor, factory ClientFactory, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.NewDefault()
	}
	p := &Pool{
		members: make(map[string]*member, len(descs)),
		log:     log.WithComponent("pool"),
	}
	for _, d := range descs {
		d.Status = models.InstanceDisconnected
		p.members[d.ID] = &member{desc: d, client: factory(d)}
		p.order = append(p.order, d.ID)
	}
	return p
}

// ConnectAll attempts a handshake with every enabled instance. It returns
// an error only when no instance at all came up.
func (p *Pool) ConnectAll(ctx context.Context) error {
	connected := 0
	for _, id := range p.order {
		m := p.members[id]
		if !m.desc.Enabled {
			continue
		}
		p.setStatus(id, models.InstanceConnecting)
		if err := m.client.Connect(ctx); err != nil {
			p.setStatus(id, models.InstanceError)
			p.log.Warn("instance connect failed", "instance_id", id, "error", err)
			continue
		}
		p.setStatus(id, models.InstanceIdle)
		connected++
		p.log.Info("instance connected", "instance_id", id, "address", m.desc.Address())
	}
	if connected == 0 {
		return errors.New(errors.CodeConnection, "no backend instances available")
	}
	return nil
}

// SelectInstance returns the ID of an idle, enabled instance that accepts
// the stage, or empty when none is free right now.
func (p *Pool) SelectInstance(stage models.Stage) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.order {
		m := p.members[id]
		if m.desc.Enabled && m.desc.Status == models.InstanceIdle && m.desc.Accepts(stage) {
			return id
		}
	}
	return ""
}

// Capabilities returns the stages the instance is configured for.
func (p *Pool) Capabilities(instanceID string) []models.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.members[instanceID]; ok {
		return append([]models.Stage(nil), m.desc.AcceptedStages...)
	}
	return nil
}

// Execute runs one job on the instance. The instance's execution slot is
// held for the whole call, so two jobs never overlap on one backend.
func (p *Pool) Execute(ctx context.Context, instanceID string, spec v0.RenderSpec) error {
	m := p.member(instanceID)
	if m == nil {
		return errors.Connection(instanceID, errors.New(errors.CodeNotFound, "unknown instance"))
	}

	m.execMu.Lock()
	defer m.execMu.Unlock()

	p.setStatus(instanceID, models.InstanceBusy)
	start := time.Now()
	err := m.client.Execute(ctx, spec)
	elapsed := time.Since(start)

	if err != nil {
		if errors.IsCode(err, errors.CodeConnection) {
			p.setStatus(instanceID, models.InstanceError)
		} else {
			p.setStatus(instanceID, models.InstanceIdle)
		}
		p.log.Warn("job execution failed",
			"instance_id", instanceID,
			"job_id", spec.JobID,
			"elapsed", elapsed.Round(time.Millisecond),
			"error", err,
		)
		return err
	}

	p.setStatus(instanceID, models.InstanceIdle)
	p.log.Debug("job executed",
		"instance_id", instanceID,
		"job_id", spec.JobID,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return nil
}

// HealthCheck probes every connected instance once. Two consecutive
// failures park an instance in ERROR until a probe succeeds again.
func (p *Pool) HealthCheck(ctx context.Context) {
	for _, id := range p.order {
		m := p.members[id]
		p.mu.Lock()
		status := m.desc.Status
		p.mu.Unlock()
		if !m.desc.Enabled || status == models.InstanceDisconnected || status == models.InstanceBusy {
			continue
		}

		err := m.client.Health(ctx)
		p.mu.Lock()
		if err != nil {
			m.consecFails++
			if m.consecFails >= healthFailureThreshold && m.desc.Status != models.InstanceError {
				m.desc.Status = models.InstanceError
				p.log.Warn("instance unhealthy, taken out of rotation",
					"instance_id", id,
					"consecutive_failures", m.consecFails,
				)
			}
		} else {
			if m.desc.Status == models.InstanceError {
				m.desc.Status = models.InstanceIdle
				p.log.Info("instance recovered", "instance_id", id)
			}
			m.consecFails = 0
		}
		p.mu.Unlock()
	}
}

// Reconnect re-runs the handshake for one instance.
func (p *Pool) Reconnect(ctx context.Context, instanceID string) error {
	m := p.member(instanceID)
	if m == nil {
		return errors.Connection(instanceID, errors.New(errors.CodeNotFound, "unknown instance"))
	}
	p.setStatus(instanceID, models.InstanceConnecting)
	if err := m.client.Connect(ctx); err != nil {
		p.setStatus(instanceID, models.InstanceError)
		return err
	}
	p.mu.Lock()
	m.consecFails = 0
	m.desc.Status = models.InstanceIdle
	p.mu.Unlock()
	return nil
}

// InterruptAll asks every busy instance to abort its current job.
func (p *Pool) InterruptAll(ctx context.Context) {
	for _, id := range p.order {
		m := p.members[id]
		p.mu.Lock()
		busy := m.desc.Status == models.InstanceBusy
		p.mu.Unlock()
		if !busy {
			continue
		}
		if err := m.client.Interrupt(ctx); err != nil {
			p.log.Warn("interrupt failed", "instance_id", id, "error", err)
		}
	}
}

// Close disconnects every instance.
func (p *Pool) Close() {
	for _, id := range p.order {
		m := p.members[id]
		if err := m.client.Close(); err != nil {
			p.log.Warn("close failed", "instance_id", id, "error", err)
		}
		p.setStatus(id, models.InstanceDisconnected)
	}
}

// Status reports one instance's current status.
func (p *Pool) Status(instanceID string) models.InstanceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.members[instanceID]; ok {
		return m.desc.Status
	}
	return models.InstanceDisconnected
}

// Snapshot returns a copy of every instance descriptor with its current
// status.
func (p *Pool) Snapshot() []models.InstanceDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.InstanceDescriptor, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.members[id].desc)
	}
	return out
}

// IDs returns the configured instance IDs in order.
func (p *Pool) IDs() []string {
	return append([]string(nil), p.order...)
}

func (p *Pool) member(id string) *member {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.members[id]
}

func (p *Pool) setStatus(id string, s models.InstanceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.members[id]; ok {
		m.desc.Status = s
	}
}
