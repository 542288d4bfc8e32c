package pool

import (
	"context"
	"testing"

	"renderflow/internal/backend"
	v0 "renderflow/internal/contracts/render/v0"
	"renderflow/internal/models"
	"renderflow/internal/pkg/errors"
)

type fakeClient struct {
	connectErr error
	healthErr  error
	executeErr error

	executed    []string
	interrupted bool
}

func (f *fakeClient) Connect(ctx context.Context) error { return f.connectErr }
func (f *fakeClient) Health(ctx context.Context) error  { return f.healthErr }
func (f *fakeClient) Execute(ctx context.Context, spec v0.RenderSpec) error {
	f.executed = append(f.executed, spec.JobID)
	return f.executeErr
}
func (f *fakeClient) Interrupt(ctx context.Context) error {
	f.interrupted = true
	return nil
}
func (f *fakeClient) Close() error { return nil }

func descriptor(id string, stages ...models.Stage) models.InstanceDescriptor {
	return models.InstanceDescriptor{
		ID:             id,
		Host:           "localhost",
		Port:           8188,
		AcceptedStages: stages,
		MaxConcurrent:  1,
		Enabled:        true,
	}
}

func poolWith(t *testing.T, clients map[string]*fakeClient, descs ...models.InstanceDescriptor) *Pool {
	t.Helper()
	return New(descs, func(d models.InstanceDescriptor) backend.Client {
		if c, ok := clients[d.ID]; ok {
			return c
		}
		c := &fakeClient{}
		clients[d.ID] = c
		return c
	}, nil)
}

func TestConnectAll(t *testing.T) {
	t.Run("partial connectivity is tolerated", func(t *testing.T) {
		clients := map[string]*fakeClient{
			"gpu-b": {connectErr: errors.Connection("gpu-b", context.DeadlineExceeded)},
		}
		p := poolWith(t, clients,
			descriptor("gpu-a", models.StageCoarse, models.StageRefine),
			descriptor("gpu-b", models.StageRefine),
		)

		if err := p.ConnectAll(context.Background()); err != nil {
			t.Fatalf("ConnectAll: %v", err)
		}
		snap := p.Snapshot()
		if snap[0].Status != models.InstanceIdle {
			t.Errorf("gpu-a status = %s, want IDLE", snap[0].Status)
		}
		if snap[1].Status != models.InstanceError {
			t.Errorf("gpu-b status = %s, want ERROR", snap[1].Status)
		}
	})

	t.Run("all instances down is fatal", func(t *testing.T) {
		clients := map[string]*fakeClient{
			"gpu-a": {connectErr: errors.Connection("gpu-a", context.DeadlineExceeded)},
		}
		p := poolWith(t, clients, descriptor("gpu-a", models.StageCoarse))

		err := p.ConnectAll(context.Background())
		if !errors.IsCode(err, errors.CodeConnection) {
			t.Fatalf("ConnectAll error = %v, want code %s", err, errors.CodeConnection)
		}
	})

	t.Run("disabled instances are skipped", func(t *testing.T) {
		clients := map[string]*fakeClient{}
		off := descriptor("gpu-b", models.StageRefine)
		off.Enabled = false
		p := poolWith(t, clients, descriptor("gpu-a", models.StageCoarse), off)

		if err := p.ConnectAll(context.Background()); err != nil {
			t.Fatalf("ConnectAll: %v", err)
		}
		if got := p.Snapshot()[1].Status; got != models.InstanceDisconnected {
			t.Errorf("disabled instance status = %s, want DISCONNECTED", got)
		}
	})
}

func TestSelectInstance(t *testing.T) {
	clients := map[string]*fakeClient{}
	p := poolWith(t, clients,
		descriptor("gpu-a", models.StageCoarse),
		descriptor("gpu-b", models.StageRefine),
	)
	if err := p.ConnectAll(context.Background()); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}

	if id := p.SelectInstance(models.StageRefine); id != "gpu-b" {
		t.Errorf("SelectInstance(REFINE) = %q, want gpu-b", id)
	}
	if id := p.SelectInstance(models.StageStitch); id != "" {
		t.Errorf("SelectInstance(STITCH) = %q, want none", id)
	}
}

func TestExecuteStatusTransitions(t *testing.T) {
	t.Run("success returns instance to idle", func(t *testing.T) {
		clients := map[string]*fakeClient{}
		p := poolWith(t, clients, descriptor("gpu-a", models.StageRefine))
		p.ConnectAll(context.Background())

		if err := p.Execute(context.Background(), "gpu-a", v0.RenderSpec{JobID: "j1"}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if got := p.Snapshot()[0].Status; got != models.InstanceIdle {
			t.Errorf("status after success = %s, want IDLE", got)
		}
		if got := clients["gpu-a"].executed; len(got) != 1 || got[0] != "j1" {
			t.Errorf("executed jobs = %v, want [j1]", got)
		}
	})

	t.Run("connection error parks instance in ERROR", func(t *testing.T) {
		clients := map[string]*fakeClient{
			"gpu-a": {executeErr: errors.Connection("gpu-a", context.DeadlineExceeded)},
		}
		p := poolWith(t, clients, descriptor("gpu-a", models.StageRefine))
		p.ConnectAll(context.Background())

		if err := p.Execute(context.Background(), "gpu-a", v0.RenderSpec{JobID: "j1"}); err == nil {
			t.Fatal("Execute returned nil, want connection error")
		}
		if got := p.Snapshot()[0].Status; got != models.InstanceError {
			t.Errorf("status after connection loss = %s, want ERROR", got)
		}
	})

	t.Run("execution error keeps instance usable", func(t *testing.T) {
		clients := map[string]*fakeClient{
			"gpu-a": {executeErr: errors.Execution("j1", context.Canceled)},
		}
		p := poolWith(t, clients, descriptor("gpu-a", models.StageRefine))
		p.ConnectAll(context.Background())

		if err := p.Execute(context.Background(), "gpu-a", v0.RenderSpec{JobID: "j1"}); err == nil {
			t.Fatal("Execute returned nil, want execution error")
		}
		if got := p.Snapshot()[0].Status; got != models.InstanceIdle {
			t.Errorf("status after job failure = %s, want IDLE", got)
		}
	})
}

func TestHealthCheckThreshold(t *testing.T) {
	clients := map[string]*fakeClient{}
	p := poolWith(t, clients, descriptor("gpu-a", models.StageRefine))
	p.ConnectAll(context.Background())

	fc := clients["gpu-a"]
	fc.healthErr = errors.Connection("gpu-a", context.DeadlineExceeded)

	p.HealthCheck(context.Background())
	if got := p.Snapshot()[0].Status; got != models.InstanceIdle {
		t.Fatalf("status after one failed probe = %s, want IDLE", got)
	}

	p.HealthCheck(context.Background())
	if got := p.Snapshot()[0].Status; got != models.InstanceError {
		t.Fatalf("status after two failed probes = %s, want ERROR", got)
	}

	fc.healthErr = nil
	p.HealthCheck(context.Background())
	if got := p.Snapshot()[0].Status; got != models.InstanceIdle {
		t.Fatalf("status after recovery probe = %s, want IDLE", got)
	}
}

func TestReconnect(t *testing.T) {
	clients := map[string]*fakeClient{
		"gpu-a": {connectErr: errors.Connection("gpu-a", context.DeadlineExceeded)},
	}
	p := poolWith(t, clients, descriptor("gpu-a", models.StageRefine))
	p.ConnectAll(context.Background())

	if got := p.Snapshot()[0].Status; got != models.InstanceError {
		t.Fatalf("status before reconnect = %s, want ERROR", got)
	}

	clients["gpu-a"].connectErr = nil
	if err := p.Reconnect(context.Background(), "gpu-a"); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if got := p.Snapshot()[0].Status; got != models.InstanceIdle {
		t.Fatalf("status after reconnect = %s, want IDLE", got)
	}
}
