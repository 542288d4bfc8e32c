package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	v0 "renderflow/internal/contracts/render/v0"
	"renderflow/internal/pkg/errors"
)

func testServer(t *testing.T, finalStatus string, pollsUntilDone int32) *httptest.Server {
	t.Helper()
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/render/v0", func(w http.ResponseWriter, r *http.Request) {
		var spec v0.RenderSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			t.Errorf("decoding render spec: %v", err)
		}
		if spec.JobID == "" {
			t.Error("render spec missing job_id")
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		state := v0.JobState{JobID: "job-1", Status: "running"}
		if atomic.AddInt32(&polls, 1) >= pollsUntilDone {
			state.Status = finalStatus
			if finalStatus == "failed" {
				state.Error = "boom"
			}
		}
		json.NewEncoder(w).Encode(state)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClientExecute(t *testing.T) {
	t.Run("completes after polling", func(t *testing.T) {
		srv := testServer(t, "completed", 2)
		c := NewHTTPClient("gpu-a", srv.URL, WithPollInterval(5*time.Millisecond))

		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		spec := v0.RenderSpec{JobID: "job-1", RunID: "run-1", Stage: "REFINE"}
		if err := c.Execute(context.Background(), spec); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	})

	t.Run("backend failure surfaces as execution error", func(t *testing.T) {
		srv := testServer(t, "failed", 1)
		c := NewHTTPClient("gpu-a", srv.URL, WithPollInterval(5*time.Millisecond))

		err := c.Execute(context.Background(), v0.RenderSpec{JobID: "job-1"})
		if !errors.IsCode(err, errors.CodeExecution) {
			t.Fatalf("Execute error = %v, want code %s", err, errors.CodeExecution)
		}
	})

	t.Run("context cancellation stops polling", func(t *testing.T) {
		srv := testServer(t, "completed", 1000)
		c := NewHTTPClient("gpu-a", srv.URL, WithPollInterval(5*time.Millisecond))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		if err := c.Execute(ctx, v0.RenderSpec{JobID: "job-1"}); err == nil {
			t.Fatal("Execute returned nil after context expired")
		}
	})
}

func TestHTTPClientConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient("gpu-a", srv.URL)
	err := c.Connect(context.Background())
	if !errors.IsCode(err, errors.CodeConnection) {
		t.Fatalf("Connect error = %v, want code %s", err, errors.CodeConnection)
	}
}
