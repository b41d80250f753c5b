package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"workq/pkg/api"
)

func TestStatsCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.QueueStatus{
			QueueName:       "analysis",
			MaxConcurrent:   4,
			ActiveWorkers:   1,
			PoolSize:        3,
			PendingJobs:     12,
			ProcessingJobs:  1,
			ServerLoad:      api.ServerLoad{Overloaded: true, CPU: 91.25, RAM: 40},
			DispatcherState: "PAUSED",
			Workers: []api.WorkerInfo{
				{Index: 0, WorkerID: 7, CurrentJobID: "job-1", JobCount: 2},
				{Index: 1, WorkerID: 8, Idle: true, JobCount: 5},
				{Index: 2, WorkerID: 0},
			},
		})
	}))
	defer server.Close()

	output := runCommand(t, server.URL, "stats")

	for _, want := range []string{"analysis", "PAUSED", "12", "1 busy / 3 spawned / 4 max", "91.25", "overloaded", "job-1", "idle", "starting"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestStatsCommand_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Missing authorization header", Code: "401"})
	}))
	defer server.Close()

	output := runCommand(t, server.URL, "stats")
	if !strings.Contains(output, "Request failed (401)") {
		t.Errorf("expected API error, got: %s", output)
	}
}
