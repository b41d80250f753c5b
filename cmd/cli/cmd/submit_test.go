package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"workq/pkg/api"

	"github.com/spf13/viper"
)

// Flag values persist on the shared command between Execute calls.
func resetSubmitFlags() {
	submitCmd.ResetFlags()
	addSubmitFlags(submitCmd)
}

func runSubmit(t *testing.T, serverURL string, args ...string) string {
	t.Helper()
	resetViper()
	resetSubmitFlags()
	viper.Set("url", serverURL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs(append([]string{"submit"}, args...))
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return stdout.String()
}

func captureServer(t *testing.T, got *api.EnqueueRequest) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(got)

		ids := make([]string, 0, len(got.Jobs))
		for _, job := range got.Jobs {
			ids = append(ids, job["jobId"].(string))
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(api.EnqueueResponse{JobIDs: ids, SessionID: "sess-1"})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSubmitCommand_Fields(t *testing.T) {
	var got api.EnqueueRequest
	server := captureServer(t, &got)

	output := runSubmit(t, server.URL, "--id", "job-123", "--field", "teamId=t1", "--field", "trajectoryId=tr-9")

	if len(got.Jobs) != 1 {
		t.Fatalf("expected 1 job sent, got %d", len(got.Jobs))
	}
	job := got.Jobs[0]
	if job["jobId"] != "job-123" || job["teamId"] != "t1" || job["trajectoryId"] != "tr-9" {
		t.Errorf("unexpected job sent: %v", job)
	}
	if !strings.Contains(output, "1 job(s) submitted") || !strings.Contains(output, "job-123") || !strings.Contains(output, "Session: sess-1") {
		t.Errorf("expected success message, got: %s", output)
	}
}

func TestSubmitCommand_PayloadsGetGeneratedIDs(t *testing.T) {
	var got api.EnqueueRequest
	server := captureServer(t, &got)

	output := runSubmit(t, server.URL, "--payload", `{"params":{"depth":3}}`, "--payload", `{"jobId":"b"}`)

	if len(got.Jobs) != 2 {
		t.Fatalf("expected 2 jobs sent, got %d", len(got.Jobs))
	}
	if id, _ := got.Jobs[0]["jobId"].(string); id == "" {
		t.Errorf("expected generated jobId, got %v", got.Jobs[0])
	}
	if got.Jobs[1]["jobId"] != "b" {
		t.Errorf("expected explicit jobId kept, got %v", got.Jobs[1])
	}
	if !strings.Contains(output, "2 job(s) submitted") {
		t.Errorf("expected success message, got: %s", output)
	}
}

func TestSubmitCommand_File(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"list", "- jobId: a\n  teamId: t1\n- jobId: b\n"},
		{"jobs document", "jobs:\n  - jobId: a\n    teamId: t1\n  - jobId: b\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "jobs.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}

			var got api.EnqueueRequest
			server := captureServer(t, &got)
			runSubmit(t, server.URL, "--file", path)

			if len(got.Jobs) != 2 {
				t.Fatalf("expected 2 jobs sent, got %d", len(got.Jobs))
			}
			if got.Jobs[0]["jobId"] != "a" || got.Jobs[0]["teamId"] != "t1" || got.Jobs[1]["jobId"] != "b" {
				t.Errorf("unexpected jobs sent: %v", got.Jobs)
			}
		})
	}
}

func TestSubmitCommand_NoJobs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called when validation fails")
	}))
	defer server.Close()

	output := runSubmit(t, server.URL)
	if !strings.Contains(output, "no jobs given") {
		t.Errorf("expected validation error, got: %s", output)
	}
}

func TestSubmitCommand_InvalidPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called when validation fails")
	}))
	defer server.Close()

	output := runSubmit(t, server.URL, "--payload", "not-json")
	if !strings.Contains(output, "payload 1 is not a JSON object") {
		t.Errorf("expected payload error, got: %s", output)
	}
}

func TestSubmitCommand_ServerRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Queue is shutting down", Code: "503"})
	}))
	defer server.Close()

	output := runSubmit(t, server.URL, "--field", "teamId=t1")
	if !strings.Contains(output, "Submit failed (503): Queue is shutting down") {
		t.Errorf("expected API error in output, got: %s", output)
	}
}
