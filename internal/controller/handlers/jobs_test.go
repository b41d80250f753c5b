package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"workq/internal/store"
	"workq/internal/worker"
	"workq/pkg/api"
)

func TestEnqueueJobs(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		mockSetup      func(*mockQueue)
		expectedStatus int
		expectedInBody string
	}{
		{
			name:           "Success",
			body:           `{"jobs":[{"jobId":"a","teamId":"t1"},{"jobId":"b"}]}`,
			expectedStatus: http.StatusAccepted,
			expectedInBody: `"job_ids":["a","b"]`,
		},
		{
			name: "Session ID Returned",
			body: `{"jobs":[{"jobId":"a"}]}`,
			mockSetup: func(m *mockQueue) {
				m.sessionID = "sess-42"
			},
			expectedStatus: http.StatusAccepted,
			expectedInBody: `"session_id":"sess-42"`,
		},
		{
			name:           "Invalid JSON",
			body:           `{invalid-json}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "Invalid request body",
		},
		{
			name:           "Empty Batch",
			body:           `{"jobs":[]}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "At least one job is required",
		},
		{
			name:           "Non String Job ID",
			body:           `{"jobs":[{"jobId":42}]}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "jobId must be a non-empty string",
		},
		{
			name: "Queue Shutting Down",
			body: `{"jobs":[{"jobId":"a"}]}`,
			mockSetup: func(m *mockQueue) {
				m.addJobsErr = worker.ErrShutdown
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedInBody: "Queue is shutting down",
		},
		{
			name: "Store Failure",
			body: `{"jobs":[{"jobId":"a"}]}`,
			mockSetup: func(m *mockQueue) {
				m.addJobsErr = errors.New("connection refused")
			},
			expectedStatus: http.StatusInternalServerError,
			expectedInBody: "Failed to enqueue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockQueue{}
			if tt.mockSetup != nil {
				tt.mockSetup(mock)
			}
			h := New(mock, nil)

			req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			h.EnqueueJobs(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			if !strings.Contains(rr.Body.String(), tt.expectedInBody) {
				t.Errorf("handler returned unexpected body: got %v want substring %v", rr.Body.String(), tt.expectedInBody)
			}
		})
	}
}

func TestEnqueueJobs_PassesPayloadThrough(t *testing.T) {
	mock := &mockQueue{}
	h := New(mock, nil)

	body := `{"jobs":[{"teamId":"t1","trajectoryId":"tr-9","params":{"depth":3}}]}`
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.EnqueueJobs(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(mock.capturedJobs) != 1 {
		t.Fatalf("expected 1 job passed to the queue, got %d", len(mock.capturedJobs))
	}
	job := mock.capturedJobs[0]
	if job.ID == "" {
		t.Error("expected a generated job id")
	}
	if job.TeamID() != "t1" || job.String("trajectoryId") != "tr-9" {
		t.Errorf("expected payload fields carried through, got %v", job.Fields)
	}
	if string(job.Fields["params"]) != `{"depth":3}` {
		t.Errorf("expected nested payload intact, got %s", job.Fields["params"])
	}

	var resp api.EnqueueResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if len(resp.JobIDs) != 1 || resp.JobIDs[0] != job.ID {
		t.Errorf("expected generated id in response, got %v", resp.JobIDs)
	}
}

func TestEnqueueJobs_BatchTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"jobs":[`)
	for i := 0; i <= maxEnqueueBatch; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, `{"jobId":"j%d"}`, i)
	}
	buf.WriteString(`]}`)

	mock := &mockQueue{}
	h := New(mock, nil)
	req := httptest.NewRequest(http.MethodPost, "/jobs", &buf)
	rr := httptest.NewRecorder()
	h.EnqueueJobs(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rr.Code)
	}
	if mock.capturedJobs != nil {
		t.Error("queue must not be called for an oversized batch")
	}
}

func TestGetJob(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name           string
		mockSetup      func(*mockQueue)
		expectedStatus int
		expectedInBody string
	}{
		{
			name: "Success",
			mockSetup: func(m *mockQueue) {
				m.jobStatus = &store.StatusRecord{
					JobID:     "job-1",
					Status:    store.StatusRunning,
					Timestamp: ts,
					Fields:    map[string]any{"workerId": float64(4)},
				}
			},
			expectedStatus: http.StatusOK,
			expectedInBody: `"status":"running"`,
		},
		{
			name: "Not Found",
			mockSetup: func(m *mockQueue) {
				m.jobStatusErr = store.ErrNotFound
			},
			expectedStatus: http.StatusNotFound,
			expectedInBody: "Job not found",
		},
		{
			name: "Store Failure",
			mockSetup: func(m *mockQueue) {
				m.jobStatusErr = errors.New("timeout")
			},
			expectedStatus: http.StatusInternalServerError,
			expectedInBody: "Failed to read job status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockQueue{}
			tt.mockSetup(mock)
			h := New(mock, nil)

			req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
			req.SetPathValue("id", "job-1")
			rr := httptest.NewRecorder()
			h.GetJob(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			if !strings.Contains(rr.Body.String(), tt.expectedInBody) {
				t.Errorf("handler returned unexpected body: got %v want substring %v", rr.Body.String(), tt.expectedInBody)
			}
			if mock.capturedJobID != "job-1" {
				t.Errorf("expected lookup of job-1, got %q", mock.capturedJobID)
			}
		})
	}
}

func TestGetJob_MissingID(t *testing.T) {
	h := New(&mockQueue{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/jobs/", nil)
	rr := httptest.NewRecorder()
	h.GetJob(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestEnqueueJobs_BodyTooLarge(t *testing.T) {
	body := `{"jobs":[{"jobId":"a","blob":"` + strings.Repeat("x", maxEnqueueBody) + `"}]}`

	mock := &mockQueue{}
	h := New(mock, nil)
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.EnqueueJobs(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Request body too large") {
		t.Errorf("unexpected body %s", rr.Body.String())
	}
	if mock.capturedJobs != nil {
		t.Error("queue must not be called for an oversized body")
	}
}
