package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"workq/pkg/api"
)

// QueueClient handles API calls to a workqd daemon.
type QueueClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewQueueClient creates a new client with the given base URL and token.
func NewQueueClient(baseURL, token string) *QueueClient {
	return &QueueClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// EnqueueJobs sends POST /jobs.
func (c *QueueClient) EnqueueJobs(req api.EnqueueRequest) (*api.EnqueueResponse, error) {
	var result api.EnqueueResponse
	if err := c.do(http.MethodPost, "/jobs", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetJob sends GET /jobs/{id}.
func (c *QueueClient) GetJob(jobID string) (*api.JobStatus, error) {
	var result api.JobStatus
	if err := c.do(http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetStatus sends GET /status.
func (c *QueueClient) GetStatus() (*api.QueueStatus, error) {
	var result api.QueueStatus
	if err := c.do(http.MethodGet, "/status", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *QueueClient) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage extracts the message of a JSON error body, falling back to the raw text.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(body))
}
