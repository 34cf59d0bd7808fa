// Package apiclient is a typed client for the batch server HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ryabkov82/rndc-batch-server/internal/apperror"
	"github.com/ryabkov82/rndc-batch-server/internal/batch"
	"github.com/ryabkov82/rndc-batch-server/internal/config"
	"github.com/ryabkov82/rndc-batch-server/internal/httpapi"
	"github.com/ryabkov82/rndc-batch-server/internal/logger"
	"github.com/ryabkov82/rndc-batch-server/internal/rndc"
	"github.com/ryabkov82/rndc-batch-server/internal/submission"
	"github.com/ryabkov82/rndc-batch-server/internal/version"
)

// DefaultTimeout is used when the configured timeout is not positive.
const DefaultTimeout = 60 * time.Second

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Code       apperror.ErrorCode
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps server error codes onto the batch package sentinels so that
// callers can use errors.Is regardless of transport.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case apperror.ErrCodeNotFound:
		return batch.ErrNotFound
	case apperror.ErrCodeEmptyBatch:
		return batch.ErrEmptyBatch
	case apperror.ErrCodeQueueFull:
		return batch.ErrQueueFull
	}
	return nil
}

// Client talks to the batch server.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	log     logger.Logger
}

// New creates a Client from the client section of the configuration.
func New(cfg config.ClientConfig, log logger.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		apiKey:  cfg.APIKey,
		log:     log,
	}
}

// SubmitBatch creates a batch from records. An empty slice is rejected with
// batch.ErrEmptyBatch and nothing is sent.
func (c *Client) SubmitBatch(ctx context.Context, records []submission.Record, wsURL string) (string, error) {
	if len(records) == 0 {
		return "", batch.ErrEmptyBatch
	}

	var resp httpapi.CreateBatchResponse
	req := httpapi.CreateBatchRequest{Submissions: records, WSURL: wsURL}
	if err := c.do(ctx, http.MethodPost, "/batches", req, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.BatchID == "" {
		return "", fmt.Errorf("batch not created: %s", resp.Message)
	}

	c.log.Info("Batch submitted", map[string]interface{}{
		"batchId": resp.BatchID,
		"total":   len(records),
	})
	return resp.BatchID, nil
}

// Import asks the server to read a spreadsheet below its base directory and
// create a batch from it.
func (c *Client) Import(ctx context.Context, req httpapi.ImportRequest) (*httpapi.CreateBatchResponse, error) {
	var resp httpapi.CreateBatchResponse
	if err := c.do(ctx, http.MethodPost, "/imports", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetBatch returns the batch as reported by the server.
func (c *Client) GetBatch(ctx context.Context, batchID string) (*batch.Batch, error) {
	var resp httpapi.BatchResponse
	if err := c.do(ctx, http.MethodGet, "/batches/"+url.PathEscape(batchID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Batch == nil {
		return nil, fmt.Errorf("batch %s: empty response", batchID)
	}
	return resp.Batch, nil
}

// ListSubmissions returns the records of a batch.
func (c *Client) ListSubmissions(ctx context.Context, batchID string) ([]submission.Record, error) {
	var resp httpapi.SubmissionsResponse
	path := "/submissions?batchId=" + url.QueryEscape(batchID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Submissions, nil
}

// Query relays one request to the registry through the server. A registry
// rejection is returned as a Response with Success=false, not as an error.
func (c *Client) Query(ctx context.Context, wsURL, xmlRequest string) (*rndc.Response, error) {
	var resp httpapi.QueryResponse
	req := httpapi.QueryRequest{XMLRequest: xmlRequest, WSURL: wsURL}
	if err := c.do(ctx, http.MethodPost, "/query", req, &resp); err != nil {
		return nil, err
	}
	return &rndc.Response{
		Success: resp.Success,
		Code:    resp.Code,
		Message: resp.Message,
		Fields:  resp.Data,
		Raw:     resp.RawXML,
	}, nil
}

// Version returns the server build information.
func (c *Client) Version(ctx context.Context) (map[string]string, error) {
	var info map[string]string
	if err := c.do(ctx, http.MethodGet, "/version", nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}
	var body httpapi.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != nil {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
		if body.Error.Details != "" {
			apiErr.Message += " (" + body.Error.Details + ")"
		}
		return apiErr
	}
	// Limit body to 2KB
	msg := strings.TrimSpace(string(data))
	if len(msg) > 2048 {
		msg = msg[:2048] + "..."
	}
	apiErr.Message = msg
	return apiErr
}

// IsAPIError extracts an APIError from err.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
