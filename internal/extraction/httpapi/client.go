// Package httpapi talks to a remote extraction service over HTTP JSON:
//
//	POST {endpoint}/jobs               {"source_ref": "..."} -> {"job_id": "..."}
//	GET  {endpoint}/jobs/{id}          -> {"status": "pending|succeeded|failed", "error": {...}}
//	GET  {endpoint}/jobs/{id}/result   -> {"text": "...", "page_count": 3}
package httpapi

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

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/capability"
	"github.com/legal-doc-processor/backend/internal/storage/models"
	"github.com/legal-doc-processor/backend/pkg/circuitbreaker"
	"github.com/legal-doc-processor/backend/pkg/logger"
)

const maxResponseBytes = 64 << 20

type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
}

func NewClient(endpoint, apiKey string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid extraction endpoint %q", endpoint)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker("extraction", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure: func(err error) bool {
			if err == nil {
				return false
			}
			var ext *capability.ExternalFailure
			if errors.As(err, &ext) {
				return ext.Retryable
			}
			return !errors.Is(err, context.Canceled)
		},
		Logger: logger.GetLogger(),
	})

	logger.Info("Extraction API client initialized", zap.String("endpoint", endpoint))

	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		cb:         cb,
	}, nil
}

func (c *Client) Submit(ctx context.Context, sourceRef string) (string, error) {
	payload, err := json.Marshal(map[string]string{"source_ref": sourceRef})
	if err != nil {
		return "", fmt.Errorf("failed to marshal submit request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/jobs", payload)
	if err != nil {
		return "", err
	}

	jobID := gjson.GetBytes(body, "job_id").String()
	if jobID == "" {
		return "", fmt.Errorf("submit response has no job_id: %w", capability.ErrMalformedResponse)
	}
	return jobID, nil
}

func (c *Client) Poll(ctx context.Context, jobID string) (models.JobState, error) {
	body, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return "", err
	}

	switch status := strings.ToLower(gjson.GetBytes(body, "status").String()); status {
	case "pending", "queued", "running", "in_progress":
		return models.JobPending, nil
	case "succeeded", "completed", "done":
		return models.JobSucceeded, nil
	case "failed", "error":
		failure := gjson.GetBytes(body, "error")
		code := failure.Get("code").String()
		if code == "" {
			code = "job_failed"
		}
		return models.JobFailed, &capability.ExternalFailure{
			Code:      code,
			Message:   failure.Get("message").String(),
			Retryable: failure.Get("retryable").Bool(),
		}
	default:
		return "", fmt.Errorf("unknown job status %q: %w", status, capability.ErrMalformedResponse)
	}
}

func (c *Client) Fetch(ctx context.Context, jobID string) (capability.ExtractionResult, error) {
	body, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/result", nil)
	if err != nil {
		return capability.ExtractionResult{}, err
	}

	text := gjson.GetBytes(body, "text")
	if !text.Exists() {
		return capability.ExtractionResult{}, fmt.Errorf("result has no text: %w", capability.ErrMalformedResponse)
	}
	return capability.ExtractionResult{
		Text:      text.String(),
		PageCount: int(gjson.GetBytes(body, "page_count").Int()),
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body []byte
	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return capability.Transient("unreachable", "%s %s: %v", method, path, err)
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return capability.Transient("read_failed", "%v", err)
		}

		if resp.StatusCode >= 300 {
			return statusError(resp.StatusCode, body)
		}
		if !gjson.ValidBytes(body) {
			return fmt.Errorf("%s %s returned invalid JSON: %w", method, path, capability.ErrMalformedResponse)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func statusError(status int, body []byte) error {
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = http.StatusText(status)
	}
	code := gjson.GetBytes(body, "code").String()
	if code == "" {
		code = fmt.Sprintf("http_%d", status)
	}

	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return &capability.ExternalFailure{Code: code, Message: msg, Retryable: true}
	default:
		return &capability.ExternalFailure{Code: code, Message: msg}
	}
}
