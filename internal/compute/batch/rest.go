package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"acousticsbake/pkg/backoff"
	"acousticsbake/pkg/circuitbreaker"
	"acousticsbake/pkg/cloudevent"
)

// Request headers understood by the batch service.
const (
	headerAccount   = "X-Batch-Account"
	headerSignature = "X-Signature-256"
)

// restClient talks to the batch service REST API. Every request carries the
// account name and an HMAC of its body made with the account key.
type restClient struct {
	http     *http.Client
	breaker  *circuitbreaker.Breaker
	attempts int
	retry    *backoff.Config

	baseURL string
	account string
	key     string
}

// submitRequest is the body of POST /v1/jobs.
type submitRequest struct {
	Prefix   string        `json:"prefix"`
	Image    string        `json:"image"`
	Registry *registryAuth `json:"registry,omitempty"`
	Pool     poolSpec      `json:"pool"`
	Inputs   inputSpec     `json:"inputs"`
	Output   string        `json:"output"`
	Logs     string        `json:"logs"`
}

type registryAuth struct {
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type poolSpec struct {
	VMSize           string `json:"vmSize"`
	DedicatedNodes   int    `json:"dedicatedNodes"`
	LowPriorityNodes int    `json:"lowPriorityNodes"`
}

type inputSpec struct {
	Vox    string `json:"vox"`
	Config string `json:"config"`
}

type submitResponse struct {
	ID string `json:"id"`
}

// jobResponse is the body of GET /v1/jobs/{id}.
type jobResponse struct {
	ID     string `json:"id"`
	Prefix string `json:"prefix"`
	State  string `json:"state"`
	Tasks  struct {
		Active    int `json:"active"`
		Running   int `json:"running"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"tasks"`
}

// call performs one signed request. Non-2xx answers are returned as
// *cloudevent.HTTPError so callers can classify them.
func (c *restClient) call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	url := strings.TrimRight(c.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(headerAccount, c.account)
	req.Header.Set(headerSignature, cloudevent.SignPayload(body, c.key))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &cloudevent.HTTPError{StatusCode: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do runs call through the breaker. Idempotent requests are retried with
// backoff; 4xx answers are never retried and never trip the breaker.
func (c *restClient) do(ctx context.Context, method, path string, in, out any, idempotent bool) error {
	attempts := 1
	if idempotent {
		attempts = c.attempts
	}
	return c.breaker.Do(func() error {
		return backoff.Retry(ctx, attempts, c.retry, func(ctx context.Context) error {
			err := c.call(ctx, method, path, in, out)
			if cloudevent.IsClientError(err) {
				return backoff.Permanent(err)
			}
			return err
		})
	}, func(err error) bool {
		return !cloudevent.IsClientError(err) && !errors.Is(err, context.Canceled)
	})
}

func (c *restClient) submit(ctx context.Context, req submitRequest) (string, error) {
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &resp, false); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("service returned an empty job id")
	}
	return resp.ID, nil
}

func (c *restClient) get(ctx context.Context, jobID string) (*jobResponse, error) {
	var resp jobResponse
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *restClient) delete(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/jobs/"+jobID, nil, nil, true)
}

func (c *restClient) healthz(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/healthz", nil, nil)
}

func isStatus(err error, code int) bool {
	var he *cloudevent.HTTPError
	return errors.As(err, &he) && he.StatusCode == code
}
