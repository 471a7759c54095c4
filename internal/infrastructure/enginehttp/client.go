// Package enginehttp talks to the deployment engine's REST API. It
// implements [domain.EngineClient] and classifies transport failures so
// the dispatcher can decide whether a governance reservation is safe to
// release.
package enginehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shipgate/shipgate-server/internal/domain"
)

// Client calls the deployment engine over HTTP. Tokens come from a
// [domain.TokenSource] and are attached per request.
type Client struct {
	BaseURL string
	Tokens  domain.TokenSource
	HTTP    *http.Client
}

// New returns a Client with a request timeout suited to pipeline
// trigger calls.
func New(baseURL string, tokens domain.TokenSource) *Client {
	return &Client{
		BaseURL: baseURL,
		Tokens:  tokens,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type triggerRequest struct {
	PipelineID string            `json:"pipeline_id"`
	Service    string            `json:"service"`
	Version    string            `json:"version"`
	Artifact   map[string]string `json:"artifact,omitempty"`
}

type triggerResponse struct {
	RunID string `json:"run_id"`
}

type runStatusResponse struct {
	RunID    string `json:"run_id"`
	Terminal bool   `json:"terminal"`
	Outcome  string `json:"outcome"`
}

// TriggerPipeline starts a pipeline run. Connection errors, timeouts
// and 5xx responses are retryable because the engine may never have
// seen the request. A 2xx response with an unparseable body is
// ambiguous: the run may exist even though we cannot name it.
func (c *Client) TriggerPipeline(ctx context.Context, req domain.DispatchRequest) (domain.RunID, error) {
	body := triggerRequest{
		PipelineID: req.PipelineID,
		Service:    req.Service,
		Version:    req.Version,
	}
	if !req.Artifact.IsZero() {
		body.Artifact = map[string]string{}
		if req.Artifact.Opaque != "" {
			body.Artifact["ref"] = req.Artifact.Opaque
		} else {
			body.Artifact["bucket"] = req.Artifact.Bucket
			body.Artifact["key"] = req.Artifact.Key
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal trigger request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/pipelines/trigger", bytes.NewReader(payload))
	if err != nil {
		return "", &domain.DispatchError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &domain.DispatchError{
			Retryable: resp.StatusCode >= 500,
			Status:    resp.StatusCode,
			Err:       fmt.Errorf("engine returned %s", resp.Status),
		}
	}

	var out triggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.RunID == "" {
		if err == nil {
			err = errors.New("trigger response missing run_id")
		}
		return "", &domain.DispatchError{Ambiguous: true, Status: resp.StatusCode, Err: err}
	}
	return domain.RunID(out.RunID), nil
}

// RunStatus fetches the current state of a pipeline run.
func (c *Client) RunStatus(ctx context.Context, id domain.RunID) (domain.RunStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(string(id)), nil)
	if err != nil {
		return domain.RunStatus{}, fmt.Errorf("run status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.RunStatus{}, fmt.Errorf("run %q: %w", id, domain.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return domain.RunStatus{}, fmt.Errorf("run status: engine returned %s", resp.Status)
	}

	var out runStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.RunStatus{}, fmt.Errorf("decode run status: %w", err)
	}

	status := domain.RunStatus{RunID: domain.RunID(out.RunID), Terminal: out.Terminal}
	switch out.Outcome {
	case "succeeded":
		status.Outcome = domain.OutcomeSucceeded
	case "failed":
		status.Outcome = domain.OutcomeFailed
	case "":
	default:
		return domain.RunStatus{}, fmt.Errorf("run status: unknown outcome %q", out.Outcome)
	}
	return status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	token, err := c.Tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call engine: %w", err)
	}
	return resp, nil
}
