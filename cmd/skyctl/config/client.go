package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/skylab-hpc/skylab/pkg/api"
)

// Client talks to the control plane HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates an API client for the configured server.
func (c *Config) NewClient() *Client {
	return &Client{
		base: c.Server,
		http: &http.Client{},
	}
}

// ListNodes returns all compute nodes.
func (c *Client) ListNodes(ctx context.Context) ([]api.NodeResponse, error) {
	var out []api.NodeResponse
	return out, c.do(ctx, http.MethodGet, "/v1/nodes", nil, &out)
}

// ListSessions returns all sessions.
func (c *Client) ListSessions(ctx context.Context) ([]api.SessionResponse, error) {
	var out []api.SessionResponse
	return out, c.do(ctx, http.MethodGet, "/v1/sessions", nil, &out)
}

// GetSession returns one session.
func (c *Client) GetSession(ctx context.Context, id string) (api.SessionResponse, error) {
	var out api.SessionResponse
	return out, c.do(ctx, http.MethodGet, "/v1/sessions/"+id, nil, &out)
}

// CreateSession requests a new interactive session.
func (c *Client) CreateSession(ctx context.Context, class, owner string) (api.SessionResponse, error) {
	var out api.SessionResponse
	return out, c.do(ctx, http.MethodPost, "/v1/sessions", api.CreateSessionRequest{Class: class, Owner: owner}, &out)
}

// TerminateSession ends a session.
func (c *Client) TerminateSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+id, nil, nil)
}

// SubmitJob submits a batch job.
func (c *Client) SubmitJob(ctx context.Context, class, owner string, priority int) (api.JobResponse, error) {
	var out api.JobResponse
	return out, c.do(ctx, http.MethodPost, "/v1/jobs", api.SubmitJobRequest{Class: class, Owner: owner, Priority: priority}, &out)
}

// ListJobs returns all jobs.
func (c *Client) ListJobs(ctx context.Context) ([]api.JobResponse, error) {
	var out []api.JobResponse
	return out, c.do(ctx, http.MethodGet, "/v1/jobs", nil, &out)
}

// GetJob returns one job.
func (c *Client) GetJob(ctx context.Context, id string) (api.JobResponse, error) {
	var out api.JobResponse
	return out, c.do(ctx, http.MethodGet, "/v1/jobs/"+id, nil, &out)
}

// CompleteJob marks a job finished, releasing its node slot.
func (c *Client) CompleteJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+id+"/complete", nil, nil)
}

// ListEvents returns recent control plane events.
func (c *Client) ListEvents(ctx context.Context, limit int) ([]api.EventResponse, error) {
	var out []api.EventResponse
	path := fmt.Sprintf("/v1/events?limit=%d", limit)
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
