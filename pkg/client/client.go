// Package client provides the Go client for the xOrca HTTP API.
//
// The client wraps the ingress endpoints: starting an orchestration, feeding
// events to a running one, and reading its snapshot. A worker service that
// consumes commands off a queue reports its results with Send; operator
// tooling reads state with Snapshot and Health.
//
// Quick Start:
//
//	c := client.NewClient(client.Config{
//	    BaseURL: "http://localhost:8080",
//	})
//
//	started, err := c.Start(ctx, client.StartRequest{
//	    Context: map[string]interface{}{"bookId": "b-42.pdf"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// started.Envelopes carries the first worker commands.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xorca/xorca/pkg/envelope"
	"github.com/xorca/xorca/pkg/machine"
	"github.com/xorca/xorca/pkg/subject"
)

// ErrNotFound is returned by Snapshot when no orchestration exists for the
// subject.
var ErrNotFound = errors.New("client: orchestration not found")

// Config holds the client configuration.
type Config struct {
	// BaseURL is the xOrca server endpoint (required).
	// Examples: "https://xorca.yourcompany.com", "http://localhost:8080"
	BaseURL string

	// Timeout for individual requests (default 30s).
	Timeout time.Duration
}

// Client talks to one xOrca server. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at cfg.BaseURL.
//
//	c := client.NewClient(client.Config{
//	    BaseURL: "https://xorca.example.com",
//	    Timeout: 10 * time.Second,
//	})
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Start creates a new orchestration instance. The server mints a process id
// when req.ProcessID is empty and picks the highest registered machine
// version when req.Version is empty.
//
// A rejected start is not an error: when an instance with the same process
// id already exists, the result has AlreadyStarted set and Envelopes carries
// the error envelope describing the rejection.
//
// Example:
//
//	res, err := c.Start(ctx, client.StartRequest{
//	    ProcessID: orderID,
//	    Context:   map[string]interface{}{"bookId": "b-42.pdf"},
//	})
//	if err != nil {
//	    return err
//	}
//	if res.AlreadyStarted {
//	    // Another caller won the race; the instance is live.
//	    return nil
//	}
func (c *Client) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: marshal start request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/orchestrations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: build start request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: start request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return nil, apiError("start", resp)
	}

	var result StartResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("client: parse start response: %w", err)
	}
	result.AlreadyStarted = resp.StatusCode == http.StatusConflict
	return &result, nil
}

// Send routes a batch of event envelopes and returns whatever the
// orchestrations emitted in response. This is how a worker reports a command
// result back to its orchestration.
//
// Example:
//
//	outs, err := c.Send(ctx, []*envelope.Envelope{
//	    envelope.New("evt.book.fetch.success", "/worker/fetch", cmd.Subject,
//	        map[string]interface{}{"bookData": pages}),
//	})
func (c *Client) Send(ctx context.Context, envs []*envelope.Envelope) (*RouteResult, error) {
	body, err := json.Marshal(envs)
	if err != nil {
		return nil, fmt.Errorf("client: marshal envelope batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/events", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: build send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: send request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError("send", resp)
	}

	var result RouteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("client: parse send response: %w", err)
	}
	return &result, nil
}

// Snapshot reads the current state of one orchestration instance. It returns
// ErrNotFound when no instance exists for the subject.
func (c *Client) Snapshot(ctx context.Context, subj subject.Subject) (*machine.Snapshot, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/orchestrations/"+subj.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("client: build snapshot request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError("snapshot", resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("client: read snapshot response: %w", err)
	}
	snap, err := machine.UnmarshalSnapshot(raw)
	if err != nil {
		return nil, fmt.Errorf("client: parse snapshot: %w", err)
	}
	return snap, nil
}

// Health reports whether the server and its store are reachable. A degraded
// server still answers; check Status on the result.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("client: build health request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: health request failed: %w", err)
	}
	defer resp.Body.Close()

	// The health body has the same shape at 200 and 503; a degraded store
	// is an answer, not a transport failure.
	var result Health
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("client: parse health response: %w", err)
	}
	return &result, nil
}

// apiError turns an unexpected response into an error carrying the server's
// plain-text reason.
func apiError(op string, resp *http.Response) error {
	reason, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("client: %s: %s: %s", op, resp.Status, strings.TrimSpace(string(reason)))
}
