// Package client is the Go SDK for the fabric. A Client wraps the HTTP API
// and the websocket stream behind one value that carries the caller
// identity on every request. It is the access path used by moond, solarctl
// and external integrations.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/tracing"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// Client talks to one fabric gateway as one identity.
type Client struct {
	baseURL    string
	identity   string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option adjusts a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client and its 30s timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a logger. The default client is silent.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.logger = log }
}

// New creates a client for the gateway at baseURL acting as identity, which
// is either "human:<id>" or "agent:<name>". An agent identity authorizes
// through its registration, so the agent must be registered (by its owning
// human) before it can act.
func New(baseURL, identity string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		identity:   identity,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identity returns the identity the client acts as.
func (c *Client) Identity() string {
	return c.identity
}

// Publish commits one envelope and returns it with store-assigned fields.
// Setting env.ID makes the publish idempotent: a second attempt is rejected
// as a validation error, which IsValidation detects.
func (c *Client) Publish(ctx context.Context, env *v1.Envelope) (*v1.Envelope, error) {
	req := &v1.PublishEnvelopeRequest{
		ID:        env.ID,
		Schema:    env.Schema,
		Type:      env.Type,
		Routing:   env.Routing,
		Context:   env.Context,
		Payload:   env.Payload,
		Status:    env.Status,
		Telemetry: env.Telemetry,
	}
	var committed v1.Envelope
	if err := c.do(ctx, http.MethodPost, "/api/v1/envelopes", req, &committed); err != nil {
		return nil, err
	}
	return &committed, nil
}

// Get fetches one envelope by id.
func (c *Client) Get(ctx context.Context, id string) (*v1.Envelope, error) {
	var env v1.Envelope
	if err := c.do(ctx, http.MethodGet, "/api/v1/envelopes/"+url.PathEscape(id), nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// List returns a project's committed envelopes after applying the query.
func (c *Client) List(ctx context.Context, projectID string, q v1.ListEnvelopesQuery) (*v1.EnvelopeList, error) {
	values := url.Values{}
	if q.To != "" {
		values.Set("to", q.To)
	}
	if q.Type != "" {
		values.Set("type", string(q.Type))
	}
	if q.Status != "" {
		values.Set("status", string(q.Status))
	}
	if q.AfterSeq > 0 {
		values.Set("after_seq", strconv.FormatInt(q.AfterSeq, 10))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/v1/projects/" + url.PathEscape(projectID) + "/envelopes"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var list v1.EnvelopeList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Replay returns up to limit envelopes committed after afterSeq, in commit
// order. It is the polling fallback when a stream is unavailable.
func (c *Client) Replay(ctx context.Context, projectID string, afterSeq int64, limit int) ([]*v1.Envelope, error) {
	list, err := c.List(ctx, projectID, v1.ListEnvelopesQuery{AfterSeq: afterSeq, Limit: limit})
	if err != nil {
		return nil, err
	}
	return list.Envelopes, nil
}

// UpdateStatus applies one lifecycle transition to an envelope.
func (c *Client) UpdateStatus(ctx context.Context, id string, status v1.EnvelopeStatus) (*v1.Envelope, error) {
	var env v1.Envelope
	err := c.do(ctx, http.MethodPatch, "/api/v1/envelopes/"+url.PathEscape(id)+"/status",
		&v1.UpdateEnvelopeStatusRequest{Status: status}, &env)
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// AppendProgress appends one record to a message's progress trail.
func (c *Client) AppendProgress(ctx context.Context, rec *v1.ProgressRecord) (*v1.ProgressRecord, error) {
	req := &v1.AppendProgressRequest{
		MessageID:   rec.MessageID,
		ProjectID:   rec.ProjectID,
		PercentDone: rec.PercentDone,
		State:       rec.State,
		Note:        rec.Note,
	}
	var appended v1.ProgressRecord
	if err := c.do(ctx, http.MethodPost, "/api/v1/progress", req, &appended); err != nil {
		return nil, err
	}
	return &appended, nil
}

// Progress returns a message's progress trail, oldest first.
func (c *Client) Progress(ctx context.Context, messageID string) ([]*v1.ProgressRecord, error) {
	var list v1.ProgressList
	if err := c.do(ctx, http.MethodGet, "/api/v1/envelopes/"+url.PathEscape(messageID)+"/progress", nil, &list); err != nil {
		return nil, err
	}
	return list.Records, nil
}

// RegisterAgent registers or refreshes an agent identity under its owning
// human. Re-registering with the same name acts as a heartbeat.
func (c *Client) RegisterAgent(ctx context.Context, agent *v1.AgentIdentity) (*v1.AgentIdentity, error) {
	req := &v1.RegisterAgentRequest{
		Name:                 agent.Name,
		HumanID:              agent.HumanID,
		ProjectID:            agent.ProjectID,
		Capabilities:         agent.Capabilities,
		HeartbeatIntervalSec: agent.HeartbeatIntervalSec,
		IsCoordinator:        agent.IsCoordinator,
	}
	var registered v1.AgentIdentity
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents", req, &registered); err != nil {
		return nil, err
	}
	return &registered, nil
}

// Heartbeat refreshes an agent's liveness without touching its
// registration.
func (c *Client) Heartbeat(ctx context.Context, name, projectID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(name)+"/heartbeat",
		&v1.HeartbeatRequest{ProjectID: projectID}, nil)
}

// Agents returns a project's registered agents and the alive subset.
func (c *Client) Agents(ctx context.Context, projectID string) (*v1.AgentList, error) {
	var list v1.AgentList
	if err := c.do(ctx, http.MethodGet, "/api/v1/projects/"+url.PathEscape(projectID)+"/agents", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Health checks the gateway and its durable store.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// do runs one request and decodes a 2xx JSON response into out. Non-2xx
// responses become an *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, span := tracing.TraceHTTPRequest(ctx, method, path, c.identity)
	defer span.End()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			tracing.TraceHTTPResponse(span, 0, err)
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		tracing.TraceHTTPResponse(span, 0, err)
		return err
	}
	req.Header.Set(v1.IdentityHeader, c.identity)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		tracing.TraceHTTPResponse(span, 0, err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		tracing.TraceHTTPResponse(span, resp.StatusCode, err)
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp.StatusCode, respBody)
		tracing.TraceHTTPResponse(span, resp.StatusCode, apiErr)
		return apiErr
	}
	tracing.TraceHTTPResponse(span, resp.StatusCode, nil)

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}
