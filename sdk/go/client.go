package crewlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Crewline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Workflow represents the API workflow model.
type Workflow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Node represents one unit of work in a workflow DAG.
type Node struct {
	ID           string   `json:"id"`
	WorkflowID   string   `json:"workflow_id"`
	PersonaRef   string   `json:"persona_ref"`
	Phase        string   `json:"phase"`
	Status       string   `json:"status"`
	DependsOn    []string `json:"depends_on,omitempty"`
	Deliverables []string `json:"deliverables,omitempty"`
	Attempts     int      `json:"attempts"`
}

// Session represents one execution of a workflow.
type Session struct {
	ID               string `json:"id"`
	WorkflowID       string `json:"workflow_id"`
	Status           string `json:"status"`
	CurrentIteration int    `json:"current_iteration"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

// GateDecision is one quality gate evaluation.
type GateDecision struct {
	ID           string   `json:"id"`
	SessionID    string   `json:"session_id"`
	NodeID       string   `json:"node_id"`
	Iteration    int      `json:"iteration"`
	Threshold    float64  `json:"quality_threshold_applied"`
	Completeness float64  `json:"completeness"`
	Quality      float64  `json:"quality"`
	Blockers     []string `json:"blockers,omitempty"`
	Passed       bool     `json:"passed"`
}

// SessionStatus aggregates node states, counts, and open blockers.
type SessionStatus struct {
	Session  Session                 `json:"session"`
	Nodes    []Node                  `json:"nodes"`
	Counts   map[string]int          `json:"counts"`
	Gates    map[string]GateDecision `json:"gates,omitempty"`
	Blockers map[string][]string     `json:"blockers,omitempty"`
}

// ContractSpec describes the artifacts a contract promises.
type ContractSpec struct {
	Artifacts []ArtifactShape `json:"artifacts"`
}

// ArtifactShape is one promised artifact.
type ArtifactShape struct {
	Name   string   `json:"name"`
	Kind   string   `json:"kind,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// Contract is one immutable contract version.
type Contract struct {
	ID             string       `json:"id"`
	Version        int          `json:"version"`
	Spec           ContractSpec `json:"spec"`
	ProviderNodeID string       `json:"provider_node_id"`
	Breaking       bool         `json:"breaking"`
	SupersededBy   *int         `json:"superseded_by,omitempty"`
}

// Binding ties a node to a contract version.
type Binding struct {
	ContractID string       `json:"contract_id"`
	Version    int          `json:"version"`
	NodeID     string       `json:"node_id"`
	Role       string       `json:"role"`
	Expects    ContractSpec `json:"expects"`
	Stale      bool         `json:"stale"`
}

// Event represents a session log entry.
type Event struct {
	ID         int64  `json:"id"`
	SessionID  string `json:"session_id"`
	Seq        int64  `json:"seq"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// EventsPage wraps an event listing with its cursor.
type EventsPage struct {
	Events []Event `json:"events"`
	Cursor int64   `json:"cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ImportWorkflow imports a workflow definition from YAML.
func (c *Client) ImportWorkflow(ctx context.Context, definitionYAML string) (Workflow, error) {
	body := map[string]any{"yaml": definitionYAML}
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "v0/workflows/import", body, &resp)
	return resp, err
}

// ListWorkflows returns known workflows.
func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var resp []Workflow
	err := c.do(ctx, http.MethodGet, "v0/workflows", nil, &resp)
	return resp, err
}

// ListNodes returns the nodes of a workflow.
func (c *Client) ListNodes(ctx context.Context, workflowID string) ([]Node, error) {
	var resp []Node
	endpoint := fmt.Sprintf("v0/workflows/%s/nodes", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StartSession starts a new session for a workflow.
func (c *Client) StartSession(ctx context.Context, workflowID string) (Session, error) {
	body := map[string]any{"workflow_id": workflowID}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp)
	return resp, err
}

// RunSession runs a session until it settles.
func (c *Client) RunSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v0/sessions/%s/run", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CancelSession cancels a running or paused session.
func (c *Client) CancelSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v0/sessions/%s/cancel", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ResumeSession resumes a paused, failed, or interrupted session.
func (c *Client) ResumeSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v0/sessions/%s/resume", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// SessionStatus returns node states and open blockers for a session.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	var resp SessionStatus
	endpoint := fmt.Sprintf("v0/sessions/%s/status", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RetryNode forces a failed or blocked node back to ready.
func (c *Client) RetryNode(ctx context.Context, sessionID, nodeID string) (Node, error) {
	var resp Node
	endpoint := fmt.Sprintf("v0/sessions/%s/nodes/%s/retry", url.PathEscape(sessionID), url.PathEscape(nodeID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ListContracts returns the contracts of a workflow, all versions.
func (c *Client) ListContracts(ctx context.Context, workflowID string) ([]Contract, error) {
	var resp []Contract
	endpoint := fmt.Sprintf("v0/workflows/%s/contracts", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EvolveContract publishes a new contract version.
func (c *Client) EvolveContract(ctx context.Context, contractID string, spec ContractSpec, breaking bool) (Contract, error) {
	body := map[string]any{"spec": spec, "breaking": breaking}
	var resp Contract
	endpoint := fmt.Sprintf("v0/contracts/%s/evolve", url.PathEscape(contractID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// BindContract binds a consumer node to a contract.
func (c *Client) BindContract(ctx context.Context, contractID, nodeID string, expects ContractSpec) (Binding, error) {
	body := map[string]any{"node_id": nodeID, "expects": expects}
	var resp Binding
	endpoint := fmt.Sprintf("v0/contracts/%s/bindings", url.PathEscape(contractID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns session events after the given cursor.
func (c *Client) Events(ctx context.Context, sessionID string, after int64, limit int) (EventsPage, error) {
	endpoint := fmt.Sprintf("v0/sessions/%s/events", url.PathEscape(sessionID))
	sep := "?"
	if after > 0 {
		endpoint = fmt.Sprintf("%s%safter=%d", endpoint, sep, after)
		sep = "&"
	}
	if limit > 0 {
		endpoint = fmt.Sprintf("%s%slimit=%d", endpoint, sep, limit)
	}
	var resp EventsPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
