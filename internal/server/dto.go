package server

import (
	"crewline/internal/domain"
)

// Request payloads

type ImportWorkflowRequest struct {
	// YAML holds a workflow definition document.
	YAML string `json:"yaml"`
}

type StartSessionRequest struct {
	WorkflowID string `json:"workflow_id"`
}

type EvolveContractRequest struct {
	Spec     domain.ContractSpec `json:"spec"`
	Breaking bool                `json:"breaking"`
}

type BindContractRequest struct {
	NodeID  string              `json:"node_id"`
	Expects domain.ContractSpec `json:"expects"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type WorkflowResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type SessionResponse struct {
	ID               string `json:"id"`
	WorkflowID       string `json:"workflow_id"`
	Status           string `json:"status"`
	CurrentIteration int    `json:"current_iteration"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

type EventsResponse struct {
	Events []domain.Event `json:"events"`
	Cursor int64          `json:"cursor"`
}

type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	// Key is shown once at creation; only its hash is stored.
	Key string `json:"key"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func workflowResponse(w domain.Workflow) WorkflowResponse {
	return WorkflowResponse{ID: w.ID, Name: w.Name, Status: w.Status, CreatedAt: w.CreatedAt}
}

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		ID:               s.ID,
		WorkflowID:       s.WorkflowID,
		Status:           s.Status,
		CurrentIteration: s.CurrentIteration,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}
