package domain

// Node statuses.
const (
	NodePending   = "pending"
	NodeReady     = "ready"
	NodeRunning   = "running"
	NodeSucceeded = "succeeded"
	NodeFailed    = "failed"
	NodeBlocked   = "blocked"
)

// Phases of the delivery lifecycle, in order.
var Phases = []string{"requirements", "design", "implementation", "verification", "deployment"}

// ValidPhase reports whether p is a known phase.
func ValidPhase(p string) bool {
	for _, known := range Phases {
		if p == known {
			return true
		}
	}
	return false
}

type Workflow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"active,archived"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Node is a unit of schedulable work inside a workflow.
type Node struct {
	ID           string   `json:"id"`
	WorkflowID   string   `json:"workflow_id"`
	PersonaRef   string   `json:"persona_ref"`
	Phase        string   `json:"phase" enum:"requirements,design,implementation,verification,deployment"`
	Status       string   `json:"status" enum:"pending,ready,running,succeeded,failed,blocked"`
	DependsOn    []string `json:"depends_on,omitempty"`
	Deliverables []string `json:"deliverables,omitempty"`
	OutputRoot   string   `json:"output_root,omitempty"`
	Requirement  string   `json:"requirement,omitempty"`
	Attempts     int      `json:"attempts"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
	CompletedAt  *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Contract roles.
const (
	RoleProvider = "provider"
	RoleConsumer = "consumer"
)

// ContractSpec declares the artifacts a provider promises, with optional
// shape descriptors per artifact name.
type ContractSpec struct {
	Artifacts []ArtifactShape `json:"artifacts"`
}

type ArtifactShape struct {
	Name   string   `json:"name"`
	Kind   string   `json:"kind,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// Contract is one immutable version of an interface agreement.
type Contract struct {
	ID             string       `json:"id"`
	Version        int          `json:"version"`
	Spec           ContractSpec `json:"spec"`
	ProviderNodeID string       `json:"provider_node_id"`
	Breaking       bool         `json:"breaking"`
	SupersededBy   *int         `json:"superseded_by,omitempty"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
}

// Binding ties a node to a contract version in a role.
type Binding struct {
	ContractID string       `json:"contract_id"`
	Version    int          `json:"version"`
	NodeID     string       `json:"node_id"`
	Role       string       `json:"role" enum:"provider,consumer"`
	Expects    ContractSpec `json:"expects"`
	Stale      bool         `json:"stale"`
	CreatedAt  string       `json:"created_at" format:"date-time"`
}

// Result statuses.
const (
	ResultPass    = "pass"
	ResultFail    = "fail"
	ResultWarning = "warning"
)

// ExecutionResult is the outcome of one node run attempt.
type ExecutionResult struct {
	ID         string             `json:"id"`
	SessionID  string             `json:"session_id"`
	NodeID     string             `json:"node_id"`
	Attempt    int                `json:"attempt"`
	Status     string             `json:"status" enum:"pass,fail,warning"`
	Artifacts  []string           `json:"artifacts_created,omitempty"`
	Metrics    map[string]float64 `json:"quality_metrics,omitempty"`
	DurationMs int64              `json:"duration_ms"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  string             `json:"created_at" format:"date-time"`
}

// GateDecision is the verdict for one node's phase gate at an iteration.
type GateDecision struct {
	ID           string   `json:"id"`
	SessionID    string   `json:"session_id"`
	NodeID       string   `json:"node_id"`
	PhaseFrom    string   `json:"phase_from"`
	PhaseTo      string   `json:"phase_to"`
	Iteration    int      `json:"iteration"`
	Threshold    float64  `json:"quality_threshold_applied"`
	Completeness float64  `json:"completeness"`
	Quality      float64  `json:"quality"`
	Blockers     []string `json:"blockers,omitempty"`
	Passed       bool     `json:"passed"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// Session statuses.
const (
	SessionRunning   = "running"
	SessionSucceeded = "succeeded"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
	SessionPaused    = "paused"
)

// Session is one durable, resumable run of a workflow.
type Session struct {
	ID               string `json:"id"`
	WorkflowID       string `json:"workflow_id"`
	Status           string `json:"status" enum:"running,succeeded,failed,cancelled,paused"`
	CurrentIteration int    `json:"current_iteration"`
	CreatedAt        string `json:"created_at" format:"date-time"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

// Event is one entry in a session's append-only log.
type Event struct {
	ID         int64  `json:"id"`
	SessionID  string `json:"session_id"`
	Seq        int64  `json:"seq"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
