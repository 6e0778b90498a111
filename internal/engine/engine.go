package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crewline/internal/config"
	"crewline/internal/contract"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/persona"
	"crewline/internal/repo"
	"crewline/internal/session"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Contracts contract.Store
	Registry  *persona.Registry
	Scanner   persona.Scanner
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, reg *persona.Registry) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Contracts: contract.NewStore(db),
		Registry:  reg,
		Scanner:   persona.FileScanner{},
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// StartSession creates a new session over a workflow. All nodes are
// reset to pending; readiness is recomputed when the run loop starts.
func (e Engine) StartSession(ctx context.Context, workflowID, actorID string) (domain.Session, error) {
	if e.Config == nil {
		return domain.Session{}, errors.New("config not loaded")
	}
	w, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.Session{}, err
	}
	now := e.stamp()
	s := domain.Session{
		ID:               uuid.NewString(),
		WorkflowID:       w.ID,
		Status:           domain.SessionRunning,
		CurrentIteration: 1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, err
	}
	nodes, err := e.Repo.ListNodes(ctx, workflowID)
	if err != nil {
		return domain.Session{}, err
	}
	for _, n := range nodes {
		if n.Status == domain.NodePending {
			continue
		}
		n.Status = domain.NodePending
		n.Attempts = 0
		n.CompletedAt = nil
		n.UpdatedAt = now
		if err := e.Repo.UpdateNode(ctx, tx, n); err != nil {
			return domain.Session{}, err
		}
	}
	if _, err := e.Events.Append(ctx, tx, s.ID, session.EvtSessionStarted, "session", s.ID, actorID, events.EventPayload{"workflow_id": w.ID}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// Cancel asks a running session to stop. The run loop observes the
// status change, drains in-flight work within the grace period and
// records cancelled causes for anything still running.
func (e Engine) Cancel(ctx context.Context, sessionID, actorID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if err := ensureSessionTransition(s.Status, domain.SessionCancelled, false); err != nil {
		return s, err
	}
	s.Status = domain.SessionCancelled
	s.UpdatedAt = e.stamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return s, err
	}
	if _, err := e.Events.Append(ctx, tx, s.ID, session.EvtSessionCancelled, "session", s.ID, actorID, nil); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// Resume reopens an interrupted session. State is rebuilt from the
// event log; nodes that were mid-flight go back to ready and will run
// again, so executed work may be repeated but never lost.
func (e Engine) Resume(ctx context.Context, sessionID, actorID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Status == domain.SessionSucceeded || s.Status == domain.SessionCancelled {
		return s, fmt.Errorf("session %s is %s and cannot resume", s.ID, s.Status)
	}
	log, err := e.Repo.SessionEvents(ctx, sessionID)
	if err != nil {
		return s, err
	}
	state, err := session.Replay(log)
	if err != nil {
		return s, fmt.Errorf("replay session %s: %w", sessionID, err)
	}

	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()

	for _, nodeID := range state.Interrupted() {
		n, err := e.Repo.GetNode(ctx, s.WorkflowID, nodeID)
		if err != nil {
			return s, err
		}
		n.Status = domain.NodeReady
		n.UpdatedAt = now
		if err := e.Repo.UpdateNode(ctx, tx, n); err != nil {
			return s, err
		}
		if _, err := e.Events.Append(ctx, tx, s.ID, session.EvtNodeTransition, "node", n.ID, actorID, events.EventPayload{
			"from": domain.NodeRunning, "to": domain.NodeReady, "cause": "resume",
		}); err != nil {
			return s, err
		}
	}

	s.Status = domain.SessionRunning
	s.UpdatedAt = now
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return s, err
	}
	if _, err := e.Events.Append(ctx, tx, s.ID, session.EvtSessionResumed, "session", s.ID, actorID, events.EventPayload{
		"requeued": state.Interrupted(),
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// ForceRetry moves a failed or blocked node back to ready without
// touching its dependencies. The override is recorded in the log.
func (e Engine) ForceRetry(ctx context.Context, sessionID, nodeID, actorID string) (domain.Node, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Node{}, err
	}
	n, err := e.Repo.GetNode(ctx, s.WorkflowID, nodeID)
	if err != nil {
		return n, err
	}
	if n.Status != domain.NodeFailed && n.Status != domain.NodeBlocked {
		return n, fmt.Errorf("node %s is %s; only failed or blocked nodes can be retried", n.ID, n.Status)
	}
	from := n.Status
	n.Status = domain.NodeReady
	n.UpdatedAt = e.stamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return n, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateNode(ctx, tx, n); err != nil {
		return n, err
	}
	if _, err := e.Events.Append(ctx, tx, s.ID, session.EvtNodeTransition, "node", n.ID, actorID, events.EventPayload{
		"from": from, "to": domain.NodeReady, "cause": "force_retry",
	}); err != nil {
		return n, err
	}
	if err := tx.Commit(); err != nil {
		return n, err
	}
	return n, nil
}

// SessionStatus is the aggregate view returned by GetStatus.
type SessionStatus struct {
	Session  domain.Session                 `json:"session"`
	Nodes    []domain.Node                  `json:"nodes"`
	Counts   map[string]int                 `json:"counts"`
	Gates    map[string]domain.GateDecision `json:"gates,omitempty"`
	Blockers map[string][]string            `json:"blockers,omitempty"`
}

// GetStatus reports per-node state plus every blocker currently
// standing: failed gates and stale contract bindings.
func (e Engine) GetStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	nodes, err := e.Repo.ListNodes(ctx, s.WorkflowID)
	if err != nil {
		return SessionStatus{}, err
	}
	counts, err := e.Repo.CountNodesByStatus(ctx, s.WorkflowID)
	if err != nil {
		return SessionStatus{}, err
	}
	decisions, err := e.Repo.ListGateDecisions(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}

	out := SessionStatus{
		Session:  s,
		Nodes:    nodes,
		Counts:   counts,
		Gates:    map[string]domain.GateDecision{},
		Blockers: map[string][]string{},
	}
	for _, d := range decisions {
		out.Gates[d.NodeID] = d
	}
	for _, n := range nodes {
		var blockers []string
		if d, ok := out.Gates[n.ID]; ok && !d.Passed {
			blockers = append(blockers, d.Blockers...)
		}
		stale, err := e.Contracts.StaleBlockers(ctx, n.ID)
		if err != nil {
			return SessionStatus{}, err
		}
		for _, b := range stale {
			blockers = append(blockers, b.Error())
		}
		if len(blockers) > 0 {
			out.Blockers[n.ID] = blockers
		}
	}
	return out, nil
}

func ensureNodeTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case domain.NodePending:
		if newStatus == domain.NodeReady || newStatus == domain.NodeBlocked {
			return nil
		}
	case domain.NodeReady:
		if newStatus == domain.NodeRunning || newStatus == domain.NodeBlocked {
			return nil
		}
	case domain.NodeRunning:
		if newStatus == domain.NodeSucceeded || newStatus == domain.NodeFailed || newStatus == domain.NodeReady {
			return nil
		}
	case domain.NodeFailed, domain.NodeBlocked:
		// ready only through ForceRetry, which passes force.
	}
	return fmt.Errorf("invalid node transition %s -> %s", oldStatus, newStatus)
}

func ensureSessionTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case domain.SessionRunning:
		switch newStatus {
		case domain.SessionSucceeded, domain.SessionFailed, domain.SessionCancelled, domain.SessionPaused:
			return nil
		}
	case domain.SessionPaused:
		if newStatus == domain.SessionRunning || newStatus == domain.SessionCancelled {
			return nil
		}
	case domain.SessionFailed:
		if newStatus == domain.SessionRunning {
			return nil
		}
	}
	return fmt.Errorf("invalid session transition %s -> %s", oldStatus, newStatus)
}
