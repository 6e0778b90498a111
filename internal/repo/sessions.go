package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"crewline/internal/domain"
)

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,workflow_id,status,current_iteration,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.WorkflowID, s.Status, s.CurrentIteration, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, current_iteration=?, updated_at=? WHERE id=?`,
		s.Status, s.CurrentIteration, s.UpdatedAt, s.ID)
	return err
}

// AdvanceSessionIteration raises current_iteration to at least the
// given value. Status is left alone, so a cancel written by another
// process survives concurrent settles.
func (r Repo) AdvanceSessionIteration(ctx context.Context, tx *sql.Tx, id string, iteration int, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET current_iteration=MAX(current_iteration,?), updated_at=? WHERE id=?`,
		iteration, now, id)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	err := r.DB.QueryRowContext(ctx, `SELECT id,workflow_id,status,current_iteration,created_at,updated_at FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.WorkflowID, &s.Status, &s.CurrentIteration, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSessions(ctx context.Context, workflowID string) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workflow_id,status,current_iteration,created_at,updated_at FROM sessions WHERE workflow_id=? ORDER BY created_at DESC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		var s domain.Session
		if err := rows.Scan(&s.ID, &s.WorkflowID, &s.Status, &s.CurrentIteration, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertResult(ctx context.Context, tx *sql.Tx, res domain.ExecutionResult) error {
	artifacts, err := marshalStrings(res.Artifacts)
	if err != nil {
		return err
	}
	var metrics any
	if len(res.Metrics) > 0 {
		b, err := json.Marshal(res.Metrics)
		if err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}
		metrics = string(b)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO results(id,session_id,node_id,attempt,status,artifacts_json,metrics_json,duration_ms,error,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		res.ID, res.SessionID, res.NodeID, res.Attempt, res.Status, artifacts, metrics, res.DurationMs, nullable(res.Error), res.CreatedAt)
	return err
}

func scanResult(scan func(dest ...any) error) (domain.ExecutionResult, error) {
	var res domain.ExecutionResult
	var artifacts, metrics, errMsg sql.NullString
	err := scan(&res.ID, &res.SessionID, &res.NodeID, &res.Attempt, &res.Status, &artifacts, &metrics, &res.DurationMs, &errMsg, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &res.Artifacts); err != nil {
			return res, fmt.Errorf("result %s artifacts: %w", res.ID, err)
		}
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &res.Metrics); err != nil {
			return res, fmt.Errorf("result %s metrics: %w", res.ID, err)
		}
	}
	if errMsg.Valid {
		res.Error = errMsg.String
	}
	return res, nil
}

const resultColumns = `id,session_id,node_id,attempt,status,artifacts_json,metrics_json,duration_ms,error,created_at`

// LatestResult returns the most recent attempt's result for a node,
// which is authoritative for gating.
func (r Repo) LatestResult(ctx context.Context, sessionID, nodeID string) (domain.ExecutionResult, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE session_id=? AND node_id=? ORDER BY attempt DESC LIMIT 1`, sessionID, nodeID)
	return scanResult(row.Scan)
}

func (r Repo) ListResults(ctx context.Context, sessionID, nodeID string) ([]domain.ExecutionResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+resultColumns+` FROM results WHERE session_id=? AND node_id=? ORDER BY attempt ASC`, sessionID, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionResult
	for rows.Next() {
		item, err := scanResult(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func (r Repo) InsertGateDecision(ctx context.Context, tx *sql.Tx, d domain.GateDecision) error {
	blockers, err := marshalStrings(d.Blockers)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO gate_decisions(id,session_id,node_id,phase_from,phase_to,iteration,threshold,completeness,quality,blockers_json,passed,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.SessionID, d.NodeID, d.PhaseFrom, d.PhaseTo, d.Iteration, d.Threshold, d.Completeness, d.Quality, blockers, boolInt(d.Passed), d.CreatedAt)
	return err
}

func scanGateDecision(scan func(dest ...any) error) (domain.GateDecision, error) {
	var d domain.GateDecision
	var blockers sql.NullString
	var passed int
	err := scan(&d.ID, &d.SessionID, &d.NodeID, &d.PhaseFrom, &d.PhaseTo, &d.Iteration, &d.Threshold, &d.Completeness, &d.Quality, &blockers, &passed, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if blockers.Valid && blockers.String != "" {
		if err := json.Unmarshal([]byte(blockers.String), &d.Blockers); err != nil {
			return d, fmt.Errorf("gate decision %s blockers: %w", d.ID, err)
		}
	}
	d.Passed = passed != 0
	return d, nil
}

const gateColumns = `id,session_id,node_id,phase_from,phase_to,iteration,threshold,completeness,quality,blockers_json,passed,created_at`

// LatestGateDecision returns a node's highest-iteration decision.
// Iteration is the only reliable order: created_at has second
// resolution and same-second decisions are common.
func (r Repo) LatestGateDecision(ctx context.Context, sessionID, nodeID string) (domain.GateDecision, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gate_decisions WHERE session_id=? AND node_id=? ORDER BY iteration DESC LIMIT 1`, sessionID, nodeID)
	return scanGateDecision(row.Scan)
}

// ListGateDecisions returns decisions grouped per node in iteration
// order, so the last row seen for a node is its latest.
func (r Repo) ListGateDecisions(ctx context.Context, sessionID string) ([]domain.GateDecision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+gateColumns+` FROM gate_decisions WHERE session_id=? ORDER BY node_id ASC, iteration ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateDecision
	for rows.Next() {
		d, err := scanGateDecision(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// MarkNodesBlocked sets the given nodes to blocked in one statement.
func (r Repo) MarkNodesBlocked(ctx context.Context, tx *sql.Tx, workflowID string, nodeIDs []string, now string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	args := []any{domain.NodeBlocked, now, workflowID}
	for _, id := range nodeIDs {
		args = append(args, id)
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE nodes SET status=?, updated_at=? WHERE workflow_id=? AND id IN (%s)`, placeholders(len(nodeIDs))), args...)
	return err
}

// SessionEvents returns a session's log in sequence order.
func (r Repo) SessionEvents(ctx context.Context, sessionID string) ([]domain.Event, error) {
	return r.SessionEventsAfter(ctx, sessionID, 0, 0)
}

// SessionEventsAfter returns events with seq greater than the cursor in
// ascending order.
func (r Repo) SessionEventsAfter(ctx context.Context, sessionID string, cursor int64, limit int) ([]domain.Event, error) {
	query := `SELECT id,session_id,seq,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE session_id=? AND seq>? ORDER BY seq ASC`
	args := []any{sessionID, cursor}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
