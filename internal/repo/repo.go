package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crewline/internal/config"
	"crewline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(id,name,description,status,created_at) VALUES (?,?,?,?,?)`,
		w.ID, w.Name, nullable(w.Description), w.Status, w.CreatedAt)
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	var w domain.Workflow
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description,status,created_at FROM workflows WHERE id=?`, id).
		Scan(&w.ID, &w.Name, &desc, &w.Status, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if desc.Valid {
		w.Description = desc.String
	}
	return w, err
}

func (r Repo) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),status,created_at FROM workflows ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		var w domain.Workflow
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.Status, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) SingleWorkflow(ctx context.Context) (domain.Workflow, error) {
	items, err := r.ListWorkflows(ctx)
	if err != nil {
		return domain.Workflow{}, err
	}
	if len(items) == 0 {
		return domain.Workflow{}, ErrNotFound
	}
	if len(items) > 1 {
		return domain.Workflow{}, fmt.Errorf("multiple workflows exist; specify --workflow")
	}
	return items[0], nil
}

func (r Repo) UpsertWorkflowConfig(ctx context.Context, workflowID string, cfg *config.Config) error {
	return upsertWorkflowConfig(ctx, r.DB, nil, workflowID, cfg)
}

func (r Repo) UpsertWorkflowConfigTx(ctx context.Context, tx *sql.Tx, workflowID string, cfg *config.Config) error {
	return upsertWorkflowConfig(ctx, nil, tx, workflowID, cfg)
}

func upsertWorkflowConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, workflowID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Workflow.ID = workflowID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO workflow_configs(workflow_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(workflow_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, workflowID, string(payload), now, now)
	return err
}

func (r Repo) GetWorkflowConfig(ctx context.Context, workflowID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM workflow_configs WHERE workflow_id=?`, workflowID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Workflow.ID == "" {
		cfg.Workflow.ID = workflowID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) InsertNode(ctx context.Context, tx *sql.Tx, n domain.Node) error {
	deliverables, err := marshalStrings(n.Deliverables)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO nodes(id,workflow_id,persona_ref,phase,status,deliverables_json,output_root,requirement,attempts,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.WorkflowID, n.PersonaRef, n.Phase, n.Status, deliverables, nullable(n.OutputRoot), nullable(n.Requirement),
		n.Attempts, n.CreatedAt, n.UpdatedAt, nullableStringPtr(n.CompletedAt))
	if err != nil {
		return err
	}
	for _, dep := range n.DependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO node_deps(workflow_id,node_id,depends_on_node_id) VALUES (?,?,?)`,
			n.WorkflowID, n.ID, dep); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpdateNode(ctx context.Context, tx *sql.Tx, n domain.Node) error {
	_, err := tx.ExecContext(ctx, `UPDATE nodes SET status=?, attempts=?, updated_at=?, completed_at=? WHERE workflow_id=? AND id=?`,
		n.Status, n.Attempts, n.UpdatedAt, nullableStringPtr(n.CompletedAt), n.WorkflowID, n.ID)
	return err
}

func scanNode(scan func(dest ...any) error) (domain.Node, error) {
	var n domain.Node
	var deliverables, outputRoot, requirement, completedAt sql.NullString
	err := scan(&n.ID, &n.WorkflowID, &n.PersonaRef, &n.Phase, &n.Status, &deliverables, &outputRoot, &requirement,
		&n.Attempts, &n.CreatedAt, &n.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	if deliverables.Valid && deliverables.String != "" {
		if err := json.Unmarshal([]byte(deliverables.String), &n.Deliverables); err != nil {
			return n, fmt.Errorf("node %s deliverables: %w", n.ID, err)
		}
	}
	if outputRoot.Valid {
		n.OutputRoot = outputRoot.String
	}
	if requirement.Valid {
		n.Requirement = requirement.String
	}
	if completedAt.Valid {
		n.CompletedAt = &completedAt.String
	}
	return n, nil
}

const nodeColumns = `id,workflow_id,persona_ref,phase,status,deliverables_json,output_root,requirement,attempts,created_at,updated_at,completed_at`

func (r Repo) GetNode(ctx context.Context, workflowID, nodeID string) (domain.Node, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE workflow_id=? AND id=?`, workflowID, nodeID)
	n, err := scanNode(row.Scan)
	if err != nil {
		return n, err
	}
	n.DependsOn, err = r.ListNodeDependencies(ctx, workflowID, nodeID)
	return n, err
}

func (r Repo) ListNodes(ctx context.Context, workflowID string) ([]domain.Node, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE workflow_id=? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.ListNodeDependencies(ctx, workflowID, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

func (r Repo) ListNodeDependencies(ctx context.Context, workflowID, nodeID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_node_id FROM node_deps WHERE workflow_id=? AND node_id=? ORDER BY depends_on_node_id`, workflowID, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) CountNodesByStatus(ctx context.Context, workflowID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM nodes WHERE workflow_id=? GROUP BY status`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalStrings(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
