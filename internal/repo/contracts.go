package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"crewline/internal/domain"
)

func (r Repo) InsertContract(ctx context.Context, tx *sql.Tx, workflowID string, c domain.Contract) error {
	spec, err := json.Marshal(c.Spec)
	if err != nil {
		return fmt.Errorf("marshal contract spec: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO contracts(id,version,workflow_id,spec_json,provider_node_id,breaking,superseded_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.Version, workflowID, string(spec), c.ProviderNodeID, boolInt(c.Breaking), nullableIntPtr(c.SupersededBy), c.CreatedAt)
	return err
}

func (r Repo) MarkContractSuperseded(ctx context.Context, tx *sql.Tx, contractID string, version, supersededBy int) error {
	_, err := tx.ExecContext(ctx, `UPDATE contracts SET superseded_by=? WHERE id=? AND version=?`, supersededBy, contractID, version)
	return err
}

func scanContract(scan func(dest ...any) error) (domain.Contract, error) {
	var c domain.Contract
	var spec string
	var breaking int
	var superseded sql.NullInt64
	err := scan(&c.ID, &c.Version, &spec, &c.ProviderNodeID, &breaking, &superseded, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(spec), &c.Spec); err != nil {
		return c, fmt.Errorf("contract %s v%d spec: %w", c.ID, c.Version, err)
	}
	c.Breaking = breaking != 0
	if superseded.Valid {
		v := int(superseded.Int64)
		c.SupersededBy = &v
	}
	return c, nil
}

const contractColumns = `id,version,spec_json,provider_node_id,breaking,superseded_by,created_at`

func (r Repo) GetContract(ctx context.Context, contractID string, version int) (domain.Contract, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=? AND version=?`, contractID, version)
	return scanContract(row.Scan)
}

// LatestContract returns the highest version of a contract.
func (r Repo) LatestContract(ctx context.Context, contractID string) (domain.Contract, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=? ORDER BY version DESC LIMIT 1`, contractID)
	return scanContract(row.Scan)
}

func (r Repo) ListContracts(ctx context.Context, workflowID string) ([]domain.Contract, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE workflow_id=? ORDER BY id ASC, version ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertBinding(ctx context.Context, tx *sql.Tx, b domain.Binding) error {
	expects, err := json.Marshal(b.Expects)
	if err != nil {
		return fmt.Errorf("marshal binding expectations: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO contract_bindings(contract_id,version,node_id,role,expects_json,stale,created_at) VALUES (?,?,?,?,?,?,?)`,
		b.ContractID, b.Version, b.NodeID, b.Role, string(expects), boolInt(b.Stale), b.CreatedAt)
	return err
}

func (r Repo) MarkBindingsStale(ctx context.Context, tx *sql.Tx, contractID string, version int) error {
	_, err := tx.ExecContext(ctx, `UPDATE contract_bindings SET stale=1 WHERE contract_id=? AND version=? AND role=?`,
		contractID, version, domain.RoleConsumer)
	return err
}

func scanBinding(scan func(dest ...any) error) (domain.Binding, error) {
	var b domain.Binding
	var expects string
	var stale int
	err := scan(&b.ContractID, &b.Version, &b.NodeID, &b.Role, &expects, &stale, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal([]byte(expects), &b.Expects); err != nil {
		return b, fmt.Errorf("binding %s/%s expectations: %w", b.ContractID, b.NodeID, err)
	}
	b.Stale = stale != 0
	return b, nil
}

const bindingColumns = `contract_id,version,node_id,role,expects_json,stale,created_at`

// ListBindingsForNode returns every binding the node participates in.
func (r Repo) ListBindingsForNode(ctx context.Context, nodeID string) ([]domain.Binding, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+bindingColumns+` FROM contract_bindings WHERE node_id=? ORDER BY contract_id, version`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Binding
	for rows.Next() {
		b, err := scanBinding(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) ListBindingsForContract(ctx context.Context, contractID string, version int) ([]domain.Binding, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+bindingColumns+` FROM contract_bindings WHERE contract_id=? AND version=? ORDER BY node_id`, contractID, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Binding
	for rows.Next() {
		b, err := scanBinding(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
