// Package contract implements the versioned interface agreements between
// provider and consumer nodes. Bind-time shape validation is what lets a
// consumer run against a stub derived from the contract instead of the
// provider's real output.
package contract

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// ErrVersionMismatch is returned when a consumer's expected shape is not a
// subset of the provider's declared spec. No binding record is created.
var ErrVersionMismatch = errors.New("contract version mismatch")

// StaleError reports a consumer bound to a version superseded by a
// breaking change. Surfaced as a gate blocker, never as a dispatch error.
type StaleError struct {
	ContractID string
	Version    int
	NodeID     string
}

func (e StaleError) Error() string {
	return fmt.Sprintf("contract %s v%d is stale for consumer %s; re-bind required", e.ContractID, e.Version, e.NodeID)
}

// Store manages contract versions and bindings.
type Store struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func NewStore(db *sql.DB) Store {
	return Store{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ValidateSpec checks structural validity of a contract spec.
func ValidateSpec(spec domain.ContractSpec) error {
	if len(spec.Artifacts) == 0 {
		return errors.New("contract spec declares no artifacts")
	}
	seen := map[string]bool{}
	for i, a := range spec.Artifacts {
		if a.Name == "" {
			return fmt.Errorf("artifact[%d] has empty name", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("artifact %s declared twice", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// Satisfies reports whether a consumer's expectations are a subset of the
// provider's declared spec: every expected artifact must exist by name,
// agree on kind when both declare one, and declare no fields the provider
// does not.
func Satisfies(provider, expects domain.ContractSpec) error {
	byName := map[string]domain.ArtifactShape{}
	for _, a := range provider.Artifacts {
		byName[a.Name] = a
	}
	for _, want := range expects.Artifacts {
		have, ok := byName[want.Name]
		if !ok {
			return fmt.Errorf("artifact %s not declared by provider: %w", want.Name, ErrVersionMismatch)
		}
		if want.Kind != "" && have.Kind != "" && want.Kind != have.Kind {
			return fmt.Errorf("artifact %s kind %s does not match provider kind %s: %w", want.Name, want.Kind, have.Kind, ErrVersionMismatch)
		}
		haveFields := map[string]bool{}
		for _, f := range have.Fields {
			haveFields[f] = true
		}
		for _, f := range want.Fields {
			if !haveFields[f] {
				return fmt.Errorf("artifact %s field %s not declared by provider: %w", want.Name, f, ErrVersionMismatch)
			}
		}
	}
	return nil
}

// Register creates version 1 of a contract and the provider binding.
// sessionID may be empty during workflow setup; when set, the binding is
// also recorded in the session log.
func (s Store) Register(ctx context.Context, workflowID, sessionID, contractID, providerNodeID string, spec domain.ContractSpec, actorID string) (domain.Contract, error) {
	if contractID == "" {
		return domain.Contract{}, errors.New("contract id required")
	}
	if providerNodeID == "" {
		return domain.Contract{}, errors.New("provider node required")
	}
	if err := ValidateSpec(spec); err != nil {
		return domain.Contract{}, fmt.Errorf("contract %s: %w", contractID, err)
	}
	now := s.now().UTC().Format(time.RFC3339)
	c := domain.Contract{
		ID:             contractID,
		Version:        1,
		Spec:           spec,
		ProviderNodeID: providerNodeID,
		CreatedAt:      now,
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertContract(ctx, tx, workflowID, c); err != nil {
		return domain.Contract{}, fmt.Errorf("insert contract: %w", err)
	}
	if err := s.Repo.InsertBinding(ctx, tx, domain.Binding{
		ContractID: c.ID,
		Version:    c.Version,
		NodeID:     providerNodeID,
		Role:       domain.RoleProvider,
		Expects:    spec,
		CreatedAt:  now,
	}); err != nil {
		return domain.Contract{}, fmt.Errorf("insert provider binding: %w", err)
	}
	if sessionID != "" {
		if _, err := s.Events.Append(ctx, tx, sessionID, "contract.registered", "contract", c.ID, actorID, events.EventPayload{
			"version":  c.Version,
			"provider": providerNodeID,
		}); err != nil {
			return domain.Contract{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// Bind attaches a consumer to the latest version of a contract after
// validating its expectations against the provider spec. Rejection
// happens here, at bind time, not at execution time.
func (s Store) Bind(ctx context.Context, sessionID, contractID, nodeID string, expects domain.ContractSpec, actorID string) (domain.Binding, error) {
	c, err := s.Repo.LatestContract(ctx, contractID)
	if err != nil {
		return domain.Binding{}, err
	}
	if err := Satisfies(c.Spec, expects); err != nil {
		return domain.Binding{}, fmt.Errorf("bind %s to %s v%d: %w", nodeID, contractID, c.Version, err)
	}
	now := s.now().UTC().Format(time.RFC3339)
	b := domain.Binding{
		ContractID: c.ID,
		Version:    c.Version,
		NodeID:     nodeID,
		Role:       domain.RoleConsumer,
		Expects:    expects,
		CreatedAt:  now,
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Binding{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertBinding(ctx, tx, b); err != nil {
		return domain.Binding{}, fmt.Errorf("insert binding: %w", err)
	}
	if sessionID != "" {
		if _, err := s.Events.Append(ctx, tx, sessionID, "contract.bound", "contract", c.ID, actorID, events.EventPayload{
			"version":  c.Version,
			"consumer": nodeID,
		}); err != nil {
			return domain.Binding{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Binding{}, err
	}
	return b, nil
}

// Resolve returns every binding a node participates in, with the bound
// contract version's spec attached.
func (s Store) Resolve(ctx context.Context, nodeID string) ([]BoundContract, error) {
	bindings, err := s.Repo.ListBindingsForNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	var out []BoundContract
	for _, b := range bindings {
		c, err := s.Repo.GetContract(ctx, b.ContractID, b.Version)
		if err != nil {
			return nil, fmt.Errorf("resolve %s v%d: %w", b.ContractID, b.Version, err)
		}
		out = append(out, BoundContract{Contract: c, Binding: b})
	}
	return out, nil
}

// BoundContract pairs a binding with the contract version it points at.
type BoundContract struct {
	Contract domain.Contract `json:"contract"`
	Binding  domain.Binding  `json:"binding"`
}

// Evolve creates the next version of a contract. A breaking evolution
// flags all consumer bindings of the superseded version stale; they must
// re-bind or the next gate check reports a ContractStale blocker. Prior
// versions are retained for audit.
func (s Store) Evolve(ctx context.Context, sessionID, contractID string, newSpec domain.ContractSpec, breaking bool, actorID string) (domain.Contract, error) {
	prev, err := s.Repo.LatestContract(ctx, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if err := ValidateSpec(newSpec); err != nil {
		return domain.Contract{}, fmt.Errorf("contract %s: %w", contractID, err)
	}
	now := s.now().UTC().Format(time.RFC3339)
	next := domain.Contract{
		ID:             contractID,
		Version:        prev.Version + 1,
		Spec:           newSpec,
		ProviderNodeID: prev.ProviderNodeID,
		Breaking:       breaking,
		CreatedAt:      now,
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertContract(ctx, tx, workflowIDForContract(ctx, tx, contractID), next); err != nil {
		return domain.Contract{}, fmt.Errorf("insert contract version: %w", err)
	}
	if err := s.Repo.MarkContractSuperseded(ctx, tx, contractID, prev.Version, next.Version); err != nil {
		return domain.Contract{}, err
	}
	if breaking {
		if err := s.Repo.MarkBindingsStale(ctx, tx, contractID, prev.Version); err != nil {
			return domain.Contract{}, err
		}
	}
	if sessionID != "" {
		if _, err := s.Events.Append(ctx, tx, sessionID, "contract.evolved", "contract", contractID, actorID, events.EventPayload{
			"from_version": prev.Version,
			"to_version":   next.Version,
			"breaking":     breaking,
		}); err != nil {
			return domain.Contract{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return next, nil
}

// StaleBlockers returns a StaleError per stale binding touching the node.
func (s Store) StaleBlockers(ctx context.Context, nodeID string) ([]StaleError, error) {
	bindings, err := s.Repo.ListBindingsForNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	var out []StaleError
	for _, b := range bindings {
		if b.Stale && b.Role == domain.RoleConsumer {
			out = append(out, StaleError{ContractID: b.ContractID, Version: b.Version, NodeID: b.NodeID})
		}
	}
	return out, nil
}

func workflowIDForContract(ctx context.Context, tx *sql.Tx, contractID string) string {
	var workflowID string
	_ = tx.QueryRowContext(ctx, `SELECT workflow_id FROM contracts WHERE id=? LIMIT 1`, contractID).Scan(&workflowID)
	return workflowID
}
