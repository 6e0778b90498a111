package contract_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"crewline/internal/contract"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/migrate"
	"crewline/internal/repo"
)

func newTestStore(t *testing.T) (contract.Store, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: conn}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if err := r.InsertWorkflow(ctx, tx, domain.Workflow{ID: "wf-1", Name: "wf", Status: "active", CreatedAt: now}); err != nil {
		t.Fatalf("insert workflow: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	store := contract.NewStore(conn)
	store.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return store, ctx
}

func apiSpec() domain.ContractSpec {
	return domain.ContractSpec{Artifacts: []domain.ArtifactShape{
		{Name: "api.yaml", Kind: "openapi", Fields: []string{"paths", "schemas"}},
		{Name: "types.json", Kind: "schema"},
	}}
}

func TestRegisterAndResolve(t *testing.T) {
	store, ctx := newTestStore(t)
	c, err := store.Register(ctx, "wf-1", "", "api-v1", "design", apiSpec(), "tester")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if c.Version != 1 {
		t.Fatalf("expected version 1, got %d", c.Version)
	}
	bound, err := store.Resolve(ctx, "design")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(bound) != 1 || bound[0].Binding.Role != domain.RoleProvider {
		t.Fatalf("expected provider binding, got %+v", bound)
	}
}

func TestBindSubsetAccepted(t *testing.T) {
	store, ctx := newTestStore(t)
	if _, err := store.Register(ctx, "wf-1", "", "api-v1", "design", apiSpec(), "tester"); err != nil {
		t.Fatal(err)
	}
	expects := domain.ContractSpec{Artifacts: []domain.ArtifactShape{
		{Name: "api.yaml", Fields: []string{"paths"}},
	}}
	b, err := store.Bind(ctx, "", "api-v1", "impl", expects, "tester")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if b.Role != domain.RoleConsumer || b.Version != 1 {
		t.Fatalf("unexpected binding %+v", b)
	}
}

func TestBindRejectsMissingArtifact(t *testing.T) {
	store, ctx := newTestStore(t)
	if _, err := store.Register(ctx, "wf-1", "", "api-v1", "design", apiSpec(), "tester"); err != nil {
		t.Fatal(err)
	}
	expects := domain.ContractSpec{Artifacts: []domain.ArtifactShape{{Name: "migrations.sql"}}}
	_, err := store.Bind(ctx, "", "api-v1", "impl", expects, "tester")
	if !errors.Is(err, contract.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	// No binding record must exist.
	bound, err := store.Resolve(ctx, "impl")
	if err != nil {
		t.Fatal(err)
	}
	if len(bound) != 0 {
		t.Fatalf("expected no bindings, got %d", len(bound))
	}
}

func TestBindRejectsUndeclaredField(t *testing.T) {
	store, ctx := newTestStore(t)
	if _, err := store.Register(ctx, "wf-1", "", "api-v1", "design", apiSpec(), "tester"); err != nil {
		t.Fatal(err)
	}
	expects := domain.ContractSpec{Artifacts: []domain.ArtifactShape{
		{Name: "api.yaml", Fields: []string{"webhooks"}},
	}}
	if _, err := store.Bind(ctx, "", "api-v1", "impl", expects, "tester"); !errors.Is(err, contract.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestEvolveBreakingFlagsConsumersStale(t *testing.T) {
	store, ctx := newTestStore(t)
	if _, err := store.Register(ctx, "wf-1", "", "api-v1", "design", apiSpec(), "tester"); err != nil {
		t.Fatal(err)
	}
	expects := domain.ContractSpec{Artifacts: []domain.ArtifactShape{{Name: "api.yaml"}}}
	if _, err := store.Bind(ctx, "", "api-v1", "impl", expects, "tester"); err != nil {
		t.Fatal(err)
	}
	next, err := store.Evolve(ctx, "", "api-v1", domain.ContractSpec{Artifacts: []domain.ArtifactShape{{Name: "api-v2.yaml"}}}, true, "tester")
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if next.Version != 2 || !next.Breaking {
		t.Fatalf("unexpected evolved contract %+v", next)
	}
	blockers, err := store.StaleBlockers(ctx, "impl")
	if err != nil {
		t.Fatal(err)
	}
	if len(blockers) != 1 || blockers[0].ContractID != "api-v1" {
		t.Fatalf("expected one stale blocker, got %+v", blockers)
	}
	// Provider binding is not flagged.
	providerBlockers, err := store.StaleBlockers(ctx, "design")
	if err != nil {
		t.Fatal(err)
	}
	if len(providerBlockers) != 0 {
		t.Fatalf("provider should not be stale: %+v", providerBlockers)
	}
}

func TestEvolveNonBreakingKeepsBindings(t *testing.T) {
	store, ctx := newTestStore(t)
	if _, err := store.Register(ctx, "wf-1", "", "api-v1", "design", apiSpec(), "tester"); err != nil {
		t.Fatal(err)
	}
	expects := domain.ContractSpec{Artifacts: []domain.ArtifactShape{{Name: "api.yaml"}}}
	if _, err := store.Bind(ctx, "", "api-v1", "impl", expects, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Evolve(ctx, "", "api-v1", apiSpec(), false, "tester"); err != nil {
		t.Fatal(err)
	}
	blockers, err := store.StaleBlockers(ctx, "impl")
	if err != nil {
		t.Fatal(err)
	}
	if len(blockers) != 0 {
		t.Fatalf("expected no stale blockers, got %+v", blockers)
	}
}

func TestSatisfiesKindMismatch(t *testing.T) {
	provider := domain.ContractSpec{Artifacts: []domain.ArtifactShape{{Name: "api.yaml", Kind: "openapi"}}}
	expects := domain.ContractSpec{Artifacts: []domain.ArtifactShape{{Name: "api.yaml", Kind: "grpc"}}}
	if err := contract.Satisfies(provider, expects); !errors.Is(err, contract.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}
