package engine_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/events"
	"crewline/internal/migrate"
	"crewline/internal/persona"
	"crewline/internal/session"
)

type testEnv struct {
	Engine   engine.Engine
	Registry *persona.Registry
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("wf-1")
	cfg.Run.Concurrency = 2
	cfg.Run.BackoffMs = 0
	cfg.Run.CancelGraceMs = 100
	reg := persona.NewRegistry()
	eng := engine.New(conn, cfg, reg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Registry: reg, Ctx: context.Background()}
}

func passStep() persona.StubStep {
	return persona.StubStep{Status: "pass", Metrics: map[string]float64{"clarity": 90, "coverage": 90}}
}

func failStep() persona.StubStep {
	return persona.StubStep{Status: "fail", Error: "tool crashed"}
}

// chainDefinition builds A -> B -> C, one persona per node so each
// node's behavior can be scripted independently.
func chainDefinition() engine.Definition {
	var def engine.Definition
	def.Workflow.ID = "wf-1"
	def.Workflow.Name = "chain"
	def.Nodes = []engine.NodeDef{
		{ID: "A", Persona: "p-a", Phase: "requirements"},
		{ID: "B", Persona: "p-b", Phase: "requirements", DependsOn: []string{"A"}},
		{ID: "C", Persona: "p-c", Phase: "requirements", DependsOn: []string{"B"}},
	}
	return def
}

func (env testEnv) mustImport(t *testing.T, def engine.Definition) domain.Workflow {
	t.Helper()
	w, err := env.Engine.ImportWorkflow(env.Ctx, def, "tester")
	if err != nil {
		t.Fatalf("import workflow: %v", err)
	}
	return w
}

func (env testEnv) mustStart(t *testing.T, workflowID string) domain.Session {
	t.Helper()
	s, err := env.Engine.StartSession(env.Ctx, workflowID, "tester")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return s
}

func (env testEnv) nodeStatus(t *testing.T, workflowID, nodeID string) string {
	t.Helper()
	n, err := env.Engine.Repo.GetNode(env.Ctx, workflowID, nodeID)
	if err != nil {
		t.Fatalf("get node %s: %v", nodeID, err)
	}
	return n.Status
}

func TestRunSessionChainSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.Registry.Register("p-a", persona.NewStub(passStep()))
	env.Registry.Register("p-b", persona.NewStub(passStep()))
	env.Registry.Register("p-c", persona.NewStub(passStep()))
	env.mustImport(t, chainDefinition())
	s := env.mustStart(t, "wf-1")

	s, err := env.Engine.RunSession(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if s.Status != domain.SessionSucceeded {
		t.Fatalf("session status = %s", s.Status)
	}
	for _, id := range []string{"A", "B", "C"} {
		if got := env.nodeStatus(t, "wf-1", id); got != domain.NodeSucceeded {
			t.Fatalf("node %s = %s", id, got)
		}
	}
}

func TestRunSessionRetriesWithinBudget(t *testing.T) {
	env := newTestEnv(t)
	env.Registry.Register("p-a", persona.NewStub(passStep()))
	// B fails once, then passes: one retry inside the default budget.
	stubB := persona.NewStub(failStep(), passStep())
	env.Registry.Register("p-b", stubB)
	env.Registry.Register("p-c", persona.NewStub(passStep()))
	env.mustImport(t, chainDefinition())
	s := env.mustStart(t, "wf-1")

	s, err := env.Engine.RunSession(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if s.Status != domain.SessionSucceeded {
		t.Fatalf("session status = %s", s.Status)
	}
	if stubB.Calls() != 2 {
		t.Fatalf("B attempts = %d, want 2", stubB.Calls())
	}
	n, err := env.Engine.Repo.GetNode(env.Ctx, "wf-1", "B")
	if err != nil {
		t.Fatal(err)
	}
	if n.Attempts != 2 {
		t.Fatalf("recorded attempts = %d", n.Attempts)
	}
}

func TestRunSessionFailureBlocksDependents(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Run.RetryBudget = 0
	env.Registry.Register("p-a", persona.NewStub(passStep()))
	env.Registry.Register("p-b", persona.NewStub(failStep()))
	stubC := persona.NewStub(passStep())
	env.Registry.Register("p-c", stubC)
	env.mustImport(t, chainDefinition())
	s := env.mustStart(t, "wf-1")

	s, err := env.Engine.RunSession(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if s.Status != domain.SessionFailed {
		t.Fatalf("session status = %s", s.Status)
	}
	if got := env.nodeStatus(t, "wf-1", "B"); got != domain.NodeFailed {
		t.Fatalf("B = %s", got)
	}
	if got := env.nodeStatus(t, "wf-1", "C"); got != domain.NodeBlocked {
		t.Fatalf("C = %s", got)
	}
	if stubC.Calls() != 0 {
		t.Fatalf("C must never run when its dependency failed, ran %d times", stubC.Calls())
	}
}

func TestForceRetryAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Run.RetryBudget = 0
	env.Registry.Register("p-a", persona.NewStub(passStep()))
	// B fails its whole first run, then passes once retried.
	env.Registry.Register("p-b", persona.NewStub(failStep(), passStep()))
	env.Registry.Register("p-c", persona.NewStub(passStep()))
	env.mustImport(t, chainDefinition())
	s := env.mustStart(t, "wf-1")

	s, err := env.Engine.RunSession(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if s.Status != domain.SessionFailed {
		t.Fatalf("session status = %s", s.Status)
	}

	n, err := env.Engine.ForceRetry(env.Ctx, s.ID, "B", "tester")
	if err != nil {
		t.Fatalf("force retry: %v", err)
	}
	if n.Status != domain.NodeReady {
		t.Fatalf("B after retry = %s", n.Status)
	}
	// Blocked downstream work needs its own override.
	if _, err := env.Engine.ForceRetry(env.Ctx, s.ID, "C", "tester"); err != nil {
		t.Fatalf("force retry C: %v", err)
	}

	s, err = env.Engine.Resume(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	s, err = env.Engine.RunSession(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("rerun session: %v", err)
	}
	if s.Status != domain.SessionSucceeded {
		t.Fatalf("session status = %s", s.Status)
	}
}

func TestForceRetryRejectsHealthyNode(t *testing.T) {
	env := newTestEnv(t)
	env.Registry.Register("p-a", persona.NewStub(passStep()))
	env.Registry.Register("p-b", persona.NewStub(passStep()))
	env.Registry.Register("p-c", persona.NewStub(passStep()))
	env.mustImport(t, chainDefinition())
	s := env.mustStart(t, "wf-1")

	if _, err := env.Engine.ForceRetry(env.Ctx, s.ID, "A", "tester"); err == nil {
		t.Fatal("pending node must not be retryable")
	}
}

func TestResumeRequeuesInterruptedNode(t *testing.T) {
	env := newTestEnv(t)
	env.Registry.Register("p-a", persona.NewStub(passStep()))
	env.Registry.Register("p-b", persona.NewStub(passStep()))
	env.Registry.Register("p-c", persona.NewStub(passStep()))
	env.mustImport(t, chainDefinition())
	s := env.mustStart(t, "wf-1")

	// Simulate a crash: A was dispatched and the process died before
	// any terminal transition landed.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	n, err := env.Engine.Repo.GetNode(env.Ctx, "wf-1", "A")
	if err != nil {
		t.Fatal(err)
	}
	n.Status = domain.NodeRunning
	if err := env.Engine.Repo.UpdateNode(env.Ctx, tx, n); err != nil {
		t.Fatal(err)
	}
	for _, hop := range [][2]string{
		{domain.NodePending, domain.NodeReady},
		{domain.NodeReady, domain.NodeRunning},
	} {
		if _, err := env.Engine.Events.Append(env.Ctx, tx, s.ID, session.EvtNodeTransition, "node", "A", "tester",
			events.EventPayload{"from": hop[0], "to": hop[1]}); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	s2, err := env.Engine.Resume(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if s2.Status != domain.SessionRunning {
		t.Fatalf("session status = %s", s2.Status)
	}
	if got := env.nodeStatus(t, "wf-1", "A"); got != domain.NodeReady {
		t.Fatalf("A after resume = %s, want ready", got)
	}

	s2, err = env.Engine.RunSession(env.Ctx, s2.ID, "tester")
	if err != nil {
		t.Fatalf("run after resume: %v", err)
	}
	if s2.Status != domain.SessionSucceeded {
		t.Fatalf("session status = %s", s2.Status)
	}
}

func TestCancelledSessionDoesNotRun(t *testing.T) {
	env := newTestEnv(t)
	env.Registry.Register("p-a", persona.NewStub(passStep()))
	env.Registry.Register("p-b", persona.NewStub(passStep()))
	env.Registry.Register("p-c", persona.NewStub(passStep()))
	env.mustImport(t, chainDefinition())
	s := env.mustStart(t, "wf-1")

	s, err := env.Engine.Cancel(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if s.Status != domain.SessionCancelled {
		t.Fatalf("session status = %s", s.Status)
	}
	if _, err := env.Engine.RunSession(env.Ctx, s.ID, "tester"); err == nil {
		t.Fatal("cancelled session must not run")
	}
	if _, err := env.Engine.Resume(env.Ctx, s.ID, "tester"); err == nil {
		t.Fatal("cancelled session must not resume")
	}
}

// recordingExec keeps the last context an executor was dispatched with.
type recordingExec struct {
	inner persona.Executor
	last  persona.NodeContext
}

func (r *recordingExec) Execute(ctx context.Context, nc persona.NodeContext) (domain.ExecutionResult, error) {
	r.last = nc
	return r.inner.Execute(ctx, nc)
}

func TestRunSessionFanOutSharesDepArtifacts(t *testing.T) {
	env := newTestEnv(t)
	root := t.TempDir()
	seed := persona.StubStep{
		Status:  "pass",
		Metrics: map[string]float64{"clarity": 90, "coverage": 90},
		Files:   map[string]string{"api.yaml": "openapi: 3.1.0\n"},
	}
	env.Registry.Register("p-a", persona.NewStub(seed))
	recB := &recordingExec{inner: persona.NewStub(passStep())}
	recC := &recordingExec{inner: persona.NewStub(passStep())}
	env.Registry.Register("p-b", recB)
	env.Registry.Register("p-c", recC)

	// B and C fan out from A and run concurrently; each must see its
	// own copy of A's output as it stood at dispatch.
	var def engine.Definition
	def.Workflow.ID = "wf-1"
	def.Workflow.Name = "fan-out"
	def.Nodes = []engine.NodeDef{
		{ID: "A", Persona: "p-a", Phase: "requirements", OutputRoot: filepath.Join(root, "A")},
		{ID: "B", Persona: "p-b", Phase: "requirements", DependsOn: []string{"A"}, OutputRoot: filepath.Join(root, "B")},
		{ID: "C", Persona: "p-c", Phase: "requirements", DependsOn: []string{"A"}, OutputRoot: filepath.Join(root, "C")},
	}
	env.mustImport(t, def)
	s := env.mustStart(t, "wf-1")

	s, err := env.Engine.RunSession(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if s.Status != domain.SessionSucceeded {
		t.Fatalf("session status = %s", s.Status)
	}
	for name, rec := range map[string]*recordingExec{"B": recB, "C": recC} {
		if _, ok := rec.last.PriorArtifacts["A/api.yaml"]; !ok {
			t.Fatalf("%s did not see A's artifact, got %v", name, rec.last.PriorArtifacts)
		}
	}
}

// cancellingExec cancels its own session, then waits for the run loop
// to pull the plug.
type cancellingExec struct {
	eng       engine.Engine
	sessionID string
}

func (c *cancellingExec) Execute(ctx context.Context, nc persona.NodeContext) (domain.ExecutionResult, error) {
	if _, err := c.eng.Cancel(context.Background(), c.sessionID, "tester"); err != nil {
		return domain.ExecutionResult{}, err
	}
	<-ctx.Done()
	return domain.ExecutionResult{}, ctx.Err()
}

func TestCancelInterruptsInFlightNode(t *testing.T) {
	env := newTestEnv(t)
	ce := &cancellingExec{eng: env.Engine}
	env.Registry.Register("p-a", ce)
	env.Registry.Register("p-b", persona.NewStub(passStep()))
	env.Registry.Register("p-c", persona.NewStub(passStep()))
	env.mustImport(t, chainDefinition())
	s := env.mustStart(t, "wf-1")
	ce.sessionID = s.ID

	s, err := env.Engine.RunSession(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if s.Status != domain.SessionCancelled {
		t.Fatalf("session status = %s, want cancelled", s.Status)
	}
	if got := env.nodeStatus(t, "wf-1", "A"); got != domain.NodeFailed {
		t.Fatalf("A = %s, want failed (cancelled)", got)
	}
	for _, id := range []string{"B", "C"} {
		if got := env.nodeStatus(t, "wf-1", id); got != domain.NodeBlocked {
			t.Fatalf("%s = %s, want blocked", id, got)
		}
	}
}

// unresponsiveExec cancels its own session and then keeps working well
// past the grace period, ignoring the context.
type unresponsiveExec struct {
	eng       engine.Engine
	sessionID string
	busy      time.Duration
}

func (u *unresponsiveExec) Execute(ctx context.Context, nc persona.NodeContext) (domain.ExecutionResult, error) {
	if _, err := u.eng.Cancel(context.Background(), u.sessionID, "tester"); err != nil {
		return domain.ExecutionResult{}, err
	}
	time.Sleep(u.busy)
	return domain.ExecutionResult{Status: "pass"}, nil
}

func TestCancelGraceExpiryFailsNodeAndBlocksDependents(t *testing.T) {
	env := newTestEnv(t)
	ue := &unresponsiveExec{eng: env.Engine, busy: time.Second}
	env.Registry.Register("p-a", ue)
	env.Registry.Register("p-b", persona.NewStub(passStep()))
	env.Registry.Register("p-c", persona.NewStub(passStep()))
	env.mustImport(t, chainDefinition())
	s := env.mustStart(t, "wf-1")
	ue.sessionID = s.ID

	s, err := env.Engine.RunSession(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if s.Status != domain.SessionCancelled {
		t.Fatalf("session status = %s, want cancelled", s.Status)
	}
	if got := env.nodeStatus(t, "wf-1", "A"); got != domain.NodeFailed {
		t.Fatalf("A = %s, want failed after grace expiry", got)
	}
	if got := env.nodeStatus(t, "wf-1", "B"); got != domain.NodeBlocked {
		t.Fatalf("B = %s, want blocked", got)
	}
}

func TestSessionIterationNeverRegresses(t *testing.T) {
	env := newTestEnv(t)
	env.Registry.Register("p-a", persona.NewStub(passStep()))
	env.Registry.Register("p-b", persona.NewStub(passStep()))
	env.Registry.Register("p-c", persona.NewStub(passStep()))
	env.mustImport(t, chainDefinition())
	s := env.mustStart(t, "wf-1")

	now := env.Engine.Now().UTC().Format(time.RFC3339)
	advance := func(iter int) {
		t.Helper()
		tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := env.Engine.Repo.AdvanceSessionIteration(env.Ctx, tx, s.ID, iter, now); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	// A lower attempt settling after a higher one must not move the
	// counter backwards.
	advance(3)
	advance(2)

	got, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentIteration != 3 {
		t.Fatalf("current_iteration = %d, want 3", got.CurrentIteration)
	}
}

func TestStatusUsesLatestGateIteration(t *testing.T) {
	env := newTestEnv(t)
	env.Registry.Register("p-a", persona.NewStub(passStep()))
	env.Registry.Register("p-b", persona.NewStub(passStep()))
	env.Registry.Register("p-c", persona.NewStub(passStep()))
	env.mustImport(t, chainDefinition())
	s := env.mustStart(t, "wf-1")

	now := env.Engine.Now().UTC().Format(time.RFC3339)
	insert := func(d domain.GateDecision) {
		t.Helper()
		tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := env.Engine.Repo.InsertGateDecision(env.Ctx, tx, d); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	// Both decisions share one second-resolution timestamp, and the
	// passing one lands first; iteration order must still win.
	insert(domain.GateDecision{ID: "gd-2", SessionID: s.ID, NodeID: "A", Iteration: 2, Passed: true, CreatedAt: now})
	insert(domain.GateDecision{ID: "gd-1", SessionID: s.ID, NodeID: "A", Iteration: 1, Passed: false,
		Blockers: []string{"quality 10.0 below threshold 50.0 at iteration 1"}, CreatedAt: now})

	status, err := env.Engine.GetStatus(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := status.Gates["A"].Iteration; got != 2 {
		t.Fatalf("latest gate iteration = %d, want 2", got)
	}
	if len(status.Blockers["A"]) != 0 {
		t.Fatalf("A carries stale blockers from an earlier iteration: %v", status.Blockers["A"])
	}

	latest, err := env.Engine.Repo.LatestGateDecision(env.Ctx, s.ID, "A")
	if err != nil {
		t.Fatal(err)
	}
	if !latest.Passed || latest.Iteration != 2 {
		t.Fatalf("latest decision = iteration %d passed %v", latest.Iteration, latest.Passed)
	}
}

func TestGateFailureConsumesBudgetThenFails(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Run.RetryBudget = 1
	// Execution always passes but quality stays under the threshold.
	weak := persona.StubStep{Status: "pass", Metrics: map[string]float64{"clarity": 10, "coverage": 10}}
	stubA := persona.NewStub(weak)
	env.Registry.Register("p-a", stubA)
	env.Registry.Register("p-b", persona.NewStub(passStep()))
	env.Registry.Register("p-c", persona.NewStub(passStep()))
	env.mustImport(t, chainDefinition())
	s := env.mustStart(t, "wf-1")

	s, err := env.Engine.RunSession(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if s.Status != domain.SessionFailed {
		t.Fatalf("session status = %s", s.Status)
	}
	if got := env.nodeStatus(t, "wf-1", "A"); got != domain.NodeFailed {
		t.Fatalf("A = %s", got)
	}
	if stubA.Calls() != 2 {
		t.Fatalf("A attempts = %d, want budget+1", stubA.Calls())
	}
	decisions, err := env.Engine.Repo.ListGateDecisions(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 2 {
		t.Fatalf("gate decisions = %d", len(decisions))
	}
	// The second evaluation must apply the ratcheted threshold.
	byIter := map[int]float64{}
	for _, d := range decisions {
		byIter[d.Iteration] = d.Threshold
	}
	if byIter[2] <= byIter[1] {
		t.Fatalf("threshold did not ratchet: %v then %v", byIter[1], byIter[2])
	}
}

func TestStatusReportsContractBlockers(t *testing.T) {
	env := newTestEnv(t)
	env.Registry.Register("p-a", persona.NewStub(passStep()))
	env.Registry.Register("p-b", persona.NewStub(passStep()))
	env.Registry.Register("p-c", persona.NewStub(passStep()))
	def := chainDefinition()
	def.Contracts = []engine.ContractDef{{
		ID:       "api-v1",
		Provider: "A",
		Spec:     domain.ContractSpec{Artifacts: []domain.ArtifactShape{{Name: "api.yaml", Kind: "openapi"}}},
		Consumers: []engine.ConsumerDef{{
			Node:    "B",
			Expects: domain.ContractSpec{Artifacts: []domain.ArtifactShape{{Name: "api.yaml"}}},
		}},
	}}
	env.mustImport(t, def)
	s := env.mustStart(t, "wf-1")

	// Breaking evolution invalidates B's binding without any node running.
	if _, err := env.Engine.Contracts.Evolve(env.Ctx, s.ID, "api-v1",
		domain.ContractSpec{Artifacts: []domain.ArtifactShape{{Name: "api-v2.yaml"}}}, true, "tester"); err != nil {
		t.Fatalf("evolve: %v", err)
	}

	status, err := env.Engine.GetStatus(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	blockers := status.Blockers["B"]
	if len(blockers) == 0 {
		t.Fatal("B should carry a stale contract blocker")
	}
	if !strings.Contains(blockers[0], "api-v1") {
		t.Fatalf("blocker = %q", blockers[0])
	}
	if len(status.Blockers["A"]) != 0 {
		t.Fatalf("provider A should have no blockers, got %v", status.Blockers["A"])
	}
}

func TestImportRejectsCycle(t *testing.T) {
	env := newTestEnv(t)
	env.Registry.Register("p-a", persona.NewStub(passStep()))
	var def engine.Definition
	def.Workflow.ID = "wf-1"
	def.Nodes = []engine.NodeDef{
		{ID: "A", Persona: "p-a", Phase: "requirements", DependsOn: []string{"B"}},
		{ID: "B", Persona: "p-a", Phase: "requirements", DependsOn: []string{"A"}},
	}
	if _, err := env.Engine.ImportWorkflow(env.Ctx, def, "tester"); err == nil {
		t.Fatal("cyclic definition must be rejected")
	}
	if _, err := env.Engine.Repo.GetWorkflow(env.Ctx, "wf-1"); err == nil {
		t.Fatal("rejected import must not persist the workflow")
	}
}

func TestImportRejectsUnknownPersona(t *testing.T) {
	env := newTestEnv(t)
	var def engine.Definition
	def.Workflow.ID = "wf-1"
	def.Nodes = []engine.NodeDef{{ID: "A", Persona: "ghost", Phase: "requirements"}}
	if _, err := env.Engine.ImportWorkflow(env.Ctx, def, "tester"); err == nil {
		t.Fatal("unknown persona must be rejected at import")
	}
}
