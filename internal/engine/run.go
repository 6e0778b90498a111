package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crewline/internal/artifact"
	"crewline/internal/contract"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/gate"
	"crewline/internal/graph"
	"crewline/internal/persona"
	"crewline/internal/session"
)

// cancelPollInterval bounds how long a pending Cancel can go unnoticed
// while the settle loop waits on an outcome.
const cancelPollInterval = 25 * time.Millisecond

// outcome is what one worker hands back to the settle loop.
type outcome struct {
	node    domain.Node
	attempt int
	result  domain.ExecutionResult
	mapping artifact.Mapping
	execErr error
}

// RunSession drives a session to completion: recompute readiness,
// dispatch ready nodes up to the concurrency limit, settle each
// outcome in its own transaction, repeat. Workers never touch the
// database; all persistence happens in the settle loop, so a node's
// terminal state is durable before any dependent becomes ready.
func (e Engine) RunSession(ctx context.Context, sessionID, actorID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Status != domain.SessionRunning {
		return s, fmt.Errorf("session %s is %s, not running", s.ID, s.Status)
	}
	nodes, err := e.loadNodes(ctx, s.WorkflowID)
	if err != nil {
		return s, err
	}
	g, err := buildGraph(nodes)
	if err != nil {
		return s, err
	}

	concurrency := e.Config.Run.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	outcomes := make(chan outcome, concurrency)
	inFlight := 0

	runCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	poll := time.NewTicker(cancelPollInterval)
	defer poll.Stop()

	for {
		cancelled, err := e.sessionCancelled(ctx, s.ID)
		if err != nil {
			return s, err
		}
		if cancelled || ctx.Err() != nil {
			return e.drainCancelled(ctx, s, g, nodes, outcomes, inFlight, cancelWorkers, actorID)
		}

		ready, err := e.promoteReady(ctx, s, g, nodes, actorID)
		if err != nil {
			return s, err
		}

		for _, id := range ready {
			if inFlight == concurrency {
				break
			}
			n := nodes[id]
			if err := e.markRunning(ctx, s, n, actorID); err != nil {
				return s, err
			}
			// Workers get value copies only. The live map and its
			// node pointers belong to this loop; a worker reading
			// them would race with settle.
			nc := *n
			depRoots := make(map[string]string, len(n.DependsOn))
			for _, dep := range n.DependsOn {
				if d, ok := nodes[dep]; ok && d.Status == domain.NodeSucceeded {
					depRoots[dep] = d.OutputRoot
				}
			}
			sem <- struct{}{}
			inFlight++
			go func() {
				defer func() { <-sem }()
				outcomes <- e.execute(runCtx, s, nc, depRoots)
			}()
		}

		if inFlight == 0 {
			break
		}

		// Waiting on the next outcome must not deafen the loop to a
		// cancel: a poll tick re-enters the top, where the session row
		// is re-read and the drain path cancels runCtx.
		select {
		case out := <-outcomes:
			inFlight--
			if err := e.settle(ctx, s, g, nodes, out, actorID); err != nil {
				return s, err
			}
		case <-poll.C:
		case <-ctx.Done():
		}
	}

	return e.finishSession(ctx, s, nodes, actorID)
}

func (e Engine) loadNodes(ctx context.Context, workflowID string) (map[string]*domain.Node, error) {
	list, err := e.Repo.ListNodes(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]*domain.Node, len(list))
	for i := range list {
		nodes[list[i].ID] = &list[i]
	}
	return nodes, nil
}

func buildGraph(nodes map[string]*domain.Node) (*graph.Graph, error) {
	specs := make([]graph.NodeSpec, 0, len(nodes))
	for _, n := range nodes {
		specs = append(specs, graph.NodeSpec{ID: n.ID, DependsOn: n.DependsOn})
	}
	return graph.Build(specs)
}

func (e Engine) sessionCancelled(ctx context.Context, sessionID string) (bool, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return s.Status == domain.SessionCancelled, nil
}

// promoteReady persists pending -> ready for every node whose
// dependencies have all succeeded, then returns the ready set in
// ascending id order. The write lands before the id is handed out.
func (e Engine) promoteReady(ctx context.Context, s domain.Session, g *graph.Graph, nodes map[string]*domain.Node, actorID string) ([]string, error) {
	completed := map[string]bool{}
	for id, n := range nodes {
		if n.Status == domain.NodeSucceeded {
			completed[id] = true
		}
	}
	eligible := func(id string) bool {
		st := nodes[id].Status
		return st == domain.NodePending || st == domain.NodeReady
	}
	ready := g.ReadySet(completed, eligible)

	for _, id := range ready {
		n := nodes[id]
		if n.Status != domain.NodePending {
			continue
		}
		if err := e.transitionNode(ctx, s.ID, n, domain.NodeReady, "dependencies_met", actorID); err != nil {
			return nil, err
		}
	}
	return ready, nil
}

func (e Engine) markRunning(ctx context.Context, s domain.Session, n *domain.Node, actorID string) error {
	if err := e.transitionNode(ctx, s.ID, n, domain.NodeRunning, "dispatch", actorID); err != nil {
		return err
	}
	n.Attempts++
	now := e.stamp()
	n.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateNode(ctx, tx, *n); err != nil {
		return err
	}
	if _, err := e.Events.Append(ctx, tx, s.ID, session.EvtNodeAttempt, "node", n.ID, actorID, events.EventPayload{"attempt": n.Attempts}); err != nil {
		return err
	}
	return tx.Commit()
}

// execute runs one attempt off the database: snapshot, dispatch with
// the phase timeout, diff, map deliverables, merge scanned metrics.
// depRoots holds the output roots of already-succeeded dependencies,
// copied at dispatch time.
func (e Engine) execute(ctx context.Context, s domain.Session, n domain.Node, depRoots map[string]string) outcome {
	out := outcome{node: n, attempt: n.Attempts}

	exec, err := e.Registry.Resolve(n.PersonaRef)
	if err != nil {
		out.execErr = err
		return out
	}

	before, err := artifact.Take(n.OutputRoot)
	if err != nil {
		out.execErr = fmt.Errorf("snapshot %s: %w", n.OutputRoot, err)
		return out
	}

	prior := map[string]string{}
	for dep, root := range depRoots {
		snap, err := artifact.Take(root)
		if err != nil {
			continue
		}
		for path, hash := range snap.Files {
			prior[dep+"/"+path] = hash
		}
	}

	bound, err := e.Contracts.Resolve(ctx, n.ID)
	if err != nil {
		out.execErr = err
		return out
	}

	attemptCtx := ctx
	if ms := e.Config.Timeout(n.Phase); ms > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	start := e.now()
	res, err := exec.Execute(attemptCtx, personaContext(s, n, bound, prior))
	if err != nil {
		out.execErr = err
		return out
	}
	if res.DurationMs == 0 {
		res.DurationMs = e.now().Sub(start).Milliseconds()
	}

	after, err := artifact.Take(n.OutputRoot)
	if err != nil {
		out.execErr = fmt.Errorf("snapshot %s: %w", n.OutputRoot, err)
		return out
	}
	refs := artifact.Diff(before, after)
	paths := make([]string, 0, len(refs))
	for _, r := range refs {
		paths = append(paths, r.Path)
	}
	res.Artifacts = paths
	out.mapping = artifact.MapToDeliverables(paths, n.Deliverables)

	if e.Scanner != nil {
		scanned, err := e.Scanner.Scan(attemptCtx, n.OutputRoot)
		if err == nil {
			res.Metrics = persona.MergeMetrics(res.Metrics, scanned)
		}
	}

	res.SessionID = s.ID
	res.NodeID = n.ID
	res.Attempt = n.Attempts
	out.result = res
	return out
}

// settle persists one attempt outcome and decides the node's next
// state. Result, gate decision, events and transition commit together.
func (e Engine) settle(ctx context.Context, s domain.Session, g *graph.Graph, nodes map[string]*domain.Node, out outcome, actorID string) error {
	n := nodes[out.node.ID]
	now := e.stamp()

	if out.execErr != nil {
		out.result = domain.ExecutionResult{
			SessionID: s.ID,
			NodeID:    n.ID,
			Attempt:   out.attempt,
			Status:    domain.ResultFail,
			Error:     out.execErr.Error(),
		}
	}
	out.result.ID = uuid.NewString()
	out.result.CreatedAt = now

	stale, err := e.Contracts.StaleBlockers(ctx, n.ID)
	if err != nil {
		return err
	}

	var decision domain.GateDecision
	execFailed := out.result.Status == domain.ResultFail
	if !execFailed {
		decision = gate.Evaluate(e.Config, gate.Input{
			Node:      *n,
			Iteration: out.attempt,
			Result:    out.result,
			Mapping:   out.mapping,
			Stale:     stale,
		})
		decision.ID = uuid.NewString()
		decision.SessionID = s.ID
		decision.CreatedAt = now
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertResult(ctx, tx, out.result); err != nil {
		return err
	}
	if _, err := e.Events.Append(ctx, tx, s.ID, session.EvtNodeResult, "node", n.ID, actorID, events.EventPayload{
		"attempt": out.attempt, "status": out.result.Status, "error": out.result.Error,
	}); err != nil {
		return err
	}

	if !execFailed {
		if err := e.Repo.InsertGateDecision(ctx, tx, decision); err != nil {
			return err
		}
		if _, err := e.Events.Append(ctx, tx, s.ID, session.EvtGateEvaluated, "node", n.ID, actorID, events.EventPayload{
			"iteration": decision.Iteration, "passed": decision.Passed, "blockers": decision.Blockers,
		}); err != nil {
			return err
		}
	}

	switch {
	case !execFailed && decision.Passed:
		n.CompletedAt = &now
		if err := e.transitionNodeTx(ctx, tx, s.ID, n, domain.NodeSucceeded, "gate_passed", actorID); err != nil {
			return err
		}
	case out.attempt <= e.Config.Run.RetryBudget:
		cause := "retry"
		if !execFailed {
			cause = "gate_failed"
		}
		if err := e.transitionNodeTx(ctx, tx, s.ID, n, domain.NodeReady, cause, actorID); err != nil {
			return err
		}
	default:
		if err := e.transitionNodeTx(ctx, tx, s.ID, n, domain.NodeFailed, "budget_exhausted", actorID); err != nil {
			return err
		}
		if err := e.blockDependents(ctx, tx, s, g, nodes, n.ID, actorID); err != nil {
			return err
		}
	}

	// The in-memory session is a stale copy by now; only the iteration
	// counter is raised, never lowered, and status stays untouched so
	// a concurrent Cancel is never overwritten.
	if err := e.Repo.AdvanceSessionIteration(ctx, tx, s.ID, out.attempt, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if n.Status == domain.NodeReady && e.Config.Run.BackoffMs > 0 {
		backoff(ctx, time.Duration(e.Config.Run.BackoffMs)*time.Millisecond)
	}
	return nil
}

// blockDependents marks every transitive dependent of a failed node
// blocked. Blocked nodes are never dispatched; retrying the failure is
// the only way to unblock them.
func (e Engine) blockDependents(ctx context.Context, tx *sql.Tx, s domain.Session, g *graph.Graph, nodes map[string]*domain.Node, failedID, actorID string) error {
	var toBlock []string
	for _, id := range g.TransitiveDependents(failedID) {
		n := nodes[id]
		if n.Status == domain.NodePending || n.Status == domain.NodeReady {
			toBlock = append(toBlock, id)
		}
	}
	if len(toBlock) == 0 {
		return nil
	}
	now := e.stamp()
	if err := e.Repo.MarkNodesBlocked(ctx, tx, s.WorkflowID, toBlock, now); err != nil {
		return err
	}
	for _, id := range toBlock {
		n := nodes[id]
		from := n.Status
		n.Status = domain.NodeBlocked
		n.UpdatedAt = now
		if _, err := e.Events.Append(ctx, tx, s.ID, session.EvtNodeTransition, "node", id, actorID, events.EventPayload{
			"from": from, "to": domain.NodeBlocked, "cause": "dependency_failed", "failed": failedID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// drainCancelled waits out the grace period for in-flight workers,
// settles whatever they produce, then fails anything still running.
// Dependents of every node failed here become blocked, same as on a
// budget-exhausted failure.
func (e Engine) drainCancelled(ctx context.Context, s domain.Session, g *graph.Graph, nodes map[string]*domain.Node, outcomes chan outcome, inFlight int, cancelWorkers context.CancelFunc, actorID string) (domain.Session, error) {
	cancelWorkers()
	grace := time.Duration(e.Config.Run.CancelGraceMs) * time.Millisecond
	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	settleCtx := context.WithoutCancel(ctx)
	for inFlight > 0 {
		select {
		case out := <-outcomes:
			inFlight--
			res := out.result
			res.ID = uuid.NewString()
			res.Status = domain.ResultFail
			if res.Error == "" {
				res.Error = "cancelled"
			}
			res.SessionID = s.ID
			res.NodeID = out.node.ID
			res.Attempt = out.attempt
			res.CreatedAt = e.stamp()
			if err := e.failCancelledNode(settleCtx, s, g, nodes, nodes[out.node.ID], res, actorID); err != nil {
				return s, err
			}
		case <-deadline.C:
			inFlight = 0
		}
	}

	// Anything the grace period did not settle stays marked failed.
	for _, n := range nodes {
		if n.Status != domain.NodeRunning {
			continue
		}
		res := domain.ExecutionResult{
			ID:        uuid.NewString(),
			SessionID: s.ID,
			NodeID:    n.ID,
			Attempt:   n.Attempts,
			Status:    domain.ResultFail,
			Error:     "cancelled",
			CreatedAt: e.stamp(),
		}
		if err := e.failCancelledNode(settleCtx, s, g, nodes, n, res, actorID); err != nil {
			return s, err
		}
	}

	fresh, err := e.Repo.GetSession(settleCtx, s.ID)
	if err != nil {
		return s, err
	}
	return fresh, nil
}

func (e Engine) failCancelledNode(ctx context.Context, s domain.Session, g *graph.Graph, nodes map[string]*domain.Node, n *domain.Node, res domain.ExecutionResult, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertResult(ctx, tx, res); err != nil {
		return err
	}
	if err := e.transitionNodeTx(ctx, tx, s.ID, n, domain.NodeFailed, "cancelled", actorID); err != nil {
		return err
	}
	if err := e.blockDependents(ctx, tx, s, g, nodes, n.ID, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

// finishSession derives the terminal session status from node states.
// The row is re-read first: a Cancel that landed after the last outcome
// settled must win over the loop's stale copy.
func (e Engine) finishSession(ctx context.Context, s domain.Session, nodes map[string]*domain.Node, actorID string) (domain.Session, error) {
	fresh, err := e.Repo.GetSession(ctx, s.ID)
	if err != nil {
		return s, err
	}
	if fresh.Status != domain.SessionRunning {
		return fresh, nil
	}

	final := domain.SessionSucceeded
	for _, n := range nodes {
		if n.Status != domain.NodeSucceeded {
			final = domain.SessionFailed
			break
		}
	}
	fresh.Status = final
	fresh.UpdatedAt = e.stamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fresh, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateSession(ctx, tx, fresh); err != nil {
		return fresh, err
	}
	if _, err := e.Events.Append(ctx, tx, fresh.ID, session.EvtSessionFinished, "session", fresh.ID, actorID, events.EventPayload{"status": final}); err != nil {
		return fresh, err
	}
	if err := tx.Commit(); err != nil {
		return fresh, err
	}
	return fresh, nil
}

// transitionNode persists a node status change with its event in one
// transaction.
func (e Engine) transitionNode(ctx context.Context, sessionID string, n *domain.Node, newStatus, cause, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.transitionNodeTx(ctx, tx, sessionID, n, newStatus, cause, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) transitionNodeTx(ctx context.Context, tx *sql.Tx, sessionID string, n *domain.Node, newStatus, cause, actorID string) error {
	if err := ensureNodeTransition(n.Status, newStatus, false); err != nil {
		return err
	}
	from := n.Status
	n.Status = newStatus
	n.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateNode(ctx, tx, *n); err != nil {
		return err
	}
	_, err := e.Events.Append(ctx, tx, sessionID, session.EvtNodeTransition, "node", n.ID, actorID, events.EventPayload{
		"from": from, "to": newStatus, "cause": cause,
	})
	return err
}

func personaContext(s domain.Session, n domain.Node, bound []contract.BoundContract, prior map[string]string) persona.NodeContext {
	return persona.NodeContext{
		SessionID:      s.ID,
		Node:           n,
		Attempt:        n.Attempts,
		Requirement:    n.Requirement,
		OutputRoot:     n.OutputRoot,
		Contracts:      bound,
		PriorArtifacts: prior,
	}
}

func backoff(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
