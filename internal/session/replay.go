// Package session rebuilds run state from the append-only event log.
// The log is the source of truth: replaying the same events always
// yields the same state, which is what makes resume safe.
package session

import (
	"encoding/json"
	"fmt"
	"sort"

	"crewline/internal/domain"
)

// Event types appended by the engine. Replay interprets these; every
// other type is carried but ignored.
const (
	EvtSessionStarted     = "session.started"
	EvtSessionResumed     = "session.resumed"
	EvtSessionPaused      = "session.paused"
	EvtSessionCancelled   = "session.cancelled"
	EvtSessionFinished    = "session.finished"
	EvtNodeTransition     = "node.transition"
	EvtNodeAttempt        = "node.attempt"
	EvtNodeResult         = "node.result"
	EvtGateEvaluated      = "gate.evaluated"
	EvtContractRegistered = "contract.registered"
	EvtContractBound      = "contract.bound"
	EvtContractEvolved    = "contract.evolved"
)

// GateSummary is the replayed view of a node's latest gate verdict.
type GateSummary struct {
	Iteration int      `json:"iteration"`
	Passed    bool     `json:"passed"`
	Blockers  []string `json:"blockers,omitempty"`
}

// GraphState is the fold of a session's event log.
type GraphState struct {
	SessionID string
	Status    string
	Iteration int
	// NodeStates holds the last known status per node.
	NodeStates map[string]string
	// Attempts counts execution attempts per node.
	Attempts map[string]int
	// Gates holds the latest gate verdict per node.
	Gates map[string]GateSummary
	// StaleContracts lists contract ids whose breaking evolution has
	// been observed, ascending.
	StaleContracts []string
	// LastSeq is the highest applied sequence number.
	LastSeq int64
}

type transitionPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type attemptPayload struct {
	Attempt int `json:"attempt"`
}

type gatePayload struct {
	Iteration int      `json:"iteration"`
	Passed    bool     `json:"passed"`
	Blockers  []string `json:"blockers,omitempty"`
}

type evolvePayload struct {
	Breaking bool `json:"breaking"`
	Version  int  `json:"version"`
}

// Replay folds events into a GraphState. Events must belong to one
// session; gaps or out-of-order sequence numbers are an error so a
// torn log is detected instead of silently applied.
func Replay(events []domain.Event) (GraphState, error) {
	state := GraphState{
		NodeStates: map[string]string{},
		Attempts:   map[string]int{},
		Gates:      map[string]GateSummary{},
	}
	stale := map[string]bool{}

	for _, evt := range events {
		if state.SessionID == "" {
			state.SessionID = evt.SessionID
		}
		if evt.SessionID != state.SessionID {
			return GraphState{}, fmt.Errorf("event %d belongs to session %s, replaying %s", evt.Seq, evt.SessionID, state.SessionID)
		}
		if evt.Seq != state.LastSeq+1 {
			return GraphState{}, fmt.Errorf("event log gap: seq %d after %d", evt.Seq, state.LastSeq)
		}
		state.LastSeq = evt.Seq

		switch evt.Type {
		case EvtSessionStarted, EvtSessionResumed:
			state.Status = domain.SessionRunning
		case EvtSessionPaused:
			state.Status = domain.SessionPaused
		case EvtSessionCancelled:
			state.Status = domain.SessionCancelled
		case EvtSessionFinished:
			var p struct {
				Status string `json:"status"`
			}
			if err := decode(evt, &p); err != nil {
				return GraphState{}, err
			}
			state.Status = p.Status
		case EvtNodeTransition:
			var p transitionPayload
			if err := decode(evt, &p); err != nil {
				return GraphState{}, err
			}
			state.NodeStates[evt.EntityID] = p.To
		case EvtNodeAttempt:
			var p attemptPayload
			if err := decode(evt, &p); err != nil {
				return GraphState{}, err
			}
			if p.Attempt > state.Attempts[evt.EntityID] {
				state.Attempts[evt.EntityID] = p.Attempt
			}
		case EvtGateEvaluated:
			var p gatePayload
			if err := decode(evt, &p); err != nil {
				return GraphState{}, err
			}
			state.Gates[evt.EntityID] = GateSummary(p)
			if p.Iteration > state.Iteration {
				state.Iteration = p.Iteration
			}
		case EvtContractEvolved:
			var p evolvePayload
			if err := decode(evt, &p); err != nil {
				return GraphState{}, err
			}
			if p.Breaking {
				stale[evt.EntityID] = true
			}
		}
	}

	for id := range stale {
		state.StaleContracts = append(state.StaleContracts, id)
	}
	sort.Strings(state.StaleContracts)
	return state, nil
}

func decode(evt domain.Event, dst any) error {
	if evt.Payload == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(evt.Payload), dst); err != nil {
		return fmt.Errorf("decode %s payload at seq %d: %w", evt.Type, evt.Seq, err)
	}
	return nil
}

// Interrupted returns node ids that were mid-flight when the log ends:
// last observed state is running with no terminal transition after it.
// Resume re-queues these, accepting that their work may run twice.
func (s GraphState) Interrupted() []string {
	var ids []string
	for id, st := range s.NodeStates {
		if st == domain.NodeRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Terminal reports whether every node the log has seen reached a
// terminal state.
func (s GraphState) Terminal() bool {
	for _, st := range s.NodeStates {
		switch st {
		case domain.NodeSucceeded, domain.NodeFailed, domain.NodeBlocked:
		default:
			return false
		}
	}
	return true
}
