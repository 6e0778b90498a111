// Package persona resolves persona references to executors and runs
// node work. Unknown references are rejected up front so a workflow
// never starts with an unrunnable node.
package persona

import (
	"context"
	"fmt"
	"sort"

	"crewline/internal/contract"
	"crewline/internal/domain"
)

// NodeContext is everything an executor sees for one attempt.
type NodeContext struct {
	SessionID   string
	Node        domain.Node
	Attempt     int
	Requirement string
	OutputRoot  string
	Contracts   []contract.BoundContract
	// PriorArtifacts lists outputs from completed upstream nodes,
	// relative path -> content hash.
	PriorArtifacts map[string]string
}

// Executor runs one node attempt. Implementations report partial
// output through the result; a non-nil error means the attempt could
// not run at all.
type Executor interface {
	Execute(ctx context.Context, nc NodeContext) (domain.ExecutionResult, error)
}

// Scanner derives quality metrics from an attempt's output tree.
type Scanner interface {
	Scan(ctx context.Context, outputRoot string) (map[string]float64, error)
}

// Registry maps persona references to executors.
type Registry struct {
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

func (r *Registry) Register(ref string, e Executor) {
	r.executors[ref] = e
}

// Resolve returns the executor for ref.
func (r *Registry) Resolve(ref string) (Executor, error) {
	e, ok := r.executors[ref]
	if !ok {
		return nil, fmt.Errorf("unknown persona %q", ref)
	}
	return e, nil
}

// Validate checks that every referenced persona is registered. It is
// called when a workflow is imported, before any node can run.
func (r *Registry) Validate(refs []string) error {
	var missing []string
	seen := map[string]bool{}
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		if _, ok := r.executors[ref]; !ok {
			missing = append(missing, ref)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("unknown persona(s): %v", missing)
	}
	return nil
}

// Refs returns registered persona references in ascending order.
func (r *Registry) Refs() []string {
	refs := make([]string, 0, len(r.executors))
	for ref := range r.executors {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
