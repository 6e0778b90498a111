package persona

import (
	"context"
	"os"
	"path/filepath"

	"crewline/internal/domain"
)

// StubStep is one scripted attempt outcome.
type StubStep struct {
	Status  string
	Error   string
	Metrics map[string]float64
	// Files maps relative paths to contents written under the node's
	// output root before the result is returned.
	Files map[string]string
}

// Stub is a scripted executor for dry runs and tests. Each call
// consumes the next step; the last step repeats once exhausted.
type Stub struct {
	Steps []StubStep
	calls int
}

func NewStub(steps ...StubStep) *Stub {
	if len(steps) == 0 {
		steps = []StubStep{{Status: "pass"}}
	}
	return &Stub{Steps: steps}
}

func (s *Stub) Execute(ctx context.Context, nc NodeContext) (domain.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ExecutionResult{}, err
	}
	step := s.Steps[min(s.calls, len(s.Steps)-1)]
	s.calls++

	for rel, content := range step.Files {
		path := filepath.Join(nc.OutputRoot, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return domain.ExecutionResult{}, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return domain.ExecutionResult{}, err
		}
	}

	status := step.Status
	if status == "" {
		status = "pass"
	}
	return domain.ExecutionResult{
		NodeID:    nc.Node.ID,
		SessionID: nc.SessionID,
		Attempt:   nc.Attempt,
		Status:    status,
		Error:     step.Error,
		Metrics:   step.Metrics,
	}, nil
}

// Calls reports how many attempts ran.
func (s *Stub) Calls() int { return s.calls }
