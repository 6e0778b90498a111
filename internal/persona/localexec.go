package persona

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"crewline/internal/domain"
)

// LocalExec runs a persona as an external command. Node context is
// passed through the environment; the command may emit a JSON metric
// map on its last stdout line.
type LocalExec struct {
	Command []string
	Env     []string
	Now     func() time.Time
}

func NewLocalExec(command []string) *LocalExec {
	return &LocalExec{Command: command, Now: time.Now}
}

func (l *LocalExec) Execute(ctx context.Context, nc NodeContext) (domain.ExecutionResult, error) {
	if len(l.Command) == 0 {
		return domain.ExecutionResult{}, fmt.Errorf("persona %s has no command", nc.Node.PersonaRef)
	}
	if err := os.MkdirAll(nc.OutputRoot, 0o755); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("prepare output root: %w", err)
	}

	start := l.Now()
	cmd := exec.CommandContext(ctx, l.Command[0], l.Command[1:]...)
	cmd.Dir = nc.OutputRoot
	cmd.Env = append(os.Environ(),
		"CREWLINE_SESSION_ID="+nc.SessionID,
		"CREWLINE_NODE_ID="+nc.Node.ID,
		"CREWLINE_PERSONA="+nc.Node.PersonaRef,
		"CREWLINE_PHASE="+nc.Node.Phase,
		fmt.Sprintf("CREWLINE_ATTEMPT=%d", nc.Attempt),
		"CREWLINE_REQUIREMENT="+nc.Requirement,
		"CREWLINE_OUTPUT_ROOT="+nc.OutputRoot,
	)
	cmd.Env = append(cmd.Env, l.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := domain.ExecutionResult{
		NodeID:     nc.Node.ID,
		SessionID:  nc.SessionID,
		Attempt:    nc.Attempt,
		Status:     "pass",
		Metrics:    parseMetrics(stdout.Bytes()),
		DurationMs: l.Now().Sub(start).Milliseconds(),
	}
	if runErr != nil {
		res.Status = "fail"
		res.Error = runErr.Error()
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			res.Error = fmt.Sprintf("%s: %s", runErr, msg)
		}
	}
	return res, nil
}

// parseMetrics reads a JSON object of metric name -> value from the
// last non-empty stdout line. Anything else is ignored.
func parseMetrics(out []byte) map[string]float64 {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var metrics map[string]float64
		if err := json.Unmarshal(line, &metrics); err == nil && len(metrics) > 0 {
			return metrics
		}
		break
	}
	return nil
}
