package app

import (
	"context"
	"errors"
	"fmt"

	"crewline/internal/config"
	"crewline/internal/repo"
)

// ResolveWorkflowAndConfig picks the active workflow and loads its
// config, preferring the explicit override, then a crewline.yml in the
// workspace, then the single workflow already in the database. Config
// found on disk is persisted so the server and CLI agree on it.
func ResolveWorkflowAndConfig(ctx context.Context, workspace, workflowOverride string, r repo.Repo) (string, *config.Config, error) {
	workflowID := workflowOverride

	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if workflowID == "" && fileCfg != nil {
		workflowID = fileCfg.Workflow.ID
	}
	if workflowID == "" {
		if w, err := r.SingleWorkflow(ctx); err == nil {
			workflowID = w.ID
		} else {
			return "", nil, fmt.Errorf("workflow not specified; use --workflow or add crewline.yml")
		}
	}

	if fileCfg != nil {
		fileCfg.Workflow.ID = workflowID
		if err := r.UpsertWorkflowConfig(ctx, workflowID, fileCfg); err != nil {
			return "", nil, fmt.Errorf("store workflow config: %w", err)
		}
		return workflowID, fileCfg, nil
	}

	cfg, err := r.GetWorkflowConfig(ctx, workflowID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			cfg = config.Default(workflowID)
			if err := r.UpsertWorkflowConfig(ctx, workflowID, cfg); err != nil {
				return "", nil, fmt.Errorf("seed workflow config: %w", err)
			}
		} else {
			return "", nil, err
		}
	}
	cfg.Workflow.ID = workflowID
	return workflowID, cfg, nil
}
