package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"crewline/internal/contract"
	"crewline/internal/domain"
	"crewline/internal/graph"
)

// Definition is the YAML shape of an importable workflow.
type Definition struct {
	Workflow struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"workflow"`
	Nodes     []NodeDef     `yaml:"nodes"`
	Contracts []ContractDef `yaml:"contracts"`
}

type NodeDef struct {
	ID           string   `yaml:"id"`
	Persona      string   `yaml:"persona"`
	Phase        string   `yaml:"phase"`
	DependsOn    []string `yaml:"depends_on"`
	Deliverables []string `yaml:"deliverables"`
	Requirement  string   `yaml:"requirement"`
	OutputRoot   string   `yaml:"output_root"`
}

type ContractDef struct {
	ID        string              `yaml:"id"`
	Provider  string              `yaml:"provider"`
	Spec      domain.ContractSpec `yaml:"spec"`
	Consumers []ConsumerDef       `yaml:"consumers"`
}

type ConsumerDef struct {
	Node    string              `yaml:"node"`
	Expects domain.ContractSpec `yaml:"expects"`
}

// ParseDefinition decodes a workflow definition from YAML.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("invalid workflow yaml: %w", err)
	}
	return def, nil
}

// DefinitionFromFile reads and decodes a workflow definition.
func DefinitionFromFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}
	return ParseDefinition(data)
}

// ImportWorkflow validates a definition and persists it: graph shape
// first, then personas, then contracts. Nothing is written until the
// whole definition checks out; a bad contract leaves no workflow.
func (e Engine) ImportWorkflow(ctx context.Context, def Definition, actorID string) (domain.Workflow, error) {
	if def.Workflow.ID == "" {
		return domain.Workflow{}, fmt.Errorf("workflow.id is required")
	}
	if len(def.Nodes) == 0 {
		return domain.Workflow{}, fmt.Errorf("workflow %s has no nodes", def.Workflow.ID)
	}

	specs := make([]graph.NodeSpec, 0, len(def.Nodes))
	refs := make([]string, 0, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.Persona == "" {
			return domain.Workflow{}, fmt.Errorf("node %s has no persona", n.ID)
		}
		if !domain.ValidPhase(n.Phase) {
			return domain.Workflow{}, fmt.Errorf("node %s has unknown phase %q", n.ID, n.Phase)
		}
		specs = append(specs, graph.NodeSpec{ID: n.ID, DependsOn: n.DependsOn})
		refs = append(refs, n.Persona)
	}
	if _, err := graph.Build(specs); err != nil {
		return domain.Workflow{}, err
	}
	if e.Registry != nil {
		if err := e.Registry.Validate(refs); err != nil {
			return domain.Workflow{}, err
		}
	}
	nodeIdx := map[string]bool{}
	for _, n := range def.Nodes {
		nodeIdx[n.ID] = true
	}
	for _, c := range def.Contracts {
		if err := contract.ValidateSpec(c.Spec); err != nil {
			return domain.Workflow{}, fmt.Errorf("contract %s: %w", c.ID, err)
		}
		if !nodeIdx[c.Provider] {
			return domain.Workflow{}, fmt.Errorf("contract %s names unknown provider node %s", c.ID, c.Provider)
		}
		for _, con := range c.Consumers {
			if !nodeIdx[con.Node] {
				return domain.Workflow{}, fmt.Errorf("contract %s names unknown consumer node %s", c.ID, con.Node)
			}
			if err := contract.Satisfies(c.Spec, con.Expects); err != nil {
				return domain.Workflow{}, fmt.Errorf("contract %s consumer %s: %w", c.ID, con.Node, err)
			}
		}
	}

	now := e.stamp()
	w := domain.Workflow{
		ID:        def.Workflow.ID,
		Name:      def.Workflow.Name,
		Status:    "active",
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkflow(ctx, tx, w); err != nil {
		return w, err
	}
	for _, nd := range def.Nodes {
		outputRoot := nd.OutputRoot
		if outputRoot == "" {
			outputRoot = filepath.Join("out", nd.ID)
		}
		n := domain.Node{
			ID:           nd.ID,
			WorkflowID:   w.ID,
			PersonaRef:   nd.Persona,
			Phase:        nd.Phase,
			Status:       domain.NodePending,
			DependsOn:    nd.DependsOn,
			Deliverables: nd.Deliverables,
			OutputRoot:   outputRoot,
			Requirement:  nd.Requirement,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertNode(ctx, tx, n); err != nil {
			return w, err
		}
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}

	// Contracts write their own transactions and events.
	for _, c := range def.Contracts {
		if _, err := e.Contracts.Register(ctx, w.ID, "", c.ID, c.Provider, c.Spec, actorID); err != nil {
			return w, fmt.Errorf("register contract %s: %w", c.ID, err)
		}
		for _, con := range c.Consumers {
			if _, err := e.Contracts.Bind(ctx, "", c.ID, con.Node, con.Expects, actorID); err != nil {
				return w, fmt.Errorf("bind contract %s to %s: %w", c.ID, con.Node, err)
			}
		}
	}
	return w, nil
}
