package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"crewline/internal/domain"
)

// Config models crewline.yml.
type Config struct {
	Workflow struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"workflow" json:"workflow"`
	Run struct {
		Concurrency   int            `yaml:"concurrency" json:"concurrency"`
		RetryBudget   int            `yaml:"retry_budget" json:"retry_budget"`
		BackoffMs     int            `yaml:"backoff_ms" json:"backoff_ms"`
		CancelGraceMs int            `yaml:"cancel_grace_ms" json:"cancel_grace_ms"`
		TimeoutsMs    map[string]int `yaml:"timeouts_ms" json:"timeouts_ms"`
	} `yaml:"run" json:"run"`
	Gates struct {
		CompletenessFloor float64              `yaml:"completeness_floor" json:"completeness_floor"`
		Phases            map[string]GateParams `yaml:"phases" json:"phases"`
	} `yaml:"gates" json:"gates"`
	Personas struct {
		Catalog map[string]PersonaSpec `yaml:"catalog" json:"catalog"`
	} `yaml:"personas" json:"personas"`
}

// GateParams are the quality gate knobs for one phase.
type GateParams struct {
	BaseThreshold float64            `yaml:"base_threshold" json:"base_threshold"`
	RatchetStep   float64            `yaml:"ratchet_step" json:"ratchet_step"`
	MaxThreshold  float64            `yaml:"max_threshold" json:"max_threshold"`
	Weights       map[string]float64 `yaml:"weights" json:"weights"`
}

// PersonaSpec describes an executable persona from the catalog.
type PersonaSpec struct {
	Description string   `yaml:"description" json:"description"`
	Command     []string `yaml:"command,omitempty" json:"command,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cw workflow config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workflow.ID == "" {
		return fmt.Errorf("config.workflow.id is required")
	}
	if c.Run.Concurrency < 1 {
		return fmt.Errorf("config.run.concurrency must be >= 1")
	}
	if c.Run.RetryBudget < 0 {
		return fmt.Errorf("config.run.retry_budget must be >= 0")
	}
	if c.Gates.CompletenessFloor < 0 || c.Gates.CompletenessFloor > 1 {
		return fmt.Errorf("config.gates.completeness_floor must be in [0,1]")
	}
	if c.Gates.Phases == nil {
		return fmt.Errorf("config.gates.phases is required")
	}
	for phase, g := range c.Gates.Phases {
		if !domain.ValidPhase(phase) {
			return fmt.Errorf("config.gates.phases has unknown phase %s", phase)
		}
		if g.RatchetStep < 0 {
			return fmt.Errorf("gate for phase %s has negative ratchet_step", phase)
		}
		if g.MaxThreshold < g.BaseThreshold {
			return fmt.Errorf("gate for phase %s has max_threshold below base_threshold", phase)
		}
		for name, w := range g.Weights {
			if name == "" {
				return fmt.Errorf("gate for phase %s has empty metric name", phase)
			}
			if w < 0 {
				return fmt.Errorf("gate for phase %s has negative weight for %s", phase, name)
			}
		}
	}
	for phase := range c.Run.TimeoutsMs {
		if !domain.ValidPhase(phase) {
			return fmt.Errorf("config.run.timeouts_ms has unknown phase %s", phase)
		}
	}
	for ref, p := range c.Personas.Catalog {
		if ref == "" {
			return fmt.Errorf("config.personas.catalog contains empty persona ref")
		}
		for _, arg := range p.Command {
			if arg == "" {
				return fmt.Errorf("persona %s has empty command argument", ref)
			}
		}
	}
	return nil
}

// Gate returns the gate parameters for a phase, falling back to the
// requirements phase when the phase has no explicit entry.
func (c *Config) Gate(phase string) GateParams {
	if g, ok := c.Gates.Phases[phase]; ok {
		return g
	}
	return c.Gates.Phases["requirements"]
}

// Timeout returns the dispatch timeout in milliseconds for a phase, 0 means none.
func (c *Config) Timeout(phase string) int {
	return c.Run.TimeoutsMs[phase]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crewline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workflowID string) string {
	return fmt.Sprintf(defaultTemplate, workflowID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a workflow.
func Default(workflowID string) *Config {
	var cfg Config
	cfg.Workflow.ID = workflowID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workflowID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workflow:
  id: %s

run:
  concurrency: 4
  retry_budget: 2
  backoff_ms: 500
  cancel_grace_ms: 5000
  timeouts_ms:
    requirements: 600000
    design: 900000
    implementation: 1800000
    verification: 1200000
    deployment: 600000

gates:
  completeness_floor: 0.7
  phases:
    requirements:
      base_threshold: 50
      ratchet_step: 5
      max_threshold: 85
      weights:
        clarity: 1.0
        coverage: 1.0
    design:
      base_threshold: 55
      ratchet_step: 5
      max_threshold: 90
      weights:
        consistency: 1.0
        coverage: 1.0
    implementation:
      base_threshold: 60
      ratchet_step: 5
      max_threshold: 95
      weights:
        lint: 1.0
        coverage: 2.0
        security: 1.0
    verification:
      base_threshold: 65
      ratchet_step: 5
      max_threshold: 95
      weights:
        coverage: 2.0
        flakiness: 1.0
    deployment:
      base_threshold: 70
      ratchet_step: 5
      max_threshold: 95
      weights:
        checks: 1.0

personas:
  catalog:
    analyst:
      description: "Gathers and refines requirements"
    architect:
      description: "Produces the design and interface contracts"
    developer:
      description: "Implements code against bound contracts"
    reviewer:
      description: "Verifies implementation quality"
    operator:
      description: "Handles deployment artifacts"
`
