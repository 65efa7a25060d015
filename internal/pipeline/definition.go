package pipeline

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/custsat/internal/domain"
)

const DefinitionSchemaV1 = "custsat.pipeline.v1"

//go:embed default.yaml
var defaultDefinition []byte

// Definition configures the promotion pipeline: per-step retry policy, split
// and train settings, and where artifacts land in the artifact bucket.
type Definition struct {
	Schema    string           `json:"schema" yaml:"schema"`
	Steps     []StepPolicy     `json:"steps" yaml:"steps"`
	Split     SplitSettings    `json:"split" yaml:"split"`
	Train     TrainSettings    `json:"train" yaml:"train"`
	Artifacts ArtifactSettings `json:"artifacts" yaml:"artifacts"`
}

type StepPolicy struct {
	Name       string        `json:"name" yaml:"name"`
	Retries    int           `json:"retries" yaml:"retries"`
	RetryDelay time.Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
}

type SplitSettings struct {
	TestRatio    float64 `json:"test_ratio" yaml:"test_ratio"`
	TargetColumn string  `json:"target_column" yaml:"target_column"`
}

type TrainSettings struct {
	Experiment  string `json:"experiment" yaml:"experiment"`
	NEstimators int    `json:"n_estimators" yaml:"n_estimators"`
}

type ArtifactSettings struct {
	RunPrefix     string `json:"run_prefix" yaml:"run_prefix"`
	ProductionKey string `json:"production_key" yaml:"production_key"`
}

func DefaultDefinition() Definition {
	def, err := ParseDefinition(defaultDefinition)
	if err != nil {
		panic(fmt.Sprintf("embedded pipeline definition: %v", err))
	}
	return def
}

// LoadDefinition reads a definition file; an empty path selects the embedded default.
func LoadDefinition(path string) (Definition, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return ParseDefinition(defaultDefinition)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read pipeline definition: %w", err)
	}
	return ParseDefinition(data)
}

func ParseDefinition(input []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(input, &def); err != nil {
		return Definition{}, fmt.Errorf("decode pipeline definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

func (d Definition) Validate() error {
	if strings.TrimSpace(d.Schema) != DefinitionSchemaV1 {
		return fmt.Errorf("definition.schema must be %q", DefinitionSchemaV1)
	}
	if len(d.Steps) != len(domain.StepOrder) {
		return fmt.Errorf("definition.steps must list exactly %d steps (got %d)", len(domain.StepOrder), len(d.Steps))
	}
	for i, step := range d.Steps {
		if strings.TrimSpace(step.Name) != domain.StepOrder[i] {
			return fmt.Errorf("definition.steps[%d].name must be %q (got %q)", i, domain.StepOrder[i], step.Name)
		}
		if step.Retries < 0 {
			return fmt.Errorf("definition.steps[%d].retries must be >= 0", i)
		}
		if step.RetryDelay < 0 {
			return fmt.Errorf("definition.steps[%d].retry_delay must be >= 0", i)
		}
		if step.Name == domain.StepApproveModel && step.Retries != 0 {
			return fmt.Errorf("definition.steps[%d].retries must be 0 for the approval gate", i)
		}
	}
	if d.Split.TestRatio <= 0 || d.Split.TestRatio >= 1 {
		return fmt.Errorf("definition.split.test_ratio must be between 0 and 1 (got %v)", d.Split.TestRatio)
	}
	if strings.TrimSpace(d.Split.TargetColumn) == "" {
		return fmt.Errorf("definition.split.target_column is required")
	}
	if strings.TrimSpace(d.Train.Experiment) == "" {
		return fmt.Errorf("definition.train.experiment is required")
	}
	if d.Train.NEstimators < 1 {
		return fmt.Errorf("definition.train.n_estimators must be >= 1")
	}
	if strings.TrimSpace(d.Artifacts.RunPrefix) == "" {
		return fmt.Errorf("definition.artifacts.run_prefix is required")
	}
	if strings.TrimSpace(d.Artifacts.ProductionKey) == "" {
		return fmt.Errorf("definition.artifacts.production_key is required")
	}
	return nil
}

// Policy returns the retry policy for a step name.
func (d Definition) Policy(name string) (StepPolicy, bool) {
	for _, step := range d.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return StepPolicy{}, false
}
