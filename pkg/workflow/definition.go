package workflow

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"conductor/pkg/invoker"
	"conductor/pkg/unit"
	"conductor/pkg/wfcontext"
)

// Definition is a declarative workflow loaded from YAML. Each step's task is
// dispatched through the invocation controller and its result stored under
// the step name in the context's artifacts.
type Definition struct {
	Name        string    `yaml:"name"`
	Owner       string    `yaml:"owner"`
	Mode        string    `yaml:"mode"` // sequential (default) or parallel
	MaxParallel int       `yaml:"max_parallel"`
	Steps       []StepDef `yaml:"steps"`
}

// StepDef is one declarative step.
type StepDef struct {
	Name string `yaml:"name"`
	Task string `yaml:"task"`
	// When names an artifact key the step requires. The step is skipped
	// when the key is absent or false at dispatch time.
	When  string   `yaml:"when,omitempty"`
	Perms []string `yaml:"perms,omitempty"`
}

// LoadDefinition parses and validates a workflow definition file.
func LoadDefinition(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}
	return ParseDefinition(raw)
}

// ParseDefinition parses a workflow definition from YAML bytes.
func ParseDefinition(raw []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural soundness: a name, at least one step, unique
// step names, nonempty tasks, a known mode.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow definition missing name")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.Name)
	}
	switch d.Mode {
	case "", "sequential", "parallel":
	default:
		return fmt.Errorf("workflow %s: unknown mode %q", d.Name, d.Mode)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("workflow %s: step %d missing name", d.Name, i)
		}
		if step.Task == "" {
			return fmt.Errorf("workflow %s: step %s missing task", d.Name, step.Name)
		}
		if seen[step.Name] {
			return fmt.Errorf("workflow %s: duplicate step name %s", d.Name, step.Name)
		}
		seen[step.Name] = true
	}
	return nil
}

// Bind turns the definition's steps into executable steps wired to the
// invocation controller. Each step invokes its task and stores the result
// fields under the step name.
func (d *Definition) Bind(ctrl *invoker.Controller) []Step {
	steps := make([]Step, 0, len(d.Steps))
	for _, sd := range d.Steps {
		sd := sd
		step := Step{
			Unit: unit.Func{
				UnitName: sd.Name,
				Fn: func(ctx context.Context, wc *wfcontext.Context) (any, error) {
					res, err := ctrl.Invoke(ctx, sd.Name, sd.Task, wc, sd.Perms)
					if err != nil {
						return nil, err
					}
					if serr := wc.Set(sd.Name, res.Fields); serr != nil {
						return nil, serr
					}
					return res.Fields, nil
				},
			},
		}
		if sd.When != "" {
			step.Predicate = whenPredicate(sd.When)
		}
		steps = append(steps, step)
	}
	return steps
}

// Run executes the bound definition in its declared mode.
func (d *Definition) Run(ctx context.Context, o *Orchestrator, wc *wfcontext.Context, ctrl *invoker.Controller) *Result {
	steps := d.Bind(ctrl)
	if d.Mode == "parallel" {
		return o.RunParallel(ctx, wc, steps)
	}
	return o.RunSequential(ctx, wc, steps)
}

// whenPredicate gates a step on an artifact key being present and truthy.
func whenPredicate(key string) func(wc *wfcontext.Context) bool {
	return func(wc *wfcontext.Context) bool {
		v, ok := wc.Lookup(key)
		if !ok {
			return false
		}
		switch t := v.(type) {
		case bool:
			return t
		case nil:
			return false
		case string:
			return t != ""
		default:
			return true
		}
	}
}
