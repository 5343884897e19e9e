package pscheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/maestroproject/maestro/internal/common/orcerrors"
)

// StepHandler performs one step's work against a resource. The payload is
// the serialized user request that triggered the workflow.
type StepHandler func(ctx context.Context, resourceKey string, payload []byte) error

// WorkflowStep is the static definition of one step type of a workflow.
type WorkflowStep struct {
	Type   string
	Apply  StepHandler
	Revert StepHandler
	// AvailableAttempts is the total attempt budget of the step, at least 1.
	AvailableAttempts int
	Timeout           time.Duration
}

// Workflow is an ordered list of step groups. Steps within a group run in
// parallel; groups run strictly in order (reversed when reverting).
type Workflow struct {
	Name   string
	Groups [][]*WorkflowStep
}

// Validate checks the shape of the workflow, reporting all violations.
func (w *Workflow) Validate() error {
	var result *multierror.Error
	if len(w.Groups) == 0 {
		result = multierror.Append(result, errors.New("workflow must have at least one step group"))
	}
	seen := map[string]bool{}
	for i, group := range w.Groups {
		if len(group) == 0 {
			result = multierror.Append(result, errors.Errorf("group %d is empty", i))
		}
		for _, step := range group {
			if seen[step.Type] {
				result = multierror.Append(result, errors.Errorf("step type %q is used more than once", step.Type))
			}
			seen[step.Type] = true
			if step.AvailableAttempts < 1 {
				result = multierror.Append(result,
					errors.Errorf("step %q must have at least 1 available attempt", step.Type))
			}
			if step.Timeout <= 0 {
				result = multierror.Append(result, errors.Errorf("step %q must declare a timeout", step.Type))
			}
		}
	}
	return result.ErrorOrNil()
}

// GroupsInOrder returns the step groups in execution order for the given
// direction: forward when applying, reversed when reverting.
func (w *Workflow) GroupsInOrder(isReverting bool) [][]*WorkflowStep {
	if !isReverting {
		return w.Groups
	}
	reversed := make([][]*WorkflowStep, 0, len(w.Groups))
	for i := len(w.Groups) - 1; i >= 0; i-- {
		reversed = append(reversed, w.Groups[i])
	}
	return reversed
}

func (w *Workflow) GetStep(stepType string) (*WorkflowStep, bool) {
	for _, group := range w.Groups {
		for _, step := range group {
			if step.Type == stepType {
				return step, true
			}
		}
	}
	return nil, false
}

func (w *Workflow) StepTypes() []string {
	types := []string{}
	for _, group := range w.Groups {
		for _, step := range group {
			types = append(types, step.Type)
		}
	}
	return types
}

// WorkflowRegistry maps workflow names to definitions. Populated once at
// startup, read-only afterwards.
type WorkflowRegistry struct {
	workflows map[string]*Workflow
}

func NewWorkflowRegistry() *WorkflowRegistry {
	return &WorkflowRegistry{workflows: map[string]*Workflow{}}
}

func (r *WorkflowRegistry) Register(workflow *Workflow) error {
	if _, ok := r.workflows[workflow.Name]; ok {
		return &orcerrors.ErrAlreadyExists{Type: "workflow", Value: workflow.Name}
	}
	if err := workflow.Validate(); err != nil {
		return err
	}
	r.workflows[workflow.Name] = workflow
	return nil
}

func (r *WorkflowRegistry) Get(name string) (*Workflow, error) {
	workflow, ok := r.workflows[name]
	if !ok {
		return nil, &orcerrors.ErrNotFound{
			Type:    "workflow",
			Value:   name,
			Message: fmt.Sprintf("registered workflows: [%s]", strings.Join(r.registeredNames(), ", ")),
		}
	}
	return workflow, nil
}

func (r *WorkflowRegistry) GetStep(workflowName string, stepType string) (*WorkflowStep, error) {
	workflow, err := r.Get(workflowName)
	if err != nil {
		return nil, err
	}
	step, ok := workflow.GetStep(stepType)
	if !ok {
		return nil, &orcerrors.ErrNotFound{
			Type:    "step",
			Value:   stepType,
			Message: fmt.Sprintf("workflow %q has steps: [%s]", workflowName, strings.Join(workflow.StepTypes(), ", ")),
		}
	}
	return step, nil
}

func (r *WorkflowRegistry) registeredNames() []string {
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
