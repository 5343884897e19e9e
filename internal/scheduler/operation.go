package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// OperationContext carries named values between the steps of a schedule.
// Values are opaque serialized blobs; steps are responsible for encoding
// and decoding their own entries.
type OperationContext map[string][]byte

// Step is the smallest retryable unit of work. Execute moves the system
// toward the operation's goal, Revert compensates a previous Execute.
// Both must be idempotent since they can run more than once.
type Step interface {
	Name() string
	Execute(ctx context.Context, opCtx OperationContext) (OperationContext, error)
	Revert(ctx context.Context, opCtx OperationContext) (OperationContext, error)
	ExecuteRetries() int
	ExecuteTimeout() time.Duration
	RevertRetries() int
	RevertTimeout() time.Duration
	// ExecuteProvidesKeys declares the context keys Execute writes.
	// Declared keys may not appear in the initial context of an operation.
	ExecuteProvidesKeys() []string
	// WaitForManualIntervention reports whether a step that exhausted its
	// attempts should park the schedule for an operator instead of
	// triggering an undo.
	WaitForManualIntervention() bool
}

// StepDefaults provides the usual answers for steps that do not need
// retries, timeouts or reverts. Embed it and override what differs.
type StepDefaults struct{}

func (StepDefaults) Execute(ctx context.Context, opCtx OperationContext) (OperationContext, error) {
	return nil, nil
}

func (StepDefaults) Revert(ctx context.Context, opCtx OperationContext) (OperationContext, error) {
	return nil, nil
}

func (StepDefaults) ExecuteRetries() int             { return 0 }
func (StepDefaults) ExecuteTimeout() time.Duration   { return 5 * time.Second }
func (StepDefaults) RevertRetries() int              { return 0 }
func (StepDefaults) RevertTimeout() time.Duration    { return 5 * time.Second }
func (StepDefaults) ExecuteProvidesKeys() []string   { return nil }
func (StepDefaults) WaitForManualIntervention() bool { return false }

// StepGroup is a batch of steps executed together before the schedule
// advances. Single groups hold exactly one step, parallel groups at least
// two.
type StepGroup struct {
	steps            []Step
	parallel         bool
	repeat           bool
	waitBeforeRepeat time.Duration
}

type GroupOption func(*StepGroup)

// WithRepeat marks the group as repeating. Once all its steps succeed the
// group waits for the given duration and runs again, until the schedule is
// cancelled. Only the last group of an operation may repeat.
func WithRepeat(waitBeforeRepeat time.Duration) GroupOption {
	return func(g *StepGroup) {
		g.repeat = true
		g.waitBeforeRepeat = waitBeforeRepeat
	}
}

func Single(step Step, opts ...GroupOption) *StepGroup {
	g := &StepGroup{steps: []Step{step}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func Parallel(steps []Step, opts ...GroupOption) *StepGroup {
	g := &StepGroup{steps: steps, parallel: true}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *StepGroup) Steps() []Step { return g.steps }

func (g *StepGroup) Repeats() bool { return g.repeat }

func (g *StepGroup) WaitBeforeRepeat() time.Duration { return g.waitBeforeRepeat }

// Name returns the stable persisted identifier of the group at the given
// index, e.g. "0S" for a single group, "1P" for a parallel one, with an
// "R" suffix when the group repeats.
func (g *StepGroup) Name(index int) string {
	mode := "S"
	if g.parallel {
		mode = "P"
	}
	suffix := ""
	if g.repeat {
		suffix = "R"
	}
	return fmt.Sprintf("%d%s%s", index, mode, suffix)
}

func (g *StepGroup) StepByName(name string) (Step, bool) {
	for _, step := range g.steps {
		if step.Name() == name {
			return step, true
		}
	}
	return nil, false
}

// Operation is a named workflow template made of ordered step groups.
type Operation struct {
	Groups []*StepGroup
	// Cancellable reports whether CancelOperation is allowed on schedules
	// of this operation.
	Cancellable bool
	// InitialContextRequiredKeys must all be present in the initial
	// context passed to StartOperation.
	InitialContextRequiredKeys []string
}

func NewOperation(cancellable bool, groups ...*StepGroup) *Operation {
	return &Operation{Groups: groups, Cancellable: cancellable}
}

// Validate checks the shape of the operation. All violations are reported
// at once.
func (op *Operation) Validate() error {
	var result *multierror.Error
	if len(op.Groups) == 0 {
		result = multierror.Append(result, errors.New("operation must have at least one step group"))
	}
	seenSteps := map[string]bool{}
	seenKeys := map[string]string{}
	for i, group := range op.Groups {
		if group.parallel && len(group.steps) < 2 {
			result = multierror.Append(result,
				errors.Errorf("parallel group %d must have at least 2 steps, got %d", i, len(group.steps)))
		}
		if !group.parallel && len(group.steps) != 1 {
			result = multierror.Append(result,
				errors.Errorf("single group %d must have exactly 1 step, got %d", i, len(group.steps)))
		}
		if group.repeat && i != len(op.Groups)-1 {
			result = multierror.Append(result,
				errors.Errorf("group %d repeats but only the last group may repeat", i))
		}
		for _, step := range group.steps {
			if seenSteps[step.Name()] {
				result = multierror.Append(result,
					errors.Errorf("step name %q is used more than once", step.Name()))
			}
			seenSteps[step.Name()] = true
			if group.repeat && step.WaitForManualIntervention() {
				result = multierror.Append(result,
					errors.Errorf("step %q waits for manual intervention inside a repeating group, which would deadlock", step.Name()))
			}
			for _, key := range step.ExecuteProvidesKeys() {
				if owner, ok := seenKeys[key]; ok {
					result = multierror.Append(result,
						errors.Errorf("context key %q provided by both %q and %q", key, owner, step.Name()))
				}
				seenKeys[key] = step.Name()
			}
		}
	}
	return result.ErrorOrNil()
}

// ProvidedContextKeys maps every context key declared by the operation's
// steps to the name of the step providing it.
func (op *Operation) ProvidedContextKeys() map[string]string {
	keys := map[string]string{}
	for _, group := range op.Groups {
		for _, step := range group.steps {
			for _, key := range step.ExecuteProvidesKeys() {
				keys[key] = step.Name()
			}
		}
	}
	return keys
}

func (op *Operation) StepNames() []string {
	names := []string{}
	for _, group := range op.Groups {
		for _, step := range group.steps {
			names = append(names, step.Name())
		}
	}
	return names
}

func (op *Operation) GetStep(name string) (Step, bool) {
	for _, group := range op.Groups {
		if step, ok := group.StepByName(name); ok {
			return step, true
		}
	}
	return nil, false
}
