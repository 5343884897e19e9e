package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/maestroproject/maestro/internal/common/orcerrors"
)

// Registry maps operation names to their definitions. It is populated once
// at application startup and read-only afterwards; no locking is done.
type Registry struct {
	operations map[string]*Operation
}

func NewRegistry() *Registry {
	return &Registry{operations: map[string]*Operation{}}
}

// Register validates the operation and stores it under name. It returns
// orcerrors.ErrAlreadyExists if the name is taken and the validation error
// if the operation is malformed.
func (r *Registry) Register(name string, operation *Operation) error {
	if _, ok := r.operations[name]; ok {
		return &orcerrors.ErrAlreadyExists{
			Type:  "operation",
			Value: name,
		}
	}
	if err := operation.Validate(); err != nil {
		return err
	}
	r.operations[name] = operation
	return nil
}

func (r *Registry) Unregister(name string) error {
	if _, ok := r.operations[name]; !ok {
		return &orcerrors.ErrNotFound{
			Type:    "operation",
			Value:   name,
			Message: fmt.Sprintf("registered operations: [%s]", strings.Join(r.registeredNames(), ", ")),
		}
	}
	delete(r.operations, name)
	return nil
}

func (r *Registry) Get(name string) (*Operation, error) {
	operation, ok := r.operations[name]
	if !ok {
		return nil, &orcerrors.ErrNotFound{
			Type:    "operation",
			Value:   name,
			Message: fmt.Sprintf("registered operations: [%s]", strings.Join(r.registeredNames(), ", ")),
		}
	}
	return operation, nil
}

// GetStep resolves a step by name within an operation. The error message
// lists the operation's steps for diagnosis.
func (r *Registry) GetStep(operationName string, stepName string) (Step, error) {
	operation, err := r.Get(operationName)
	if err != nil {
		return nil, err
	}
	step, ok := operation.GetStep(stepName)
	if !ok {
		return nil, &orcerrors.ErrNotFound{
			Type:    "step",
			Value:   stepName,
			Message: fmt.Sprintf("operation %q has steps: [%s]", operationName, strings.Join(operation.StepNames(), ", ")),
		}
	}
	return step, nil
}

func (r *Registry) registeredNames() []string {
	names := make([]string, 0, len(r.operations))
	for name := range r.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
