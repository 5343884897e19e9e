package pscheduler

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/maestroproject/maestro/internal/configuration"
)

// ExecDriver implements StatusProbe and ActionExecutor by shelling out to
// operator-configured hook commands. The resource key is appended as the
// last argument and the request payload is written to stdin, so hooks can
// be anything from a docker wrapper to a fleet API client.
type ExecDriver struct {
	config configuration.ExecutorConfig
}

func NewExecDriver(config configuration.ExecutorConfig) (*ExecDriver, error) {
	if len(config.StatusCommand) == 0 || len(config.StartCommand) == 0 || len(config.StopCommand) == 0 {
		return nil, errors.New("executor config must declare status, start and stop commands")
	}
	return &ExecDriver{config: config}, nil
}

func (d *ExecDriver) GetServiceStatus(ctx context.Context, resourceKey string) (ServiceStatus, error) {
	output, err := d.runHook(ctx, d.config.StatusCommand, resourceKey, nil)
	if err != nil {
		return "", errors.Wrapf(err, "status hook failed for %s", resourceKey)
	}
	status := ServiceStatus(strings.ToUpper(strings.TrimSpace(output)))
	switch status {
	case ServiceStatusAbsent, ServiceStatusPresent, ServiceStatusStarting,
		ServiceStatusStopping, ServiceStatusFailed:
		return status, nil
	}
	return "", errors.Errorf("status hook reported unknown status %q for %s", status, resourceKey)
}

func (d *ExecDriver) RunDynamicService(ctx context.Context, resourceKey string, payload []byte) error {
	_, err := d.runHook(ctx, d.config.StartCommand, resourceKey, payload)
	return errors.Wrapf(err, "start hook failed for %s", resourceKey)
}

func (d *ExecDriver) StopDynamicService(ctx context.Context, resourceKey string, payload []byte, timeout time.Duration) error {
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := d.runHook(hookCtx, d.config.StopCommand, resourceKey, payload)
	return errors.Wrapf(err, "stop hook failed for %s", resourceKey)
}

func (d *ExecDriver) runHook(ctx context.Context, argv []string, resourceKey string, payload []byte) (string, error) {
	args := append(append([]string{}, argv[1:]...), resourceKey)
	cmd := exec.CommandContext(ctx, argv[0], args...)
	if payload != nil {
		cmd.Stdin = bytes.NewReader(payload)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		log.WithField("hook", argv[0]).
			WithField("resourceKey", resourceKey).
			WithField("stderr", stderr.String()).
			Warn("hook command failed")
		return "", errors.Wrapf(err, "%s: %s", argv[0], strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// NewExecWorkflows builds the start-service and stop-service workflows on
// top of an ActionExecutor. Starting reverts by stopping and vice versa, so
// an abandoned run always converges back to a clean state.
func NewExecWorkflows(executor ActionExecutor, config configuration.ExecutorConfig) []*Workflow {
	run := func(ctx context.Context, resourceKey string, payload []byte) error {
		return executor.RunDynamicService(ctx, resourceKey, payload)
	}
	stop := func(ctx context.Context, resourceKey string, payload []byte) error {
		return executor.StopDynamicService(ctx, resourceKey, payload, config.StopTimeout)
	}
	return []*Workflow{
		{
			Name: WorkflowStartService,
			Groups: [][]*WorkflowStep{{{
				Type:              "run-service",
				Apply:             run,
				Revert:            stop,
				AvailableAttempts: config.StepAttempts,
				Timeout:           config.StepTimeout,
			}}},
		},
		{
			Name: WorkflowStopService,
			Groups: [][]*WorkflowStep{{{
				Type:              "stop-service",
				Apply:             stop,
				Revert:            run,
				AvailableAttempts: config.StepAttempts,
				Timeout:           config.StepTimeout,
			}}},
		},
	}
}
