package pscheduler

import (
	"context"
	"time"
)

// StatusProbe reports the observed state of a dynamic service. An absent
// service is a normal answer, not an error; errors are reserved for the
// probe itself failing.
type StatusProbe interface {
	GetServiceStatus(ctx context.Context, resourceKey string) (ServiceStatus, error)
}

// ActionExecutor performs the actual side effects against the service
// runtime. The payload is the serialized user request and is opaque to the
// scheduler.
type ActionExecutor interface {
	RunDynamicService(ctx context.Context, resourceKey string, payload []byte) error
	StopDynamicService(ctx context.Context, resourceKey string, payload []byte, timeout time.Duration) error
}
