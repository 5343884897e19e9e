package configuration

import (
	"time"

	"github.com/redis/go-redis/v9"
)

type MaestroConfig struct {
	// Connection details for the redis instance backing the generic scheduler.
	Redis RedisConfig
	// Connection details for the pulsar broker carrying scheduler events.
	Pulsar PulsarConfig
	// Connection details for the postgres instance backing the p-scheduler.
	Postgres PostgresConfig
	// Generic scheduler tuning.
	Scheduler SchedulerConfig
	// Worker pool tuning.
	Worker WorkerConfig
	// Reconciliation loop tuning.
	Reconciler ReconcilerConfig
	// Hook commands implementing the service probe and actions.
	Executor ExecutorConfig
	// Port on which prometheus metrics are exposed.
	MetricsPort uint16
}

type RedisConfig struct {
	// Either a single address or a seed list of host:port addresses.
	Addrs           []string
	DB              int
	Password        string
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int
	MinIdleConns    int
	MasterName      string
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:           rc.Addrs,
		DB:              rc.DB,
		Password:        rc.Password,
		MaxRetries:      rc.MaxRetries,
		MinRetryBackoff: rc.MinRetryBackoff,
		MaxRetryBackoff: rc.MaxRetryBackoff,
		DialTimeout:     rc.DialTimeout,
		ReadTimeout:     rc.ReadTimeout,
		WriteTimeout:    rc.WriteTimeout,
		PoolSize:        rc.PoolSize,
		MinIdleConns:    rc.MinIdleConns,
		MasterName:      rc.MasterName,
	}
}

type PulsarConfig struct {
	URL string
	// Prefix prepended to every event topic name.
	TopicPrefix string
	// Name of the shared subscription used by scheduler consumers.
	SubscriptionName  string
	ConnectionTimeout time.Duration
	ReceiveTimeout    time.Duration
	BackoffTime       time.Duration
}

type PostgresConfig struct {
	// libpq key/value connection parameters, e.g. host, port, dbname.
	Connection map[string]string
}

type SchedulerConfig struct {
	// Namespace prefixed to every redis key written by the scheduler store.
	KeyNamespace string
}

type WorkerConfig struct {
	// Number of concurrent workers claiming steps.
	Count int
	// How long a worker sleeps when no step is available.
	PollInterval time.Duration
	// Interval between lease renewals while a step is executing.
	HeartbeatInterval time.Duration
	// Duration of the lease taken out on a claimed step.
	LeaseDuration time.Duration
}

type ExecutorConfig struct {
	// Argv of the hook reporting a service's status on stdout.
	StatusCommand []string
	// Argv of the hook starting a service; the request payload arrives on stdin.
	StartCommand []string
	// Argv of the hook stopping a service.
	StopCommand []string
	// Grace period granted to the stop hook.
	StopTimeout time.Duration
	// Attempt budget of the generated workflow steps.
	StepAttempts int
	// Per-attempt timeout of the generated workflow steps.
	StepTimeout time.Duration
}

type ReconcilerConfig struct {
	// Interval between global reconciliation sweeps.
	SweepInterval time.Duration
	// Redis key used for the sweep mutual-exclusion lease.
	LeaderKey string
	// Duration of the sweep leader lease.
	LeaderLeaseDuration time.Duration
}
