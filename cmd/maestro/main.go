package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/maestroproject/maestro/internal/common"
	"github.com/maestroproject/maestro/internal/common/database"
	"github.com/maestroproject/maestro/internal/common/task"
	"github.com/maestroproject/maestro/internal/common/util"
	"github.com/maestroproject/maestro/internal/configuration"
	"github.com/maestroproject/maestro/internal/pscheduler"
	"github.com/maestroproject/maestro/internal/scheduler"
)

func main() {
	common.ConfigureLogging()
	root := &cobra.Command{
		Use:   "maestro",
		Short: "Durable scheduler for dynamic-service workflows",
		RunE:  runMaestro,
	}
	root.Flags().String("config", "./config/maestro", "directory containing config.yaml")
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runMaestro(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	var config configuration.MaestroConfig
	common.LoadConfig(&config, configPath)

	log.Info("starting maestro")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	defer redisClient.Close()

	bus, err := scheduler.NewPulsarEventBus(config.Pulsar)
	if err != nil {
		return err
	}
	defer bus.Close()

	pool, err := database.OpenPgxPool(config.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pscheduler.Migrate(ctx, pool); err != nil {
		return err
	}

	clock := &util.DefaultClock{}

	// Generic message-driven engine.
	store := scheduler.NewStore(redisClient, config.Scheduler.KeyNamespace)
	runner := scheduler.NewDeferredRunner(store, bus)
	operations := scheduler.NewRegistry()
	core := scheduler.NewScheduler(operations, store, bus, runner, clock)
	if err := core.Start(); err != nil {
		return err
	}

	// SQL-backed service engine.
	driver, err := pscheduler.NewExecDriver(config.Executor)
	if err != nil {
		return err
	}
	workflows := pscheduler.NewWorkflowRegistry()
	for _, workflow := range pscheduler.NewExecWorkflows(driver, config.Executor) {
		if err := workflows.Register(workflow); err != nil {
			return err
		}
	}

	requests := pscheduler.NewPostgresUserRequestRepository(pool)
	runs := pscheduler.NewPostgresRunRepository(pool)
	steps := pscheduler.NewPostgresStepRepository(pool)
	leases := pscheduler.NewPostgresLeaseRepository(pool)

	leader := pscheduler.NewRedisLeaderController(redisClient, config.Reconciler)
	go func() {
		if err := leader.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("leader controller stopped")
		}
	}()

	reconciler := pscheduler.NewReconciler(
		requests, runs, steps, leases, workflows, driver, bus, leader, clock)
	if err := reconciler.Start(); err != nil {
		return err
	}
	taskManager := task.NewBackgroundTaskManager("maestro_")
	taskManager.Register(func() { reconciler.ReconcileAll(ctx) }, config.Reconciler.SweepInterval, "reconciliation_sweep")
	defer taskManager.StopAll(10 * time.Second)

	workers := pscheduler.NewWorkerPool(
		steps, leases, runs, requests, workflows, bus, config.Worker, clock)
	if err := workers.Start(); err != nil {
		return err
	}
	workersDone := make(chan error, 1)
	go func() { workersDone <- workers.Run(ctx) }()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stopSignal:
		log.WithField("signal", sig.String()).Info("shutting down")
		cancel()
		<-workersDone
	case err := <-workersDone:
		if err != nil {
			return err
		}
	}
	runner.Wait()
	return nil
}
