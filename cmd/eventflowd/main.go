// Command eventflowd runs the gateway's event processor and reconciliation
// tasks against the configured event store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/randalmurphal/eventflow/pkg/eventflow/config"
	"github.com/randalmurphal/eventflow/pkg/eventflow/gateway"
	"github.com/randalmurphal/eventflow/pkg/eventflow/handlers"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/processor"
	"github.com/randalmurphal/eventflow/pkg/eventflow/publisher"
	"github.com/randalmurphal/eventflow/pkg/eventflow/registry"
	"github.com/randalmurphal/eventflow/pkg/eventflow/scheduler"
	"github.com/randalmurphal/eventflow/pkg/eventflow/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "eventflowd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(os.Stderr, settings.Log.Level, settings.Log.Format,
		"application", settings.Application)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, settings.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", settings.Store.Driver, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}()

	metrics := observability.NewMetricsRecorder()
	spans := observability.NewSpanManager()

	reg := registry.New()
	reg.Register(handlers.NewAuditLogger(logger))
	reg.Register(handlers.NewInviteMailer(handlers.LogMailer{Logger: logger}))
	if settings.Kafka.Enabled() {
		w, err := handlers.NewKafkaWriter(settings.Kafka.Brokers, settings.Kafka.ClientID)
		if err != nil {
			return err
		}
		defer w.Close()
		reg.Register(handlers.NewKafkaForwarder(w, settings.Kafka.Topic))
	}

	pub := publisher.New(st, reg,
		publisher.WithApplication(settings.Application),
		publisher.WithLogger(logger),
		publisher.WithMetrics(metrics),
		publisher.WithSpanManager(spans),
	)

	proc := processor.New(st, reg,
		processor.WithInterval(settings.Processor.Interval),
		processor.WithStartupDelay(settings.Processor.StartupDelay),
		processor.WithBatchSize(settings.Processor.BatchSize),
		processor.WithMaxRetries(settings.Processor.MaxRetries),
		processor.WithLogger(logger),
		processor.WithMetrics(metrics),
		processor.WithSpanManager(spans),
	)

	sched := scheduler.New(
		scheduler.WithStagger(settings.Scheduler.Stagger),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
	)
	tasks := append([]scheduler.Task{proc}, reconciliationTasks(settings.Reconcile, pub, logger)...)
	for _, task := range tasks {
		if err := sched.Register(task); err != nil {
			return fmt.Errorf("register %s: %w", task.Name(), err)
		}
	}

	logger.Info("eventflowd starting",
		"store", settings.Store.Driver,
		"handlers", reg.Endpoints(),
		"tasks", len(tasks),
	)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	exit, err := sched.Wait(ctx)
	sched.Stop()
	if err != nil {
		logger.Info("eventflowd shutting down", "reason", err)
		return nil
	}
	if exit.Err != nil && !errors.Is(exit.Err, context.Canceled) {
		return fmt.Errorf("task %s exited: %w", exit.Name, exit.Err)
	}
	return nil
}

func openStore(ctx context.Context, s config.StoreSettings) (store.Store, error) {
	switch s.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	case config.DriverSQLite:
		return store.NewSQLiteStore(s.DSN)
	case config.DriverPostgres:
		return store.NewPostgresStore(ctx, s.DSN, store.PostgresConfig{MaxConns: int32(s.MaxConns)})
	default:
		return nil, fmt.Errorf("unknown store driver %q", s.Driver)
	}
}

// reconciliationTasks builds the gateway tasks whose interval is set. The
// buy repository and PIX verifier are in-process until the gateway's own
// persistence is wired in.
func reconciliationTasks(s config.ReconcileSettings, pub gateway.Publisher, logger *slog.Logger) []scheduler.Task {
	buys := gateway.NewMemoryBuyRepository()
	opts := []gateway.TaskOption{gateway.WithLogger(logger)}

	var tasks []scheduler.Task
	if s.ExpireInterval > 0 {
		tasks = append(tasks, gateway.NewExpireStaleBuysTask(buys, pub, s.ExpireInterval, s.BuyTTL, opts...))
	}
	if s.VerifyInterval > 0 {
		tasks = append(tasks, gateway.NewVerifyPaidBuysTask(buys, gateway.NewSandboxPix(), pub, s.VerifyInterval, opts...))
	}
	if s.DisputesInterval > 0 {
		tasks = append(tasks, gateway.NewResolveDisputesTask(buys, pub, s.DisputesInterval, opts...))
	}
	return tasks
}
