package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EVENTFLOW_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Settings is the daemon configuration.
type Settings struct {
	Application string `env:"APPLICATION"`

	Log       LogSettings       `envPrefix:"LOG_"`
	Store     StoreSettings     `envPrefix:"STORE_"`
	Processor ProcessorSettings `envPrefix:"PROCESSOR_"`
	Scheduler SchedulerSettings `envPrefix:"SCHEDULER_"`
	Kafka     KafkaSettings     `envPrefix:"KAFKA_"`
	Reconcile ReconcileSettings `envPrefix:"RECONCILE_"`
}

// LogSettings configures the process logger.
type LogSettings struct {
	Level  string `env:"LEVEL"`
	Format string `env:"FORMAT"`
}

// StoreSettings selects and configures the event store.
type StoreSettings struct {
	Driver   string `env:"DRIVER"`
	DSN      string `env:"DSN"`
	MaxConns int    `env:"MAX_CONNS"`
}

// ProcessorSettings tunes the event processor.
type ProcessorSettings struct {
	Interval     time.Duration `env:"INTERVAL"`
	StartupDelay time.Duration `env:"STARTUP_DELAY"`
	BatchSize    int           `env:"BATCH_SIZE"`
	MaxRetries   int           `env:"MAX_RETRIES"`
}

// SchedulerSettings tunes task staggering.
type SchedulerSettings struct {
	Stagger time.Duration `env:"STAGGER"`
}

// KafkaSettings configures event forwarding. Forwarding is off when no
// brokers are set.
type KafkaSettings struct {
	Brokers  []string `env:"BROKERS" envSeparator:","`
	Topic    string   `env:"TOPIC"`
	ClientID string   `env:"CLIENT_ID"`
}

// Enabled reports whether forwarding is configured.
func (k KafkaSettings) Enabled() bool {
	return len(k.Brokers) > 0
}

// ReconcileSettings configures the gateway reconciliation tasks.
// A zero interval disables the task.
type ReconcileSettings struct {
	ExpireInterval   time.Duration `env:"EXPIRE_INTERVAL"`
	VerifyInterval   time.Duration `env:"VERIFY_INTERVAL"`
	DisputesInterval time.Duration `env:"DISPUTES_INTERVAL"`
	BuyTTL           time.Duration `env:"BUY_TTL"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() Settings {
	return Settings{
		Application: "gateway",
		Log: LogSettings{
			Level:  "info",
			Format: "json",
		},
		Store: StoreSettings{
			Driver: DriverSQLite,
			DSN:    "eventflow.db",
		},
		Processor: ProcessorSettings{
			Interval:   5 * time.Second,
			BatchSize:  100,
			MaxRetries: 10,
		},
		Scheduler: SchedulerSettings{
			Stagger: 15 * time.Second,
		},
		Kafka: KafkaSettings{
			Topic:    "gateway-events",
			ClientID: "eventflowd",
		},
		Reconcile: ReconcileSettings{
			ExpireInterval:   time.Minute,
			VerifyInterval:   30 * time.Second,
			DisputesInterval: 5 * time.Minute,
			BuyTTL:           30 * time.Minute,
		},
	}
}

// FromConfig overlays the values present in c onto base.
func FromConfig(c Config, base Settings) Settings {
	s := base
	s.Application = c.String("application", s.Application)

	log := c.Sub("log")
	s.Log.Level = log.String("level", s.Log.Level)
	s.Log.Format = log.String("format", s.Log.Format)

	st := c.Sub("store")
	s.Store.Driver = st.String("driver", s.Store.Driver)
	s.Store.DSN = st.String("dsn", s.Store.DSN)
	s.Store.MaxConns = st.Int("max_conns", s.Store.MaxConns)

	proc := c.Sub("processor")
	s.Processor.Interval = proc.Duration("interval", s.Processor.Interval)
	s.Processor.StartupDelay = proc.Duration("startup_delay", s.Processor.StartupDelay)
	s.Processor.BatchSize = proc.Int("batch_size", s.Processor.BatchSize)
	s.Processor.MaxRetries = proc.Int("max_retries", s.Processor.MaxRetries)

	s.Scheduler.Stagger = c.Sub("scheduler").Duration("stagger", s.Scheduler.Stagger)

	kafka := c.Sub("kafka")
	s.Kafka.Brokers = kafka.StringSlice("brokers", s.Kafka.Brokers)
	s.Kafka.Topic = kafka.String("topic", s.Kafka.Topic)
	s.Kafka.ClientID = kafka.String("client_id", s.Kafka.ClientID)

	rec := c.Sub("reconcile")
	s.Reconcile.ExpireInterval = rec.Duration("expire_interval", s.Reconcile.ExpireInterval)
	s.Reconcile.VerifyInterval = rec.Duration("verify_interval", s.Reconcile.VerifyInterval)
	s.Reconcile.DisputesInterval = rec.Duration("disputes_interval", s.Reconcile.DisputesInterval)
	s.Reconcile.BuyTTL = rec.Duration("buy_ttl", s.Reconcile.BuyTTL)

	return s
}

// Load builds settings from defaults, then the file at path (skipped when
// path is empty), then EVENTFLOW_* environment variables.
func Load(path string) (Settings, error) {
	s := Defaults()

	if path != "" {
		c, err := FromFile(path)
		if err != nil {
			return Settings{}, err
		}
		s = FromConfig(c, s)
	}

	if err := env.ParseWithOptions(&s, env.Options{Prefix: EnvPrefix}); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate reports the first invalid setting.
func (s Settings) Validate() error {
	var errs []error

	switch s.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if s.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", s.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", s.Store.Driver))
	}

	if s.Processor.Interval <= 0 {
		errs = append(errs, errors.New("processor.interval must be positive"))
	}
	if s.Processor.MaxRetries < 1 {
		errs = append(errs, errors.New("processor.max_retries must be at least 1"))
	}
	if s.Scheduler.Stagger < 0 {
		errs = append(errs, errors.New("scheduler.stagger must not be negative"))
	}
	if s.Kafka.Enabled() && s.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}

	return errors.Join(errs...)
}
