// Package daemon wires the event store, telemetry and the processor runtime
// into a runnable service.
package daemon

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.jetify.com/typeid"

	"eventline/pkg/dcb"
	"eventline/pkg/processor"
)

// Config is the daemon configuration, loadable from a YAML file and
// EVENTLINE_* environment variables.
type Config struct {
	Database struct {
		URL          string `mapstructure:"url" validate:"required"`
		MaxConns     int    `mapstructure:"max_conns" validate:"gte=1"`
		QueryTimeout int    `mapstructure:"query_timeout_ms" validate:"gte=0"`
	} `mapstructure:"database"`

	InstanceID string `mapstructure:"instance_id" validate:"required"`

	Store struct {
		EventsTable          string `mapstructure:"events_table" validate:"required"`
		PersistCommands      bool   `mapstructure:"persist_commands"`
		TransactionIsolation string `mapstructure:"transaction_isolation" validate:"oneof=READ_COMMITTED REPEATABLE_READ SERIALIZABLE"`
		MaxBatchSize         int    `mapstructure:"max_batch_size" validate:"gte=1"`
	} `mapstructure:"store"`

	Processor struct {
		TickIntervalMs int     `mapstructure:"tick_interval_ms" validate:"gte=1"`
		BatchSize      int     `mapstructure:"batch_size" validate:"gte=1"`
		MaxErrors      int     `mapstructure:"max_errors" validate:"gte=1"`
		BaseSkip       int     `mapstructure:"base_skip" validate:"gte=0"`
		Growth         float64 `mapstructure:"growth" validate:"gte=1"`
		MaxSkip        int     `mapstructure:"max_skip" validate:"gte=0"`
	} `mapstructure:"processor"`

	Leader struct {
		Strategy string `mapstructure:"strategy" validate:"oneof=GLOBAL PER_PROCESSOR"`
	} `mapstructure:"leader"`

	Telemetry struct {
		Enabled          bool `mapstructure:"enabled"`
		ExportIntervalMs int  `mapstructure:"export_interval_ms" validate:"gte=100"`
		Buffer           int  `mapstructure:"buffer" validate:"gte=1"`
	} `mapstructure:"telemetry"`
}

// LoadConfig reads configuration from the given file (optional) and the
// environment, applies defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EVENTLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Registering a default makes the key visible to Unmarshal even when the
	// value only arrives through the environment.
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.query_timeout_ms", 10000)
	v.SetDefault("instance_id", defaultInstanceID())
	v.SetDefault("store.events_table", "events")
	v.SetDefault("store.persist_commands", true)
	v.SetDefault("store.transaction_isolation", "READ_COMMITTED")
	v.SetDefault("store.max_batch_size", 1000)
	v.SetDefault("processor.tick_interval_ms", 100)
	v.SetDefault("processor.batch_size", 100)
	v.SetDefault("processor.max_errors", 5)
	v.SetDefault("processor.base_skip", 1)
	v.SetDefault("processor.growth", 2.0)
	v.SetDefault("processor.max_skip", 32)
	v.SetDefault("leader.strategy", "PER_PROCESSOR")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.export_interval_ms", 15000)
	v.SetDefault("telemetry.buffer", 1024)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// defaultInstanceID generates a stable-for-this-process identifier when the
// deployment does not provide one.
func defaultInstanceID() string {
	tid, err := typeid.WithPrefix("instance")
	if err != nil {
		return "instance_unknown"
	}
	return tid.String()
}

// StoreConfig translates daemon settings into an event store configuration.
func (c Config) StoreConfig() (dcb.EventStoreConfig, error) {
	isolation, err := dcb.ParseIsolationLevel(c.Store.TransactionIsolation)
	if err != nil {
		return dcb.EventStoreConfig{}, err
	}
	sc := dcb.DefaultConfig()
	sc.TargetEventsTable = c.Store.EventsTable
	sc.MaxBatchSize = c.Store.MaxBatchSize
	sc.QueryTimeout = c.Database.QueryTimeout
	sc.AppendTimeout = c.Database.QueryTimeout
	sc.DefaultIsolation = isolation
	sc.PersistCommands = c.Store.PersistCommands
	return sc, nil
}

// RuntimeConfig translates daemon settings into a processor runtime
// configuration.
func (c Config) RuntimeConfig() (processor.Config, error) {
	strategy, err := processor.ParseStrategy(c.Leader.Strategy)
	if err != nil {
		return processor.Config{}, err
	}
	return processor.Config{
		InstanceID:   c.InstanceID,
		Strategy:     strategy,
		TickInterval: time.Duration(c.Processor.TickIntervalMs) * time.Millisecond,
		BatchSize:    c.Processor.BatchSize,
		MaxErrors:    c.Processor.MaxErrors,
		Backoff: processor.BackoffPolicy{
			BaseSkip: c.Processor.BaseSkip,
			Growth:   c.Processor.Growth,
			MaxSkip:  c.Processor.MaxSkip,
		},
		EventsTable: c.Store.EventsTable,
	}, nil
}
