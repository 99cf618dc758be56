package daemon

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"eventline/pkg/dcb"
	"eventline/pkg/processor"
	"eventline/pkg/telemetry"
)

// Daemon owns the shared infrastructure of an eventline process: the
// connection pool, the event store, the telemetry pipeline and the processor
// runtime.
type Daemon struct {
	cfg      Config
	pool     *pgxpool.Pool
	store    dcb.EventStore
	executor *dcb.CommandExecutor
	runtime  *processor.Runtime

	dispatcher   *telemetry.Dispatcher
	shutdownOTel func(context.Context) error
}

// New connects to the database and wires all components. Call Close when
// done.
func New(ctx context.Context, cfg Config) (*Daemon, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	d := &Daemon{cfg: cfg, pool: pool}

	var sink telemetry.Sink = telemetry.NopSink{}
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitMeterProvider(ctx, "eventline",
			time.Duration(cfg.Telemetry.ExportIntervalMs)*time.Millisecond)
		if err != nil {
			pool.Close()
			return nil, err
		}
		d.shutdownOTel = shutdown

		otelSink, err := telemetry.NewOTelSink()
		if err != nil {
			pool.Close()
			return nil, err
		}
		d.dispatcher = telemetry.NewDispatcher(otelSink, cfg.Telemetry.Buffer)
		sink = d.dispatcher
	}

	storeCfg, err := cfg.StoreConfig()
	if err != nil {
		pool.Close()
		return nil, err
	}
	store, err := dcb.NewEventStoreWithConfig(ctx, pool, storeCfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	d.store = store
	d.executor = dcb.NewCommandExecutor(store, dcb.WithSink(sink))

	runtimeCfg, err := cfg.RuntimeConfig()
	if err != nil {
		pool.Close()
		return nil, err
	}
	d.runtime = processor.NewRuntime(pool, runtimeCfg, processor.WithRuntimeSink(sink))

	return d, nil
}

// Store returns the event store.
func (d *Daemon) Store() dcb.EventStore { return d.store }

// Executor returns the command executor.
func (d *Daemon) Executor() *dcb.CommandExecutor { return d.executor }

// Runtime returns the processor runtime for registration and management.
func (d *Daemon) Runtime() *processor.Runtime { return d.runtime }

// Run starts the processor runtime and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	log.Printf("eventline: instance %s starting, leader strategy %s",
		d.cfg.InstanceID, d.cfg.Leader.Strategy)
	return d.runtime.Start(ctx)
}

// Close releases the telemetry pipeline and the connection pool.
func (d *Daemon) Close() {
	if d.dispatcher != nil {
		d.dispatcher.Close()
	}
	if d.shutdownOTel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.shutdownOTel(ctx); err != nil {
			log.Printf("eventline: telemetry shutdown: %v", err)
		}
	}
	d.pool.Close()
}
