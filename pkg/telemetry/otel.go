package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "eventline"

// InitMeterProvider installs a global meter provider exporting metrics to
// stdout on the given interval. It returns a shutdown function that flushes
// pending metrics.
func InitMeterProvider(ctx context.Context, serviceName string, interval time.Duration) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// OTelSink translates signals into OpenTelemetry instruments.
type OTelSink struct {
	commandsStarted   metric.Int64Counter
	commandsSucceeded metric.Int64Counter
	commandsFailed    metric.Int64Counter
	idempotentOps     metric.Int64Counter
	leadershipChanges metric.Int64Counter
	commandDuration   metric.Float64Histogram
	cycleDuration     metric.Float64Histogram
	eventsFetched     metric.Int64Counter
	eventsHandled     metric.Int64Counter
}

// NewOTelSink creates a sink on the global meter provider.
func NewOTelSink() (*OTelSink, error) {
	meter := otel.Meter(instrumentationScope)
	s := &OTelSink{}

	var err error
	if s.commandsStarted, err = meter.Int64Counter("eventline.commands.started"); err != nil {
		return nil, err
	}
	if s.commandsSucceeded, err = meter.Int64Counter("eventline.commands.succeeded"); err != nil {
		return nil, err
	}
	if s.commandsFailed, err = meter.Int64Counter("eventline.commands.failed"); err != nil {
		return nil, err
	}
	if s.idempotentOps, err = meter.Int64Counter("eventline.commands.idempotent"); err != nil {
		return nil, err
	}
	if s.leadershipChanges, err = meter.Int64Counter("eventline.leadership.changes"); err != nil {
		return nil, err
	}
	if s.commandDuration, err = meter.Float64Histogram("eventline.commands.duration",
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if s.cycleDuration, err = meter.Float64Histogram("eventline.processor.cycle_duration",
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if s.eventsFetched, err = meter.Int64Counter("eventline.processor.events_fetched"); err != nil {
		return nil, err
	}
	if s.eventsHandled, err = meter.Int64Counter("eventline.processor.events_handled"); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *OTelSink) Emit(signal Signal) {
	ctx := context.Background()
	switch sig := signal.(type) {
	case CommandStarted:
		s.commandsStarted.Add(ctx, 1,
			metric.WithAttributes(attribute.String("command_type", sig.CommandType)))
	case CommandSucceeded:
		attrs := metric.WithAttributes(attribute.String("command_type", sig.CommandType))
		s.commandsSucceeded.Add(ctx, 1, attrs)
		s.commandDuration.Record(ctx, float64(sig.Duration.Milliseconds()), attrs)
	case CommandFailed:
		s.commandsFailed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("command_type", sig.CommandType),
			attribute.String("error_type", sig.ErrorType),
		))
	case IdempotentOperation:
		s.idempotentOps.Add(ctx, 1,
			metric.WithAttributes(attribute.String("command_type", sig.CommandType)))
	case LeadershipChanged:
		s.leadershipChanges.Add(ctx, 1, metric.WithAttributes(
			attribute.String("instance_id", sig.InstanceID),
			attribute.String("processor_id", sig.ProcessorID),
			attribute.Bool("is_leader", sig.IsLeader),
		))
	case ProcessingCycle:
		attrs := metric.WithAttributes(attribute.String("processor_id", sig.ProcessorID))
		s.eventsFetched.Add(ctx, int64(sig.Fetched), attrs)
		s.eventsHandled.Add(ctx, int64(sig.Handled), attrs)
		s.cycleDuration.Record(ctx, float64(sig.Duration.Milliseconds()), attrs)
	}
}
