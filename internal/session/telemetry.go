package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-listen/session"

type instruments struct {
	tasks       metric.Int64Counter
	restarts    metric.Int64Counter
	errors      metric.Int64Counter
	transcripts metric.Int64Counter
	tracer      trace.Tracer
}

func newInstruments(meter metric.Meter, tracer trace.Tracer) (*instruments, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	tasks, err := meter.Int64Counter("loqa.session.tasks", metric.WithDescription("Recognition tasks started"))
	if err != nil {
		return nil, err
	}
	restarts, err := meter.Int64Counter("loqa.session.restarts", metric.WithDescription("Automatic recognition restarts"))
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter("loqa.session.errors", metric.WithDescription("Errors reported to observers"))
	if err != nil {
		return nil, err
	}
	transcripts, err := meter.Int64Counter("loqa.session.transcripts", metric.WithDescription("Transcript events emitted"))
	if err != nil {
		return nil, err
	}
	return &instruments{
		tasks:       tasks,
		restarts:    restarts,
		errors:      errs,
		transcripts: transcripts,
		tracer:      tracer,
	}, nil
}

func (i *instruments) taskStarted(ctx context.Context, locale string) {
	i.tasks.Add(ctx, 1, metric.WithAttributes(attribute.String("locale", locale)))
}

func (i *instruments) restarted(ctx context.Context) {
	i.restarts.Add(ctx, 1)
}

func (i *instruments) errorReported(ctx context.Context, kind ErrorKind) {
	i.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}

func (i *instruments) transcript(ctx context.Context, final bool) {
	i.transcripts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("final", final)))
}
