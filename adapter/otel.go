// Package adapter connects a display to external monitoring systems.
package adapter

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/xshm/api"
	"github.com/srediag/xshm/pkg/xshm"
)

const instrumentationName = "github.com/srediag/xshm"

// OTelObserver is an xshm.Observer recording OpenTelemetry metrics and one
// span per transfer, from the request to its completion.
type OTelObserver struct {
	tracer      trace.Tracer
	transitions metric.Int64Counter
	operations  metric.Int64Counter
	bytes       metric.Int64Counter
	pending     metric.Int64UpDownCounter
	latency     metric.Float64Histogram
	orphans     metric.Int64Counter

	spans sync.Map // *xshm.Operation -> trace.Span
}

var _ xshm.Observer = (*OTelObserver)(nil)

// NewOTelObserver creates the instruments. Nil providers fall back to the
// no-op implementations.
func NewOTelObserver(mp metric.MeterProvider, tp trace.TracerProvider) (*OTelObserver, error) {
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	meter := mp.Meter(instrumentationName)
	o := &OTelObserver{tracer: tp.Tracer(instrumentationName)}

	var err error
	if o.transitions, err = meter.Int64Counter("xshm.segment.transitions",
		metric.WithDescription("Segment state transitions.")); err != nil {
		return nil, err
	}
	if o.operations, err = meter.Int64Counter("xshm.operations",
		metric.WithDescription("Finished transfer operations.")); err != nil {
		return nil, err
	}
	if o.bytes, err = meter.Int64Counter("xshm.transfer.bytes",
		metric.WithDescription("Bytes moved by completed transfers."), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if o.pending, err = meter.Int64UpDownCounter("xshm.operations.pending",
		metric.WithDescription("Transfers waiting for a completion.")); err != nil {
		return nil, err
	}
	if o.latency, err = meter.Float64Histogram("xshm.operation.duration",
		metric.WithDescription("Time from request to completion."), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if o.orphans, err = meter.Int64Counter("xshm.completions.orphan",
		metric.WithDescription("Completions matching no pending operation.")); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *OTelObserver) SegmentCreated(seg *xshm.Segment) {
	o.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("to", xshm.StateCreated.String())))
}

func (o *OTelObserver) SegmentTransition(seg *xshm.Segment, from, to xshm.SegmentState) {
	o.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String())))
}

func (o *OTelObserver) OperationStarted(op *xshm.Operation) {
	ctx := context.Background()
	kind := attribute.String("kind", op.Kind().String())
	o.pending.Add(ctx, 1, metric.WithAttributes(kind))
	_, span := o.tracer.Start(ctx, "xshm."+op.Kind().String(),
		trace.WithTimestamp(op.Started()),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			kind,
			attribute.Int64("xshm.sequence", int64(op.Sequence())),
			attribute.Int64("xshm.offset", int64(op.Offset())),
			attribute.Int64("xshm.length", int64(op.Length())),
		))
	o.spans.Store(op, span)
}

func (o *OTelObserver) OperationFinished(op *xshm.Operation, err error) {
	ctx := context.Background()
	kind := attribute.String("kind", op.Kind().String())
	outcome := xshm.OutcomeCompleted.String()
	if err != nil {
		outcome = xshm.OutcomeFailed.String()
	}
	o.pending.Add(ctx, -1, metric.WithAttributes(kind))
	o.operations.Add(ctx, 1, metric.WithAttributes(kind, attribute.String("outcome", outcome)))
	o.latency.Record(ctx, time.Since(op.Started()).Seconds(), metric.WithAttributes(kind))
	if err == nil {
		o.bytes.Add(ctx, int64(op.Length()), metric.WithAttributes(kind))
	}

	v, ok := o.spans.LoadAndDelete(op)
	if !ok {
		return
	}
	span := v.(trace.Span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (o *OTelObserver) OrphanCompletion(seq api.Sequence) {
	o.orphans.Add(context.Background(), 1)
}

// OpenSpans returns the number of transfers with an unfinished span.
func (o *OTelObserver) OpenSpans() int {
	n := 0
	o.spans.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
