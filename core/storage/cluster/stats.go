package cluster

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// tracer is the span source for per-operation instrumentation. It defaults
// to a no-op tracer; SetTracer lets the process wire in the real tracer
// from pkg/telemetry once it has been initialized.
var tracer trace.Tracer = nooptrace.NewTracerProvider().Tracer("cluster")

// SetTracer installs the tracer used to bracket cluster operations. Call
// it once during process startup, before any cluster is opened.
func SetTracer(t trace.Tracer) {
	if t != nil {
		tracer = t
	}
}

// trackOp starts a span named "cluster."+op and returns a function that
// ends the span and records the call's latency into the cluster's
// OpLatencyHistogram, tagged by operation name. Call the returned
// function via defer at the top of every public CRUD method.
func (c *Cluster) trackOp(op string) func() {
	start := time.Now()
	_, span := tracer.Start(context.Background(), "cluster."+op, trace.WithAttributes(
		attribute.String("cluster.name", c.cfg.Name),
	))
	return func() {
		span.End()
		if c.metrics != nil {
			elapsedMicros := time.Since(start).Microseconds()
			c.metrics.OpLatencyHistogram.Record(context.Background(), elapsedMicros, metric.WithAttributes(attribute.String("op", op)))
		}
	}
}
