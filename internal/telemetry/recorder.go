package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/op15/bridge"

// instruments holds all lazy-initialized OTel metric instruments. Lazy
// init lets every package import telemetry unconditionally: a binary that
// never calls Init still gets working, cost-free instruments bound to the
// global no-op MeterProvider.
type instruments struct {
	rpcTotal        metric.Int64Counter
	rpcDurationHist metric.Float64Histogram

	permissionDeniedTotal metric.Int64Counter

	execOpTotal metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     instruments
)

func initInstruments() {
	instOnce.Do(func() {
		m := otel.GetMeterProvider().Meter(meterName)

		inst.rpcTotal, _ = m.Int64Counter("bridge.rpc.total",
			metric.WithDescription("Total requestOperation calls routed through the Bridge Manager"),
		)
		inst.rpcDurationHist, _ = m.Float64Histogram("bridge.rpc.duration_ms",
			metric.WithDescription("requestOperation round-trip latency in milliseconds"),
			metric.WithUnit("ms"),
		)
		inst.permissionDeniedTotal, _ = m.Int64Counter("bridge.permission.denied.total",
			metric.WithDescription("Total Permission Core denials"),
		)
		inst.execOpTotal, _ = m.Int64Counter("bridge.executor.op.total",
			metric.WithDescription("Total Executor operations dispatched on the agent"),
		)
	})
}

func statusStr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordRPC records one Bridge Manager requestOperation call: its
// operation name, outcome, and latency.
func RecordRPC(ctx context.Context, op string, durationMs float64, err error) {
	initInstruments()
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("status", statusStr(err)),
	)
	inst.rpcTotal.Add(ctx, 1, attrs)
	inst.rpcDurationHist.Record(ctx, durationMs, attrs)
}

// RecordPermissionDenied records a Permission Core denial, tagged by the
// denial reason.
func RecordPermissionDenied(ctx context.Context, op, reason string) {
	initInstruments()
	inst.permissionDeniedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("reason", reason),
	))
}

// RecordExecutorOp records one Executor op dispatch on the agent daemon,
// tagged by operation and outcome.
func RecordExecutorOp(ctx context.Context, op string, err error) {
	initInstruments()
	inst.execOpTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("status", statusStr(err)),
	))
}
