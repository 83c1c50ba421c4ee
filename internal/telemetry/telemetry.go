// Package telemetry wires ambient OpenTelemetry metrics across the bridge:
// RPC counts/latency on the Bridge Manager, permission denials on the
// Permission Core, and Executor op counts on the daemon.
package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Init configures the global MeterProvider. When endpoint is empty it
// installs the SDK's safe no-op-shaped default (a MeterProvider with no
// exporter attached still returns working, cost-free instruments); when set
// it attaches an OTLP/HTTP periodic-reader exporter pointed at endpoint.
// Returns a shutdown func to flush/close on process exit.
func Init(ctx context.Context, serviceName, endpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, err
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	endpoint = strings.TrimSpace(endpoint)
	if endpoint != "" {
		exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	initInstruments()

	return mp.Shutdown, nil
}
