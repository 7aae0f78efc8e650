// Package observability provides OpenTelemetry metrics for the ledger:
// append latency against the 50ms SLA, seal and verification activity,
// and backup outcomes. Export is OTLP over gRPC and disabled by default;
// a nil or disabled Provider is safe to call everywhere.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the metric provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g. "localhost:4317"
	Enabled        bool
	Insecure       bool
	AppendSLA      time.Duration // latency budget for a durable append
}

// DefaultConfig returns defaults matching the operational SLAs.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "sijill-ledger",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
		AppendSLA:      50 * time.Millisecond,
	}
}

// Provider owns the meter provider and the ledger instruments.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger

	appendDuration metric.Float64Histogram
	appendCount    metric.Int64Counter
	slaViolations  metric.Int64Counter
	sealCount      metric.Int64Counter
	verifyFailures metric.Int64Counter
	backupCount    metric.Int64Counter
}

// New creates a metrics provider. With Enabled false it returns a no-op
// provider that still tracks the SLA threshold for logging.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(p.meterProvider)

	meter := p.meterProvider.Meter("sijill.ledger")
	if err := p.initInstruments(meter); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var err error
	p.appendDuration, err = meter.Float64Histogram("sijill.append.duration",
		metric.WithDescription("Durable append latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	p.appendCount, err = meter.Int64Counter("sijill.append.total",
		metric.WithDescription("Append attempts by outcome"))
	if err != nil {
		return err
	}
	p.slaViolations, err = meter.Int64Counter("sijill.append.sla_violations",
		metric.WithDescription("Appends exceeding the latency budget"))
	if err != nil {
		return err
	}
	p.sealCount, err = meter.Int64Counter("sijill.blocks.sealed",
		metric.WithDescription("Sealed blocks"))
	if err != nil {
		return err
	}
	p.verifyFailures, err = meter.Int64Counter("sijill.verify.failures",
		metric.WithDescription("Integrity violations by kind"))
	if err != nil {
		return err
	}
	p.backupCount, err = meter.Int64Counter("sijill.backup.total",
		metric.WithDescription("Backup snapshots by outcome"))
	return err
}

// RecordAppend records one append attempt. SLA violations are counted and
// logged but never fail the append itself.
func (p *Provider) RecordAppend(ctx context.Context, d time.Duration, err error) {
	if p == nil {
		return
	}
	sla := p.config.AppendSLA
	if sla > 0 && d > sla && err == nil {
		p.logger.WarnContext(ctx, "append exceeded latency budget",
			"took_ms", d.Milliseconds(), "budget_ms", sla.Milliseconds())
		if p.slaViolations != nil {
			p.slaViolations.Add(ctx, 1)
		}
	}
	if p.appendDuration != nil {
		p.appendDuration.Record(ctx, float64(d.Microseconds())/1000.0)
	}
	if p.appendCount != nil {
		p.appendCount.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", err == nil)))
	}
}

// RecordSeal records one sealed block.
func (p *Provider) RecordSeal(ctx context.Context) {
	if p == nil || p.sealCount == nil {
		return
	}
	p.sealCount.Add(ctx, 1)
}

// RecordVerifyFailure records an integrity violation by kind
// (hash_mismatch, link_broken, gap_detected).
func (p *Provider) RecordVerifyFailure(ctx context.Context, kind string) {
	if p == nil || p.verifyFailures == nil {
		return
	}
	p.verifyFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordBackup records one snapshot attempt.
func (p *Provider) RecordBackup(ctx context.Context, err error) {
	if p == nil || p.backupCount == nil {
		return
	}
	p.backupCount.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", err == nil)))
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
