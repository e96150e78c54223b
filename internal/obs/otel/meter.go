// Package otel wires the proxy's token accounting onto OpenTelemetry
// metrics with a periodic reader draining into the configured exporters.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/duogate/duogate/internal/db"
	"github.com/duogate/duogate/internal/logsink"
	"github.com/duogate/duogate/internal/obs/exporter"
)

// MeterSetup holds the meter provider and the token tracker built on it.
type MeterSetup struct {
	meterProvider *sdkmetric.MeterProvider
	tracker       *TokenTracker
}

// StoreRefs are the backends the exporters drain into. Nil fields disable
// the corresponding exporter.
type StoreRefs struct {
	UsageStore *db.UsageStore
	Sink       *logsink.Sink
}

// NewMeterSetup builds the metrics pipeline. Returns (nil, nil) when
// metrics are disabled or no exporter is configured.
func NewMeterSetup(ctx context.Context, cfg *Config, stores *StoreRefs) (*MeterSetup, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return nil, nil
	}

	var exporters []sdkmetric.Exporter
	if cfg.SQLiteEnabled && stores != nil && stores.UsageStore != nil {
		exporters = append(exporters, exporter.NewSQLiteExporter(stores.UsageStore))
	}
	if cfg.SinkEnabled && stores != nil && stores.Sink != nil {
		exporters = append(exporters, exporter.NewSinkExporter(stores.Sink))
	}
	if len(exporters) == 0 {
		return nil, nil
	}

	reader := sdkmetric.NewPeriodicReader(
		exporter.NewMultiExporter(exporters...),
		sdkmetric.WithInterval(cfg.ExportInterval),
		sdkmetric.WithTimeout(cfg.ExportTimeout),
	)
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(meterProvider)

	tracker, err := NewTokenTracker(meterProvider.Meter("duogate"))
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, fmt.Errorf("create token tracker: %w", err)
	}
	return &MeterSetup{meterProvider: meterProvider, tracker: tracker}, nil
}

// Tracker returns the token tracker; nil when metrics are off.
func (ms *MeterSetup) Tracker() *TokenTracker {
	if ms == nil {
		return nil
	}
	return ms.tracker
}

// Shutdown flushes pending exports and stops the reader.
func (ms *MeterSetup) Shutdown(ctx context.Context) error {
	if ms == nil || ms.meterProvider == nil {
		return nil
	}
	return ms.meterProvider.Shutdown(ctx)
}
