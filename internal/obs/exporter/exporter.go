// Package exporter contains the metric exporters behind the periodic
// reader: a SQLite aggregate store, the async log sink, and a fan-out
// combining them. All exporters request delta temporality so every export
// carries increments that can be folded into running aggregates.
package exporter

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MultiExporter fans one export out to several exporters. A failure in
// one does not stop the others.
type MultiExporter struct {
	exporters []sdkmetric.Exporter
}

// NewMultiExporter combines exporters into one.
func NewMultiExporter(exporters ...sdkmetric.Exporter) *MultiExporter {
	return &MultiExporter{exporters: exporters}
}

func (m *MultiExporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.DeltaTemporality
}

func (m *MultiExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

func (m *MultiExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	var errs []error
	for _, e := range m.exporters {
		if err := e.Export(ctx, rm); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiExporter) ForceFlush(ctx context.Context) error {
	var errs []error
	for _, e := range m.exporters {
		if err := e.ForceFlush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiExporter) Shutdown(ctx context.Context) error {
	var errs []error
	for _, e := range m.exporters {
		if err := e.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// attr reads one string attribute from a data point's set.
func attr(set attribute.Set, key string) string {
	if v, ok := set.Value(attribute.Key(key)); ok {
		return v.Emit()
	}
	return ""
}

// boolAttr reads one bool attribute from a data point's set.
func boolAttr(set attribute.Set, key string) bool {
	if v, ok := set.Value(attribute.Key(key)); ok && v.Type() == attribute.BOOL {
		return v.AsBool()
	}
	return false
}
