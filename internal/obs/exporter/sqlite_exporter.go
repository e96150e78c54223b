package exporter

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/duogate/duogate/internal/db"
)

// Metric names consumed by the aggregate exporters.
const (
	metricTokenUsage    = "proxy.token.usage"
	metricRequestCount  = "proxy.request.count"
	metricRequestErrors = "proxy.request.errors"
)

// SQLiteExporter folds token and request counters into the daily usage
// aggregates. Histograms and unknown metrics are ignored.
type SQLiteExporter struct {
	store *db.UsageStore
}

// NewSQLiteExporter builds an exporter over the usage store.
func NewSQLiteExporter(store *db.UsageStore) *SQLiteExporter {
	return &SQLiteExporter{store: store}
}

func (e *SQLiteExporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.DeltaTemporality
}

func (e *SQLiteExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

type deltaKey struct {
	day      string
	model    string
	family   string
	streamed bool
}

func (e *SQLiteExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	if e.store == nil {
		return nil
	}
	deltas := map[deltaKey]*db.Delta{}
	get := func(set attribute.Set, ts time.Time) *db.Delta {
		key := deltaKey{
			day:      ts.UTC().Format("2006-01-02"),
			model:    attr(set, "proxy.model"),
			family:   attr(set, "proxy.family"),
			streamed: boolAttr(set, "proxy.streamed"),
		}
		d, ok := deltas[key]
		if !ok {
			d = &db.Delta{Day: key.day, Model: key.model, Family: key.family, Streamed: key.streamed}
			deltas[key] = d
		}
		return d
	}

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				d := get(dp.Attributes, dp.Time)
				switch m.Name {
				case metricTokenUsage:
					switch attr(dp.Attributes, "proxy.token_type") {
					case "input":
						d.InputTokens += dp.Value
					case "output":
						d.OutputTokens += dp.Value
					}
				case metricRequestCount:
					d.Requests += dp.Value
				case metricRequestErrors:
					d.Errors += dp.Value
				}
			}
		}
	}

	for _, d := range deltas {
		if d.Requests == 0 && d.InputTokens == 0 && d.OutputTokens == 0 && d.Errors == 0 {
			continue
		}
		if err := e.store.Add(*d); err != nil {
			logrus.Warnf("usage export: %v", err)
		}
	}
	return nil
}

func (e *SQLiteExporter) ForceFlush(context.Context) error { return nil }
func (e *SQLiteExporter) Shutdown(context.Context) error   { return nil }
