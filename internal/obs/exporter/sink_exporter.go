package exporter

import (
	"context"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/duogate/duogate/internal/logsink"
)

// SinkExporter writes metric increments into the async log sink as
// performance_metric entries, one per data point.
type SinkExporter struct {
	sink *logsink.Sink
}

// NewSinkExporter builds an exporter over the log sink.
func NewSinkExporter(sink *logsink.Sink) *SinkExporter {
	return &SinkExporter{sink: sink}
}

func (e *SinkExporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.DeltaTemporality
}

func (e *SinkExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

func (e *SinkExporter) Export(_ context.Context, rm *metricdata.ResourceMetrics) error {
	if e.sink == nil {
		return nil
	}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					e.sink.Metric(m.Name, map[string]any{
						"value":         dp.Value,
						"family":        attr(dp.Attributes, "proxy.family"),
						"model":         attr(dp.Attributes, "proxy.model"),
						"request_model": attr(dp.Attributes, "proxy.request_model"),
						"streamed":      boolAttr(dp.Attributes, "proxy.streamed"),
						"token_type":    attr(dp.Attributes, "proxy.token_type"),
					})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					if dp.Count == 0 {
						continue
					}
					e.sink.Metric(m.Name, map[string]any{
						"count":  dp.Count,
						"sum":    dp.Sum,
						"family": attr(dp.Attributes, "proxy.family"),
						"model":  attr(dp.Attributes, "proxy.model"),
					})
				}
			}
		}
	}
	return nil
}

func (e *SinkExporter) ForceFlush(context.Context) error { return nil }
func (e *SinkExporter) Shutdown(context.Context) error   { return nil }
