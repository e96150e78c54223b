package exporter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/duogate/duogate/internal/db"
)

func sampleMetrics(ts time.Time) *metricdata.ResourceMetrics {
	attrs := func(tokenType string) attribute.Set {
		kvs := []attribute.KeyValue{
			attribute.String("proxy.family", "anthropic"),
			attribute.String("proxy.model", "glm-4.5"),
			attribute.Bool("proxy.streamed", false),
		}
		if tokenType != "" {
			kvs = append(kvs, attribute.String("proxy.token_type", tokenType))
		}
		return attribute.NewSet(kvs...)
	}
	return &metricdata.ResourceMetrics{
		ScopeMetrics: []metricdata.ScopeMetrics{{
			Metrics: []metricdata.Metrics{
				{
					Name: metricTokenUsage,
					Data: metricdata.Sum[int64]{DataPoints: []metricdata.DataPoint[int64]{
						{Attributes: attrs("input"), Time: ts, Value: 120},
						{Attributes: attrs("output"), Time: ts, Value: 30},
					}},
				},
				{
					Name: metricRequestCount,
					Data: metricdata.Sum[int64]{DataPoints: []metricdata.DataPoint[int64]{
						{Attributes: attrs(""), Time: ts, Value: 2},
					}},
				},
			},
		}},
	}
}

func TestSQLiteExporterFoldsIntoAggregates(t *testing.T) {
	store, err := db.NewUsageStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	exp := NewSQLiteExporter(store)
	ts := time.Now()
	require.NoError(t, exp.Export(context.Background(), sampleMetrics(ts)))
	require.NoError(t, exp.Export(context.Background(), sampleMetrics(ts)))

	rows, err := store.Recent(1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "glm-4.5", rows[0].Model)
	assert.Equal(t, "anthropic", rows[0].Family)
	assert.Equal(t, int64(4), rows[0].RequestCount)
	assert.Equal(t, int64(240), rows[0].InputTokens)
	assert.Equal(t, int64(60), rows[0].OutputTokens)
	assert.Equal(t, int64(300), rows[0].TotalTokens)
}
