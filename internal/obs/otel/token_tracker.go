package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// UsageOptions describes one finished proxy exchange for metric recording.
// Token counts are in upstream units, before any client-window rescaling.
type UsageOptions struct {
	Family       string // upstream endpoint family the request was served on
	Model        string // resolved upstream model
	RequestModel string // client-declared alias
	Streamed     bool
	Status       string // success, error, canceled
	ErrorKind    string // taxonomy tag when Status != success
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
}

// TokenTracker records proxy traffic onto OTel instruments. The periodic
// reader drains them into the configured exporters.
type TokenTracker struct {
	tokens          metric.Int64Counter
	totalTokens     metric.Int64Counter
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestErrors   metric.Int64Counter
}

// NewTokenTracker builds the instrument set on the given meter.
func NewTokenTracker(meter metric.Meter) (*TokenTracker, error) {
	tt := &TokenTracker{}
	var err error

	tt.tokens, err = meter.Int64Counter(
		"proxy.token.usage",
		metric.WithDescription("Token usage by type (input/output)"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}
	tt.totalTokens, err = meter.Int64Counter(
		"proxy.token.total",
		metric.WithDescription("Total tokens consumed (input + output)"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}
	tt.requestCount, err = meter.Int64Counter(
		"proxy.request.count",
		metric.WithDescription("Number of proxied requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	tt.requestDuration, err = meter.Float64Histogram(
		"proxy.request.duration",
		metric.WithDescription("Proxied request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	tt.requestErrors, err = meter.Int64Counter(
		"proxy.request.errors",
		metric.WithDescription("Number of failed proxied requests"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}
	return tt, nil
}

// RecordUsage records one exchange.
func (tt *TokenTracker) RecordUsage(ctx context.Context, opts UsageOptions) {
	if tt == nil {
		return
	}
	common := []attribute.KeyValue{
		AttrFamily.String(opts.Family),
		AttrModel.String(opts.Model),
		AttrRequestModel.String(opts.RequestModel),
		AttrStreamed.Bool(opts.Streamed),
		AttrStatus.String(opts.Status),
	}
	if opts.ErrorKind != "" {
		common = append(common, AttrErrorKind.String(opts.ErrorKind))
	}

	if opts.InputTokens > 0 {
		tt.tokens.Add(ctx, int64(opts.InputTokens),
			metric.WithAttributes(append(common, AttrTokenType.String("input"))...))
	}
	if opts.OutputTokens > 0 {
		tt.tokens.Add(ctx, int64(opts.OutputTokens),
			metric.WithAttributes(append(common, AttrTokenType.String("output"))...))
	}
	if total := opts.InputTokens + opts.OutputTokens; total > 0 {
		tt.totalTokens.Add(ctx, int64(total), metric.WithAttributes(common...))
	}
	tt.requestCount.Add(ctx, 1, metric.WithAttributes(common...))
	if opts.LatencyMs > 0 {
		tt.requestDuration.Record(ctx, float64(opts.LatencyMs), metric.WithAttributes(common...))
	}
	if opts.Status != "success" {
		tt.requestErrors.Add(ctx, 1, metric.WithAttributes(common...))
	}
}
