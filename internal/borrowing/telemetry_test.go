package borrowing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func counterValues(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	values := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				values[m.Name] += dp.Value
			}
		}
	}
	return values
}

func TestApprovalTelemetry(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	f := newFixture(
		WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))),
	)
	book := f.addBook(t, 1)

	first, err := f.svc.CreateRequest(f.ctx, uuid.New(), []int64{book})
	require.NoError(t, err)
	second, err := f.svc.CreateRequest(f.ctx, uuid.New(), []int64{book})
	require.NoError(t, err)

	_, err = f.svc.ApproveRequest(f.ctx, first.ID, f.admin)
	require.NoError(t, err)
	_, err = f.svc.ApproveRequest(f.ctx, second.ID, f.admin)
	require.ErrorIs(t, err, ErrConflict)

	var approvals []sdktrace.ReadOnlySpan
	for _, s := range spans.Ended() {
		if s.Name() == "borrowing.approve_request" {
			approvals = append(approvals, s)
		}
	}
	require.Len(t, approvals, 2)
	assert.Contains(t, approvals[0].Attributes(), attribute.String("request.id", first.ID.String()))
	assert.Empty(t, approvals[0].Events())
	require.NotEmpty(t, approvals[1].Events())
	assert.Equal(t, "exception", approvals[1].Events()[0].Name)

	counts := counterValues(t, reader)
	assert.Equal(t, int64(2), counts["borrowing.requests.created"])
	assert.Equal(t, int64(1), counts["borrowing.requests.approved"])
	assert.Equal(t, int64(1), counts["borrowing.approvals.conflicts"])
	assert.Zero(t, counts["borrowing.requests.rejected"])
}
