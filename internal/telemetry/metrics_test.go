package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestPopupMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewPopupMetrics(mp.Meter("test"))
	require.NoError(t, err)
	ctx := context.Background()
	m.MessageWrite(ctx, "create", 1)
	m.MessageWrite(ctx, "delete", 3)
	m.SeenMarked(ctx, 2)
	m.LedgerReset(ctx)
	m.PopupServed(ctx, 0)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(4), sumOf(t, rm, "popup.messages.writes"))
	assert.Equal(t, int64(2), sumOf(t, rm, "popup.seen.marks"))
	assert.Equal(t, int64(1), sumOf(t, rm, "popup.ledger.resets"))
	assert.Equal(t, int64(1), sumOf(t, rm, "popup.payload.served"))
}

func TestDisabledProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{}, nil)
	require.NoError(t, err)
	require.NotNil(t, p.Metrics)
	p.Metrics.SeenMarked(context.Background(), 1)

	h := p.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	require.NoError(t, p.Shutdown(context.Background()))
}
