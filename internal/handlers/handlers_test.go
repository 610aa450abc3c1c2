package handlers

import (
	"context"
	"jobq/internal/domain"
	"jobq/internal/registry"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := registry.New()
	require.NoError(t, Register(reg))
	assert.Equal(t, []string{IngestCrypto, MaintenanceSweep, OptimizePortfolio}, reg.Types())

	r, err := reg.Resolve(OptimizePortfolio)
	require.NoError(t, err)
	assert.Equal(t, 1, r.MaxRetries)
}

func TestIngest(t *testing.T) {
	ctx := context.Background()

	out := Ingest(ctx, domain.Payload{"symbol": "BTCUSDT"})
	require.True(t, out.OK(), "%v", out.Err)
	res := out.Result.(map[string]any)
	assert.Equal(t, "BTCUSDT", res["symbol"])
	assert.Equal(t, 100, res["candles"])

	out = Ingest(ctx, domain.Payload{"symbol": "BTCUSDT", "interval": "4h", "limit": float64(10)})
	require.True(t, out.OK())
	assert.Equal(t, "4h", out.Result.(map[string]any)["interval"])

	for name, p := range map[string]domain.Payload{
		"missing symbol":   {},
		"lowercase symbol": {"symbol": "btc"},
		"bad interval":     {"symbol": "BTCUSDT", "interval": "2h"},
		"fractional limit": {"symbol": "BTCUSDT", "limit": 1.5},
		"limit too large":  {"symbol": "BTCUSDT", "limit": 5000},
		"symbol not str":   {"symbol": 42},
	} {
		t.Run(name, func(t *testing.T) {
			out := Ingest(ctx, p)
			assert.Equal(t, domain.KindFatal, out.Kind)
		})
	}
}

func TestIngestCancelledContextRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := Ingest(ctx, domain.Payload{"symbol": "ETHUSDT"})
	assert.Equal(t, domain.KindRecoverable, out.Kind)
}

func TestOptimize(t *testing.T) {
	ctx := context.Background()

	out := Optimize(ctx, domain.Payload{"symbols": []any{"eth", "BTC", "ETH"}})
	require.True(t, out.OK(), "%v", out.Err)
	res := out.Result.(map[string]any)
	weights := res["weights"].(map[string]any)
	assert.Len(t, weights, 2)
	assert.InDelta(t, 0.4, weights["BTC"], 1e-9)
	assert.InDelta(t, 0.2, res["cash"], 1e-9)

	out = Optimize(ctx, domain.Payload{"symbols": []any{"A", "B", "C", "D"}, "risk": "conservative"})
	require.True(t, out.OK())
	assert.InDelta(t, 0.0, out.Result.(map[string]any)["cash"], 1e-9)

	assert.Equal(t, domain.KindFatal, Optimize(ctx, domain.Payload{}).Kind)
	assert.Equal(t, domain.KindFatal, Optimize(ctx, domain.Payload{"symbols": []any{1}}).Kind)
	assert.Equal(t, domain.KindFatal, Optimize(ctx, domain.Payload{"symbols": []any{"A"}, "risk": "yolo"}).Kind)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	out := Sweep(ctx, domain.Payload{"task": "purge_results", "retention_days": 7})
	require.True(t, out.OK(), "%v", out.Err)
	assert.Equal(t, "purge_results", out.Result.(map[string]any)["task"])

	assert.Equal(t, domain.KindFatal, Sweep(ctx, domain.Payload{"task": "drop_tables"}).Kind)
	assert.Equal(t, domain.KindFatal, Sweep(ctx, domain.Payload{"task": "vacuum", "retention_days": 0}).Kind)
}
