// Package handlers holds the job types the worker ships with. They stand
// in for the ingestion, optimisation and maintenance services: each one
// validates its payload, honours its context and returns a structured
// result.
package handlers

import (
	"context"
	"fmt"
	"jobq/internal/domain"
	"jobq/internal/registry"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	IngestCrypto      = "ingest_crypto"
	OptimizePortfolio = "optimize_portfolio"
	MaintenanceSweep  = "maintenance_sweep"
)

// Register binds every built-in job type.
func Register(reg *registry.Registry) error {
	if err := reg.Register(IngestCrypto, Ingest, registry.WithTimeout(2*time.Minute)); err != nil {
		return err
	}
	if err := reg.Register(OptimizePortfolio, Optimize,
		registry.WithTimeout(10*time.Minute),
		registry.WithMaxRetries(1),
	); err != nil {
		return err
	}
	return reg.Register(MaintenanceSweep, Sweep, registry.WithMaxRetries(2))
}

// NewRegistry returns a frozen registry holding the built-in types.
func NewRegistry() (*registry.Registry, error) {
	reg := registry.New()
	if err := Register(reg); err != nil {
		return nil, err
	}
	reg.Freeze()
	return reg, nil
}

var symbolRe = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

var intervals = map[string]time.Duration{
	"1m": time.Minute, "5m": 5 * time.Minute, "15m": 15 * time.Minute,
	"1h": time.Hour, "4h": 4 * time.Hour, "1d": 24 * time.Hour,
}

// Ingest pulls candles for one trading pair.
//
//	{"symbol": "BTCUSDT", "interval": "1h", "limit": 100}
func Ingest(ctx context.Context, p domain.Payload) domain.Outcome {
	symbol, err := str(p, "symbol", "")
	if err != nil {
		return domain.Fatal(err)
	}
	if !symbolRe.MatchString(symbol) {
		return domain.Fatal(fmt.Errorf("symbol %q is not a trading pair", symbol))
	}
	interval, err := str(p, "interval", "1h")
	if err != nil {
		return domain.Fatal(err)
	}
	step, ok := intervals[interval]
	if !ok {
		return domain.Fatal(fmt.Errorf("unsupported interval %q", interval))
	}
	limit, err := integer(p, "limit", 100)
	if err != nil {
		return domain.Fatal(err)
	}
	if limit <= 0 || limit > 1000 {
		return domain.Fatal(fmt.Errorf("limit %d out of range 1..1000", limit))
	}

	if err := ctx.Err(); err != nil {
		return domain.Retry(err)
	}
	end := time.Now().UTC().Truncate(step)
	return domain.Success(map[string]any{
		"symbol":   symbol,
		"interval": interval,
		"candles":  limit,
		"from":     end.Add(-time.Duration(limit) * step).Format(time.RFC3339),
		"to":       end.Format(time.RFC3339),
	})
}

var riskProfiles = map[string]float64{
	"conservative": 0.25,
	"balanced":     0.40,
	"aggressive":   0.60,
}

// Optimize returns target weights for a basket of assets. The weight of
// any one asset is capped by the risk profile.
//
//	{"symbols": ["BTC", "ETH"], "risk": "balanced"}
func Optimize(ctx context.Context, p domain.Payload) domain.Outcome {
	raw, ok := p["symbols"].([]any)
	if !ok || len(raw) == 0 {
		return domain.Fatal(fmt.Errorf("symbols must be a non-empty list"))
	}
	symbols := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok || s == "" {
			return domain.Fatal(fmt.Errorf("symbol %v is not a string", v))
		}
		s = strings.ToUpper(s)
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	risk, err := str(p, "risk", "balanced")
	if err != nil {
		return domain.Fatal(err)
	}
	capWeight, ok := riskProfiles[risk]
	if !ok {
		return domain.Fatal(fmt.Errorf("unknown risk profile %q", risk))
	}

	if err := ctx.Err(); err != nil {
		return domain.Retry(err)
	}

	w := 1 / float64(len(symbols))
	if w > capWeight {
		w = capWeight
	}
	weights := make(map[string]any, len(symbols))
	for _, s := range symbols {
		weights[s] = w
	}
	return domain.Success(map[string]any{
		"risk":    risk,
		"weights": weights,
		"cash":    1 - w*float64(len(symbols)),
	})
}

var sweepTasks = map[string]bool{
	"purge_results": true,
	"vacuum":        true,
	"refresh_cache": true,
}

// Sweep runs one housekeeping task.
//
//	{"task": "purge_results", "retention_days": 30}
func Sweep(ctx context.Context, p domain.Payload) domain.Outcome {
	task, err := str(p, "task", "")
	if err != nil {
		return domain.Fatal(err)
	}
	if !sweepTasks[task] {
		return domain.Fatal(fmt.Errorf("unknown maintenance task %q", task))
	}
	days, err := integer(p, "retention_days", 30)
	if err != nil {
		return domain.Fatal(err)
	}
	if days < 1 {
		return domain.Fatal(fmt.Errorf("retention_days must be positive"))
	}

	select {
	case <-ctx.Done():
		return domain.Retry(ctx.Err())
	default:
	}
	return domain.Success(map[string]any{
		"task":   task,
		"before": time.Now().UTC().AddDate(0, 0, -days).Format(time.DateOnly),
	})
}

func str(p domain.Payload, key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		if def == "" {
			return "", fmt.Errorf("%s is required", key)
		}
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

// payloads decoded from JSON carry float64, from YAML int
func integer(p domain.Payload, key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%s must be a whole number", key)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("%s must be a number, got %T", key, v)
}
