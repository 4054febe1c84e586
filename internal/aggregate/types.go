package aggregate

import (
	"context"

	"go.uber.org/zap"

	"perp-market-sdk/internal/metrics"
	"perp-market-sdk/internal/registry"
)

// OpenInterest is in USDC. Long+Short above Max is reported, never clamped.
type OpenInterest struct {
	Long  float64 `json:"long" msgpack:"long"`
	Short float64 `json:"short" msgpack:"short"`
	Max   float64 `json:"max" msgpack:"max"`
}

func (oi OpenInterest) Total() float64 {
	return oi.Long + oi.Short
}

func (oi OpenInterest) OverLimit() bool {
	return oi.Total() > oi.Max
}

// Utilization is open interest as a percentage of the configured maximum.
type Utilization struct {
	Long  float64 `json:"utilizationLong" msgpack:"utilizationLong"`
	Short float64 `json:"utilizationShort" msgpack:"utilizationShort"`
}

// Skew is the fraction of open interest held long.
type Skew struct {
	Long float64 `json:"skew" msgpack:"skew"`
}

// Depth is the USDC liquidity available within 1% price impact.
type Depth struct {
	Above float64 `json:"above" msgpack:"above"`
	Below float64 `json:"below" msgpack:"below"`
}

// Stats bundles the metrics derived from a single open-interest read.
type Stats struct {
	OI          OpenInterest `json:"openInterest" msgpack:"openInterest"`
	Utilization Utilization  `json:"utilization" msgpack:"utilization"`
	Skew        Skew         `json:"skew" msgpack:"skew"`
}

// ComputeUtilization is zero on both sides when Max is zero.
func ComputeUtilization(oi OpenInterest) Utilization {
	if oi.Max == 0 {
		return Utilization{}
	}
	return Utilization{
		Long:  oi.Long / oi.Max * 100,
		Short: oi.Short / oi.Max * 100,
	}
}

// ComputeSkew is neutral (0.5) when there is no open interest.
func ComputeSkew(oi OpenInterest) Skew {
	total := oi.Total()
	if total == 0 {
		return Skew{Long: 0.5}
	}
	return Skew{Long: oi.Long / total}
}

func ComputeStats(oi OpenInterest) Stats {
	return Stats{
		OI:          oi,
		Utilization: ComputeUtilization(oi),
		Skew:        ComputeSkew(oi),
	}
}

// Catalog is the part of the pair registry the aggregators read.
type Catalog interface {
	Pairs(ctx context.Context, forceRefresh bool) ([]registry.Pair, error)
	GroupIndexes(ctx context.Context) ([]int, error)
}

type Options struct {
	// Concurrency bounds in-flight ledger reads per call; zero means no limit.
	Concurrency int
	Log         *zap.Logger
	Metrics     *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	o.Metrics = metrics.OrNoop(o.Metrics)
	return o
}
