package aggregate

import (
	"context"
	"fmt"

	"perp-market-sdk/internal/ledger"
	"perp-market-sdk/internal/registry"
	"perp-market-sdk/internal/units"
)

// AssetAggregator computes per-pair open interest, derived metrics and
// liquidity depth. Results are keyed by pair index.
type AssetAggregator struct {
	reader  ledger.Reader
	catalog Catalog
	opts    Options
}

func NewAsset(reader ledger.Reader, catalog Catalog, opts Options) *AssetAggregator {
	return &AssetAggregator{reader: reader, catalog: catalog, opts: opts.withDefaults()}
}

func (a *AssetAggregator) OI(ctx context.Context) (map[int]OpenInterest, error) {
	pairs, err := a.catalog.Pairs(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("pairs: %w", err)
	}
	limits := make(map[int]float64, len(pairs))
	for _, p := range pairs {
		limits[p.Index] = p.MaxOpenInterest
	}
	return collect(ctx, a.opts, "pair_oi", "pair", pairIndexes(pairs), func(ctx context.Context, pair int) (OpenInterest, error) {
		rec, err := a.reader.PairOI(ctx, pair)
		if err != nil {
			return OpenInterest{}, err
		}
		oi := OpenInterest{
			Long:  units.FromBlockchain(rec.Long, units.USDC),
			Short: units.FromBlockchain(rec.Short, units.USDC),
			Max:   limits[pair],
		}
		warnOverLimit(a.opts.Log, "pair", pair, oi)
		return oi, nil
	})
}

func (a *AssetAggregator) Utilization(ctx context.Context) (map[int]Utilization, error) {
	oi, err := a.OI(ctx)
	if err != nil {
		return nil, err
	}
	return deriveUtilization(oi), nil
}

func (a *AssetAggregator) Skew(ctx context.Context) (map[int]Skew, error) {
	oi, err := a.OI(ctx)
	if err != nil {
		return nil, err
	}
	return deriveSkew(oi), nil
}

func (a *AssetAggregator) Stats(ctx context.Context) (map[int]Stats, error) {
	oi, err := a.OI(ctx)
	if err != nil {
		return nil, err
	}
	return deriveStats(oi), nil
}

func (a *AssetAggregator) OnePercentDepth(ctx context.Context) (map[int]Depth, error) {
	pairs, err := a.catalog.Pairs(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("pairs: %w", err)
	}
	return collect(ctx, a.opts, "pair_depth", "pair", pairIndexes(pairs), func(ctx context.Context, pair int) (Depth, error) {
		rec, err := a.reader.PairDepth(ctx, pair)
		if err != nil {
			return Depth{}, err
		}
		return Depth{
			Above: units.FromBlockchain(rec.Above, units.USDC),
			Below: units.FromBlockchain(rec.Below, units.USDC),
		}, nil
	})
}

func pairIndexes(pairs []registry.Pair) []int {
	out := make([]int, len(pairs))
	for i, p := range pairs {
		out[i] = p.Index
	}
	return out
}
