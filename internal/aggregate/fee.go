package aggregate

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perp-market-sdk/internal/ledger"
	"perp-market-sdk/internal/units"
)

// FeeAggregator returns per-pair fee percentages, discounted by the trader's
// referral tier when a trader is given.
type FeeAggregator struct {
	reader  ledger.Reader
	catalog Catalog
	opts    Options
}

func NewFee(reader ledger.Reader, catalog Catalog, opts Options) *FeeAggregator {
	return &FeeAggregator{reader: reader, catalog: catalog, opts: opts.withDefaults()}
}

// MarginFee reads the per-pair margin fee (12 decimals on chain).
func (f *FeeAggregator) MarginFee(ctx context.Context, trader *common.Address) (map[int]float64, error) {
	return f.fees(ctx, trader, "margin_fee", units.Fee, f.reader.PairMarginFee)
}

// OpeningFee reads the per-pair opening fee (10 decimals on chain).
func (f *FeeAggregator) OpeningFee(ctx context.Context, trader *common.Address) (map[int]float64, error) {
	return f.fees(ctx, trader, "opening_fee", units.Price, f.reader.PairOpeningFee)
}

func (f *FeeAggregator) fees(ctx context.Context, trader *common.Address, what string, decimals int, read func(context.Context, int) (*big.Int, error)) (map[int]float64, error) {
	pairs, err := f.catalog.Pairs(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("pairs: %w", err)
	}

	var (
		discount float64
		base     map[int]float64
	)
	var g errgroup.Group
	g.Go(func() error {
		discount = f.Discount(ctx, trader)
		return nil
	})
	g.Go(func() error {
		var err error
		base, err = collect(ctx, f.opts, what, "pair", pairIndexes(pairs), func(ctx context.Context, pair int) (float64, error) {
			raw, err := read(ctx, pair)
			if err != nil {
				return 0, err
			}
			return units.FromBlockchain(raw, decimals), nil
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ApplyDiscount(base, discount), nil
}

// Discount returns the trader's referral discount in percent. A nil trader,
// a trader without a code, or a failed lookup all yield zero.
func (f *FeeAggregator) Discount(ctx context.Context, trader *common.Address) float64 {
	if trader == nil {
		return 0
	}
	raw, err := f.reader.ReferralDiscount(ctx, *trader)
	if err != nil {
		f.opts.Log.Warn("referral discount lookup failed, using undiscounted fee",
			zap.String("trader", trader.Hex()),
			zap.Error(err),
		)
		return 0
	}
	return units.FromBlockchain(raw, units.Price)
}

func ApplyDiscount(fees map[int]float64, discountPct float64) map[int]float64 {
	out := make(map[int]float64, len(fees))
	for k, v := range fees {
		out[k] = v * (1 - discountPct/100)
	}
	return out
}
