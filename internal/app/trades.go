package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"perp-market-sdk/internal/ledger"
	"perp-market-sdk/internal/registry"
	"perp-market-sdk/internal/units"
)

// Trade is an open position in display units.
type Trade struct {
	Pair         string    `json:"pair" msgpack:"pair"`
	PairIndex    int       `json:"pairIndex" msgpack:"pairIndex"`
	Index        int       `json:"index" msgpack:"index"`
	Side         string    `json:"side" msgpack:"side"`
	Collateral   float64   `json:"collateral" msgpack:"collateral"`
	PositionSize float64   `json:"positionSize" msgpack:"positionSize"`
	OpenPrice    float64   `json:"openPrice" msgpack:"openPrice"`
	Leverage     float64   `json:"leverage" msgpack:"leverage"`
	TakeProfit   float64   `json:"takeProfit" msgpack:"takeProfit"`
	StopLoss     float64   `json:"stopLoss" msgpack:"stopLoss"`
	OpenedAt     time.Time `json:"openedAt" msgpack:"openedAt"`
}

func tradeFromRecord(pair string, rec ledger.TradeRecord) Trade {
	side := "short"
	if rec.Buy {
		side = "long"
	}
	return Trade{
		Pair:         pair,
		PairIndex:    rec.PairIndex,
		Index:        rec.Index,
		Side:         side,
		Collateral:   units.FromBlockchain(rec.InitialPosToken, units.USDC),
		PositionSize: units.FromBlockchain(rec.PositionSizeUSDC, units.USDC),
		OpenPrice:    units.FromBlockchain(rec.OpenPrice, units.Price),
		Leverage:     units.FromBlockchain(rec.Leverage, units.Price),
		TakeProfit:   units.FromBlockchain(rec.TakeProfit, units.Price),
		StopLoss:     units.FromBlockchain(rec.StopLoss, units.Price),
		OpenedAt:     rec.OpenedAt,
	}
}

// Trades lists trader's open trades on one pair, or on every pair when
// pairName is empty.
func (a *App) Trades(ctx context.Context, trader common.Address, pairName string) ([]Trade, error) {
	pairs, err := a.registry.Pairs(ctx, false)
	if err != nil {
		return nil, err
	}
	if pairName != "" {
		idx, ok, err := a.registry.PairIndex(ctx, pairName)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("unknown pair %q", pairName)
		}
		p, _, err := a.registry.PairByIndex(ctx, idx)
		if err != nil {
			return nil, err
		}
		pairs = []registry.Pair{p}
	}

	results := make([][]Trade, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Ledger.Concurrency > 0 {
		g.SetLimit(a.cfg.Ledger.Concurrency)
	}
	for i, p := range pairs {
		i, p := i, p
		g.Go(func() error {
			recs, err := a.reader.OpenTrades(gctx, trader, p.Index)
			if err != nil {
				return fmt.Errorf("open trades %s: %w", p.Name(), err)
			}
			out := make([]Trade, 0, len(recs))
			for _, rec := range recs {
				out = append(out, tradeFromRecord(p.Name(), rec))
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var trades []Trade
	for _, r := range results {
		trades = append(trades, r...)
	}
	sort.SliceStable(trades, func(i, j int) bool {
		if trades[i].PairIndex != trades[j].PairIndex {
			return trades[i].PairIndex < trades[j].PairIndex
		}
		return trades[i].Index < trades[j].Index
	})
	return trades, nil
}
