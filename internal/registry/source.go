package registry

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"perp-market-sdk/internal/ledger"
	"perp-market-sdk/internal/pairinfo"
	"perp-market-sdk/internal/units"
)

// Source fetches the full pair catalog in one go.
type Source interface {
	FetchPairs(ctx context.Context) ([]Pair, error)
}

// LedgerSource reads the catalog from the pair storage contract.
type LedgerSource struct {
	reader      ledger.Reader
	concurrency int
}

func NewLedgerSource(reader ledger.Reader, concurrency int) *LedgerSource {
	return &LedgerSource{reader: reader, concurrency: concurrency}
}

func (s *LedgerSource) FetchPairs(ctx context.Context) ([]Pair, error) {
	count, err := s.reader.PairsCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("pairs count: %w", err)
	}
	if count < 0 {
		return nil, fmt.Errorf("pairs count: %w: negative count %d", ledger.ErrMalformedResponse, count)
	}
	pairs := make([]Pair, count)
	g, gctx := errgroup.WithContext(ctx)
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			rec, err := s.reader.Pair(gctx, i)
			if err != nil {
				return fmt.Errorf("pair %d: %w", i, err)
			}
			pairs[i] = pairFromRecord(rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func pairFromRecord(rec ledger.PairRecord) Pair {
	return Pair{
		Index:      rec.Index,
		From:       rec.From,
		To:         rec.To,
		GroupIndex: rec.GroupIndex,
		FeeIndex:   rec.FeeIndex,
		FeedID:     feedIDFromBytes(rec.FeedID),
		Spread: Spread{
			Min: units.FromBlockchain(rec.SpreadMinP, units.Price),
			Max: units.FromBlockchain(rec.SpreadMaxP, units.Price),
		},
		MaxLeverage:     units.FromBlockchain(rec.MaxLeverage, units.Price),
		MaxOpenInterest: units.FromBlockchain(rec.MaxOI, units.USDC),
	}
}

type pairInfoFetcher interface {
	Pairs(ctx context.Context) ([]pairinfo.Entry, error)
}

// PairInfoSource reads the catalog from the REST pair-info document.
type PairInfoSource struct {
	client pairInfoFetcher
}

func NewPairInfoSource(client pairInfoFetcher) *PairInfoSource {
	return &PairInfoSource{client: client}
}

func (s *PairInfoSource) FetchPairs(ctx context.Context) ([]Pair, error) {
	entries, err := s.client.Pairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("pair info: %w", err)
	}
	pairs := make([]Pair, 0, len(entries))
	for _, e := range entries {
		pairs = append(pairs, Pair{
			Index:           e.Index,
			From:            e.From,
			To:              e.To,
			GroupIndex:      e.GroupIndex,
			FeeIndex:        e.FeeIndex,
			FeedID:          NormalizeFeedID(e.FeedID),
			Spread:          Spread{Min: e.SpreadMin, Max: e.SpreadMax},
			MaxLeverage:     e.MaxLeverage,
			MaxOpenInterest: e.MaxOpenInterest,
		})
	}
	return pairs, nil
}
