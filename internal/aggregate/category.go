package aggregate

import (
	"context"
	"fmt"

	"perp-market-sdk/internal/ledger"
	"perp-market-sdk/internal/units"
)

// CategoryAggregator computes group-level open interest and its derived
// metrics. Results are keyed by group index.
type CategoryAggregator struct {
	reader  ledger.Reader
	catalog Catalog
	opts    Options
}

func NewCategory(reader ledger.Reader, catalog Catalog, opts Options) *CategoryAggregator {
	return &CategoryAggregator{reader: reader, catalog: catalog, opts: opts.withDefaults()}
}

func (c *CategoryAggregator) OI(ctx context.Context) (map[int]OpenInterest, error) {
	groups, err := c.catalog.GroupIndexes(ctx)
	if err != nil {
		return nil, fmt.Errorf("group indexes: %w", err)
	}
	return collect(ctx, c.opts, "group_oi", "group", groups, c.groupOI)
}

func (c *CategoryAggregator) groupOI(ctx context.Context, group int) (OpenInterest, error) {
	rec, err := c.reader.GroupOI(ctx, group)
	if err != nil {
		return OpenInterest{}, err
	}
	oi := OpenInterest{
		Long:  units.FromBlockchain(rec.Long, units.USDC),
		Short: units.FromBlockchain(rec.Short, units.USDC),
		Max:   units.FromBlockchain(rec.Max, units.USDC),
	}
	warnOverLimit(c.opts.Log, "group", group, oi)
	return oi, nil
}

func (c *CategoryAggregator) Utilization(ctx context.Context) (map[int]Utilization, error) {
	oi, err := c.OI(ctx)
	if err != nil {
		return nil, err
	}
	return deriveUtilization(oi), nil
}

func (c *CategoryAggregator) Skew(ctx context.Context) (map[int]Skew, error) {
	oi, err := c.OI(ctx)
	if err != nil {
		return nil, err
	}
	return deriveSkew(oi), nil
}

// Stats returns OI, utilization and skew derived from the same read.
func (c *CategoryAggregator) Stats(ctx context.Context) (map[int]Stats, error) {
	oi, err := c.OI(ctx)
	if err != nil {
		return nil, err
	}
	return deriveStats(oi), nil
}
