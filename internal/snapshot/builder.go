package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perp-market-sdk/internal/aggregate"
	"perp-market-sdk/internal/metrics"
	"perp-market-sdk/internal/registry"
)

// Catalog is the registry view the builder needs. Cached must not touch the
// network; it is read at assembly time.
type Catalog interface {
	aggregate.Catalog
	Cached() ([]registry.Pair, bool)
}

type Options struct {
	// RefreshRegistry forces a catalog refetch alongside the metric reads.
	RefreshRegistry bool
	Log             *zap.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

type Builder struct {
	catalog  Catalog
	category *aggregate.CategoryAggregator
	asset    *aggregate.AssetAggregator
	fees     *aggregate.FeeAggregator
	policy   aggregate.BlendPolicy

	refresh bool
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewBuilder(catalog Catalog, category *aggregate.CategoryAggregator, asset *aggregate.AssetAggregator, fees *aggregate.FeeAggregator, policy aggregate.BlendPolicy, opts Options) *Builder {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Builder{
		catalog:  catalog,
		category: category,
		asset:    asset,
		fees:     fees,
		policy:   policy,
		refresh:  opts.RefreshRegistry,
		log:      opts.Log,
		metrics:  metrics.OrNoop(opts.Metrics),
		now:      opts.Now,
	}
}

func (b *Builder) Snapshot(ctx context.Context) (Snapshot, error) {
	return b.SnapshotFor(ctx, nil)
}

// SnapshotFor builds a snapshot with fees discounted for trader. A nil
// trader gets undiscounted fees.
func (b *Builder) SnapshotFor(ctx context.Context, trader *common.Address) (Snapshot, error) {
	snap, err := b.build(ctx, trader)
	if err != nil {
		b.metrics.SnapshotsFailed.Inc()
		return Snapshot{}, err
	}
	b.metrics.SnapshotsBuilt.Inc()
	return snap, nil
}

// GroupSnapshot builds a full snapshot and returns one group of it.
func (b *Builder) GroupSnapshot(ctx context.Context, group int) (Group, bool, error) {
	snap, err := b.Snapshot(ctx)
	if err != nil {
		return Group{}, false, err
	}
	g, ok := snap.Group(group)
	return g, ok, nil
}

// PairSnapshot builds a full snapshot and returns one pair of it.
func (b *Builder) PairSnapshot(ctx context.Context, name string) (PairData, bool, error) {
	snap, err := b.Snapshot(ctx)
	if err != nil {
		return PairData{}, false, err
	}
	p, ok := snap.Pair(name)
	return p, ok, nil
}

type reads struct {
	category   map[int]aggregate.Stats
	asset      map[int]aggregate.Stats
	depth      map[int]aggregate.Depth
	marginFee  map[int]float64
	openingFee map[int]float64
}

func (b *Builder) build(ctx context.Context, trader *common.Address) (Snapshot, error) {
	if _, err := b.catalog.Pairs(ctx, false); err != nil {
		return Snapshot{}, fmt.Errorf("resolve pairs: %w", err)
	}
	groups, err := b.catalog.GroupIndexes(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve groups: %w", err)
	}

	var r reads
	g, gctx := errgroup.WithContext(ctx)
	if b.refresh {
		g.Go(func() error {
			if _, err := b.catalog.Pairs(gctx, true); err != nil {
				return fmt.Errorf("refresh pairs: %w", err)
			}
			return nil
		})
	}
	g.Go(func() (err error) {
		r.category, err = b.category.Stats(gctx)
		return wrap("category stats", err)
	})
	g.Go(func() (err error) {
		r.asset, err = b.asset.Stats(gctx)
		return wrap("asset stats", err)
	})
	g.Go(func() (err error) {
		r.depth, err = b.asset.OnePercentDepth(gctx)
		return wrap("depth", err)
	})
	g.Go(func() (err error) {
		r.marginFee, err = b.fees.MarginFee(gctx, trader)
		return wrap("margin fee", err)
	})
	g.Go(func() (err error) {
		r.openingFee, err = b.fees.OpeningFee(gctx, trader)
		return wrap("opening fee", err)
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	// Pairs dropped from the catalog since the reads started are skipped.
	pairs, _ := b.catalog.Cached()
	return b.assemble(groups, pairs, r), nil
}

func (b *Builder) assemble(groups []int, pairs []registry.Pair, r reads) Snapshot {
	blended := b.policy.Blend(pairs, r.asset, r.category)
	snap := Snapshot{
		BuiltAt: b.now().UTC(),
		Groups:  make(map[string]Group, len(groups)),
	}
	for _, gi := range groups {
		group := Group{Index: gi, Pairs: make(map[string]PairData)}
		if st, ok := r.category[gi]; ok {
			group.OpenInterest = optional.Some(st.OI)
			group.Utilization = optional.Some(st.Utilization)
			group.Skew = optional.Some(st.Skew)
		}
		snap.Groups[GroupKey(gi)] = group
	}
	for _, p := range pairs {
		group, ok := snap.Groups[GroupKey(p.GroupIndex)]
		if !ok {
			b.log.Debug("skipping pair outside resolved groups", zap.String("pair", p.Name()), zap.Int("group", p.GroupIndex))
			continue
		}
		data := PairData{Pair: p, Name: p.Name()}
		if st, ok := r.asset[p.Index]; ok {
			data.OpenInterest = optional.Some(st.OI)
			data.Utilization = optional.Some(st.Utilization)
			data.Skew = optional.Some(st.Skew)
		}
		if bl, ok := blended[p.Index]; ok {
			data.BlendedUtilization = optional.Some(bl.Utilization)
			data.BlendedSkew = optional.Some(bl.Skew)
		}
		if fee, ok := r.marginFee[p.Index]; ok {
			data.MarginFee = optional.Some(fee)
		}
		if fee, ok := r.openingFee[p.Index]; ok {
			data.OpeningFee = optional.Some(fee)
		}
		if d, ok := r.depth[p.Index]; ok {
			data.Depth = optional.Some(d)
		}
		group.Pairs[data.Name] = data
	}
	return snap
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}
