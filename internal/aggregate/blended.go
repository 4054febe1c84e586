package aggregate

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"perp-market-sdk/internal/registry"
)

const DefaultAssetWeight = 0.5

// BlendPolicy mixes a pair's own figure with its group's figure:
//
//	blended = AssetWeight*asset + (1-AssetWeight)*category
//
// AssetWeight is clamped to [0, 1], so the result always lies between the
// two inputs.
type BlendPolicy struct {
	AssetWeight float64
}

func DefaultBlendPolicy() BlendPolicy {
	return BlendPolicy{AssetWeight: DefaultAssetWeight}
}

func (p BlendPolicy) weight() float64 {
	switch {
	case p.AssetWeight < 0:
		return 0
	case p.AssetWeight > 1:
		return 1
	default:
		return p.AssetWeight
	}
}

func (p BlendPolicy) mix(asset, category float64) float64 {
	w := p.weight()
	return w*asset + (1-w)*category
}

type Blended struct {
	Utilization Utilization `json:"utilization" msgpack:"utilization"`
	Skew        Skew        `json:"skew" msgpack:"skew"`
}

// Blend combines per-pair and per-group stats. A pair missing either input
// gets no blended value.
func (p BlendPolicy) Blend(pairs []registry.Pair, asset, category map[int]Stats) map[int]Blended {
	out := make(map[int]Blended, len(pairs))
	for _, pair := range pairs {
		a, ok := asset[pair.Index]
		if !ok {
			continue
		}
		c, ok := category[pair.GroupIndex]
		if !ok {
			continue
		}
		out[pair.Index] = Blended{
			Utilization: Utilization{
				Long:  p.mix(a.Utilization.Long, c.Utilization.Long),
				Short: p.mix(a.Utilization.Short, c.Utilization.Short),
			},
			Skew: Skew{Long: p.mix(a.Skew.Long, c.Skew.Long)},
		}
	}
	return out
}

type BlendedAggregator struct {
	asset    *AssetAggregator
	category *CategoryAggregator
	catalog  Catalog
	policy   BlendPolicy
}

func NewBlended(asset *AssetAggregator, category *CategoryAggregator, catalog Catalog, policy BlendPolicy) *BlendedAggregator {
	return &BlendedAggregator{asset: asset, category: category, catalog: catalog, policy: policy}
}

func (b *BlendedAggregator) Policy() BlendPolicy {
	return b.policy
}

func (b *BlendedAggregator) Blended(ctx context.Context) (map[int]Blended, error) {
	pairs, err := b.catalog.Pairs(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("pairs: %w", err)
	}
	var asset, category map[int]Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		asset, err = b.asset.Stats(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		category, err = b.category.Stats(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return b.policy.Blend(pairs, asset, category), nil
}

func (b *BlendedAggregator) Utilization(ctx context.Context) (map[int]Utilization, error) {
	blended, err := b.Blended(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int]Utilization, len(blended))
	for k, v := range blended {
		out[k] = v.Utilization
	}
	return out, nil
}

func (b *BlendedAggregator) Skew(ctx context.Context) (map[int]Skew, error) {
	blended, err := b.Blended(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int]Skew, len(blended))
	for k, v := range blended {
		out[k] = v.Skew
	}
	return out, nil
}
