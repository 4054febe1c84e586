package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"perp-market-sdk/internal/metrics"
)

// catalog is one cache epoch. It is built off-lock and never mutated after
// it is published.
type catalog struct {
	pairs      []Pair
	byName     map[string]int
	byIndex    map[int]int
	groups     []int
	groupPairs map[int][]Pair
}

// Registry caches the pair catalog. Readers see either the previous or the
// next catalog, never a mix.
type Registry struct {
	source  Source
	log     *zap.Logger
	metrics *metrics.Metrics

	fetchMu sync.Mutex

	mu      sync.RWMutex
	current *catalog
}

func New(source Source, log *zap.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		source:  source,
		log:     log,
		metrics: metrics.OrNoop(m),
	}
}

// Pairs returns the catalog ordered by pair index, fetching it on first use
// or when forceRefresh is set. A failed fetch leaves the cache untouched.
func (r *Registry) Pairs(ctx context.Context, forceRefresh bool) ([]Pair, error) {
	cat, err := r.load(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}
	return append([]Pair(nil), cat.pairs...), nil
}

func (r *Registry) PairIndex(ctx context.Context, name string) (int, bool, error) {
	cat, err := r.load(ctx, false)
	if err != nil {
		return 0, false, err
	}
	idx, ok := cat.byName[name]
	return idx, ok, nil
}

func (r *Registry) PairByIndex(ctx context.Context, index int) (Pair, bool, error) {
	cat, err := r.load(ctx, false)
	if err != nil {
		return Pair{}, false, err
	}
	pos, ok := cat.byIndex[index]
	if !ok {
		return Pair{}, false, nil
	}
	return cat.pairs[pos], true, nil
}

// GroupIndexes returns the distinct group ids in ascending order.
func (r *Registry) GroupIndexes(ctx context.Context) ([]int, error) {
	cat, err := r.load(ctx, false)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), cat.groups...), nil
}

func (r *Registry) PairsInGroup(ctx context.Context, group int) ([]Pair, error) {
	cat, err := r.load(ctx, false)
	if err != nil {
		return nil, err
	}
	return append([]Pair(nil), cat.groupPairs[group]...), nil
}

// FeedIDs maps pair name to feed id for every pair that has one.
func (r *Registry) FeedIDs(ctx context.Context) (map[string]string, error) {
	cat, err := r.load(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(cat.pairs))
	for _, p := range cat.pairs {
		if p.FeedID != "" {
			out[p.Name()] = p.FeedID
		}
	}
	return out, nil
}

// Cached returns the current catalog without touching the network.
func (r *Registry) Cached() ([]Pair, bool) {
	r.mu.RLock()
	cat := r.current
	r.mu.RUnlock()
	if cat == nil {
		return nil, false
	}
	return append([]Pair(nil), cat.pairs...), true
}

// Invalidate drops the catalog; the next read fetches again.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()
}

func (r *Registry) load(ctx context.Context, force bool) (*catalog, error) {
	if !force {
		r.mu.RLock()
		cat := r.current
		r.mu.RUnlock()
		if cat != nil {
			return cat, nil
		}
	}

	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()
	if !force {
		// Another caller may have populated it while we waited.
		r.mu.RLock()
		cat := r.current
		r.mu.RUnlock()
		if cat != nil {
			return cat, nil
		}
	}

	pairs, err := r.source.FetchPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch pairs: %w", err)
	}
	cat, err := buildCatalog(pairs)
	if err != nil {
		return nil, err
	}
	r.metrics.RegistryRefreshes.Inc()

	r.mu.Lock()
	r.current = cat
	r.mu.Unlock()
	r.log.Debug("pair catalog loaded", zap.Int("pairs", len(cat.pairs)), zap.Int("groups", len(cat.groups)))
	return cat, nil
}

func buildCatalog(pairs []Pair) (*catalog, error) {
	if len(pairs) == 0 {
		return nil, ErrEmptyCatalog
	}
	sorted := append([]Pair(nil), pairs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	cat := &catalog{
		pairs:      sorted,
		byName:     make(map[string]int, len(sorted)),
		byIndex:    make(map[int]int, len(sorted)),
		groupPairs: make(map[int][]Pair),
	}
	for pos, p := range sorted {
		name := p.Name()
		if _, exists := cat.byName[name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePair, name)
		}
		if _, exists := cat.byIndex[p.Index]; exists {
			return nil, fmt.Errorf("%w: index %d", ErrDuplicatePair, p.Index)
		}
		cat.byName[name] = p.Index
		cat.byIndex[p.Index] = pos
		if _, seen := cat.groupPairs[p.GroupIndex]; !seen {
			cat.groups = append(cat.groups, p.GroupIndex)
		}
		cat.groupPairs[p.GroupIndex] = append(cat.groupPairs[p.GroupIndex], p)
	}
	sort.Ints(cat.groups)
	return cat, nil
}
