package aggregate

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// collect runs read for every key and keeps the successes. A failing key is
// logged and left out; only cancellation of ctx fails the whole call.
func collect[T any](ctx context.Context, opts Options, what, keyField string, keys []int, read func(context.Context, int) (T, error)) (map[int]T, error) {
	out := make(map[int]T, len(keys))
	var mu sync.Mutex
	var g errgroup.Group
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			v, err := read(ctx, key)
			if err != nil {
				if ctx.Err() == nil {
					opts.Log.Warn("omitting from aggregation",
						zap.String("metric", what),
						zap.Int(keyField, key),
						zap.Error(err),
					)
					opts.Metrics.AggregationOmissions.Inc()
				}
				return nil
			}
			mu.Lock()
			out[key] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func deriveUtilization(oi map[int]OpenInterest) map[int]Utilization {
	out := make(map[int]Utilization, len(oi))
	for k, v := range oi {
		out[k] = ComputeUtilization(v)
	}
	return out
}

func deriveSkew(oi map[int]OpenInterest) map[int]Skew {
	out := make(map[int]Skew, len(oi))
	for k, v := range oi {
		out[k] = ComputeSkew(v)
	}
	return out
}

func deriveStats(oi map[int]OpenInterest) map[int]Stats {
	out := make(map[int]Stats, len(oi))
	for k, v := range oi {
		out[k] = ComputeStats(v)
	}
	return out
}

func warnOverLimit(log *zap.Logger, keyField string, key int, oi OpenInterest) {
	if oi.OverLimit() {
		log.Warn("open interest above limit",
			zap.Int(keyField, key),
			zap.Float64("long", oi.Long),
			zap.Float64("short", oi.Short),
			zap.Float64("max", oi.Max),
		)
	}
}
