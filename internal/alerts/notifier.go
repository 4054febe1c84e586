package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"perp-market-sdk/internal/feed"
	"perp-market-sdk/internal/snapshot"
)

const DefaultCooldown = 15 * time.Minute

// Notifier forwards market events to a Sender, suppressing repeats of the
// same key inside the cooldown window.
type Notifier struct {
	sender   Sender
	log      *zap.Logger
	cooldown time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func NewNotifier(sender Sender, cooldown time.Duration, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Notifier{
		sender:   sender,
		log:      log,
		cooldown: cooldown,
		timeout:  10 * time.Second,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// Notify sends message unless key fired within the cooldown. It reports
// whether a send was attempted.
func (n *Notifier) Notify(ctx context.Context, key, message string) bool {
	if n == nil || n.sender == nil {
		return false
	}
	now := n.now()
	n.mu.Lock()
	if at, ok := n.last[key]; ok && now.Sub(at) < n.cooldown {
		n.mu.Unlock()
		return false
	}
	n.last[key] = now
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.sender.Send(ctx, message); err != nil {
		n.log.Warn("alert send failed", zap.String("key", key), zap.Error(err))
	}
	return true
}

// FeedError is shaped for feed.Options.OnError. Only exhausted reconnects
// are escalated; transient drops are left to the logs.
func (n *Notifier) FeedError(err error) {
	if !errors.Is(err, feed.ErrReconnectExhausted) {
		return
	}
	n.Notify(context.Background(), "feed_exhausted", "price feed: reconnect attempts exhausted, stream is down")
}

// OverLimit alerts once per pair whose open interest exceeds its maximum.
func (n *Notifier) OverLimit(ctx context.Context, snap snapshot.Snapshot) int {
	names := OverLimitPairs(snap)
	for _, name := range names {
		p, _ := snap.Pair(name)
		oi, _ := p.OpenInterest.Take()
		msg := fmt.Sprintf("%s open interest %.2f above max %.2f", name, oi.Total(), oi.Max)
		n.Notify(ctx, "over_limit:"+name, msg)
	}
	return len(names)
}

// OverLimitPairs lists, sorted, the pairs whose long plus short open
// interest exceeds the configured maximum.
func OverLimitPairs(snap snapshot.Snapshot) []string {
	var out []string
	for _, g := range snap.Groups {
		for name, p := range g.Pairs {
			oi, err := p.OpenInterest.Take()
			if err != nil || oi.Max <= 0 {
				continue
			}
			if oi.OverLimit() {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

func Summary(snap snapshot.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "snapshot %s: %d groups, %d pairs", snap.BuiltAt.UTC().Format(time.RFC3339), len(snap.Groups), snap.PairCount())
	if over := OverLimitPairs(snap); len(over) > 0 {
		fmt.Fprintf(&b, ", over limit: %s", strings.Join(over, ", "))
	}
	return b.String()
}
