package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"perp-market-sdk/internal/aggregate"
	"perp-market-sdk/internal/alerts"
	"perp-market-sdk/internal/config"
	"perp-market-sdk/internal/feed"
	"perp-market-sdk/internal/ledger"
	"perp-market-sdk/internal/metrics"
	"perp-market-sdk/internal/pairinfo"
	"perp-market-sdk/internal/recorder"
	"perp-market-sdk/internal/registry"
	"perp-market-sdk/internal/snapshot"
)

type App struct {
	cfg *config.Config
	log *zap.Logger

	ledger   *ledger.Client
	reader   ledger.Reader
	registry *registry.Registry
	category *aggregate.CategoryAggregator
	asset    *aggregate.AssetAggregator
	fees     *aggregate.FeeAggregator
	blended  *aggregate.BlendedAggregator
	builder  *snapshot.Builder
	feed     *feed.Client
	recorder *recorder.Writer
	notifier *alerts.Notifier
	prom     *metrics.Prometheus
	metrics  *metrics.Metrics
}

// deps are the remote endpoints, split out so tests can swap them.
type deps struct {
	reader ledger.Reader
	source registry.Source
	dialer feed.Dialer
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	contracts := ledger.Contracts{
		PairStorage:    common.HexToAddress(strings.TrimSpace(cfg.Ledger.Contracts.PairStorage)),
		TradingStorage: common.HexToAddress(strings.TrimSpace(cfg.Ledger.Contracts.TradingStorage)),
		PairInfos:      common.HexToAddress(strings.TrimSpace(cfg.Ledger.Contracts.PairInfos)),
		Referral:       common.HexToAddress(strings.TrimSpace(cfg.Ledger.Contracts.Referral)),
	}
	client, err := ledger.Dial(ctx, cfg.Ledger.RPCURL, contracts, ledger.Options{
		Timeout:           cfg.Ledger.Timeout,
		RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
		Burst:             cfg.Ledger.Burst,
	}, log)
	if err != nil {
		return nil, err
	}
	d := deps{reader: client}
	if cfg.PairInfo.Enabled {
		d.source = registry.NewPairInfoSource(pairinfo.New(cfg.PairInfo.BaseURL, cfg.PairInfo.Timeout, log))
	}
	a, err := build(cfg, log, d)
	if err != nil {
		client.Close()
		return nil, err
	}
	a.ledger = client
	return a, nil
}

func build(cfg *config.Config, log *zap.Logger, d deps) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{cfg: cfg, log: log, reader: d.reader}
	if cfg.Metrics.Enabled {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	} else {
		a.metrics = metrics.NewNoop()
	}

	source := d.source
	if source == nil {
		source = registry.NewLedgerSource(d.reader, cfg.Ledger.Concurrency)
	}
	a.registry = registry.New(source, log, a.metrics)

	aggOpts := aggregate.Options{Concurrency: cfg.Ledger.Concurrency, Log: log, Metrics: a.metrics}
	policy := aggregate.BlendPolicy{AssetWeight: cfg.Aggregation.AssetWeight()}
	a.category = aggregate.NewCategory(d.reader, a.registry, aggOpts)
	a.asset = aggregate.NewAsset(d.reader, a.registry, aggOpts)
	a.fees = aggregate.NewFee(d.reader, a.registry, aggOpts)
	a.blended = aggregate.NewBlended(a.asset, a.category, a.registry, policy)
	a.builder = snapshot.NewBuilder(a.registry, a.category, a.asset, a.fees, policy, snapshot.Options{
		RefreshRegistry: cfg.Aggregation.RefreshRegistry,
		Log:             log,
		Metrics:         a.metrics,
	})

	if cfg.Telegram.Enabled {
		a.notifier = alerts.NewNotifier(alerts.NewTelegram(cfg.Telegram, log), alerts.DefaultCooldown, log)
	}
	a.feed = feed.New(feed.Options{
		URL:          cfg.Feed.WSURL,
		HTTPURL:      cfg.Feed.HTTPURL,
		BaseDelay:    cfg.Feed.BaseDelay,
		MaxAttempts:  cfg.Feed.MaxAttempts,
		PingInterval: cfg.Feed.PingInterval,
		Timeout:      cfg.Feed.Timeout,
		Dialer:       d.dialer,
		OnClose: func(err error) {
			log.Info("price feed closed", zap.Error(err))
		},
		OnError: a.notifier.FeedError,
		Log:     log,
		Metrics: a.metrics,
	})

	writer, err := recorder.New(cfg.Timescale, log)
	if err != nil {
		return nil, err
	}
	a.recorder = writer
	return a, nil
}

func (a *App) Close() {
	_ = a.feed.Close()
	if err := a.recorder.Close(); err != nil {
		a.log.Warn("recorder close failed", zap.Error(err))
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
}

func (a *App) Pairs(ctx context.Context, force bool) ([]registry.Pair, error) {
	return a.registry.Pairs(ctx, force)
}

func (a *App) Snapshot(ctx context.Context, trader *common.Address) (snapshot.Snapshot, error) {
	return a.builder.SnapshotFor(ctx, trader)
}

// GroupSnapshot builds a full snapshot for trader and projects one group.
func (a *App) GroupSnapshot(ctx context.Context, trader *common.Address, group int) (snapshot.Group, bool, error) {
	snap, err := a.builder.SnapshotFor(ctx, trader)
	if err != nil {
		return snapshot.Group{}, false, err
	}
	g, ok := snap.Group(group)
	return g, ok, nil
}

func (a *App) PairSnapshot(ctx context.Context, trader *common.Address, name string) (snapshot.PairData, bool, error) {
	snap, err := a.builder.SnapshotFor(ctx, trader)
	if err != nil {
		return snapshot.PairData{}, false, err
	}
	p, ok := snap.Pair(name)
	return p, ok, nil
}

func (a *App) Blended(ctx context.Context) (map[int]aggregate.Blended, error) {
	return a.blended.Blended(ctx)
}

// Prices polls the REST price endpoint for the named pairs.
func (a *App) Prices(ctx context.Context, names []string) (map[string]feed.PriceUpdate, error) {
	if err := a.syncFeeds(ctx); err != nil {
		return nil, err
	}
	return a.feed.LatestPairPrices(ctx, names)
}

func (a *App) syncFeeds(ctx context.Context) error {
	feeds, err := a.registry.FeedIDs(ctx)
	if err != nil {
		return err
	}
	a.feed.SetPairFeeds(feeds)
	return nil
}

// Run is watch mode: it streams prices for the configured pairs and builds
// a snapshot every interval until ctx ends.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	if a.prom != nil {
		srv := a.serveMetrics()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	a.recorder.Start(ctx)

	if err := a.syncFeeds(ctx); err != nil {
		return err
	}
	for _, name := range a.cfg.Watch.Pairs {
		if err := a.watchPair(name); err != nil {
			a.log.Warn("watch pair skipped", zap.String("pair", name), zap.Error(err))
		}
	}
	a.connectFeed(ctx)
	a.snapshotTick(ctx)

	ticker := time.NewTicker(a.cfg.Watch.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.snapshotTick(ctx)
			if a.feed.State() == feed.Disconnected && len(a.cfg.Watch.Pairs) > 0 {
				a.connectFeed(ctx)
			}
		}
	}
}

func (a *App) watchPair(name string) error {
	_, err := a.feed.RegisterPair(name, func(u feed.PriceUpdate) {
		a.log.Info("price update",
			zap.String("pair", name),
			zap.Float64("price", u.Price.Float()),
			zap.Float64("conf", u.Price.ConfFloat()),
			zap.Time("publish_time", u.Price.PublishTime),
		)
		a.recorder.EnqueuePrice(name, u)
	})
	return err
}

func (a *App) connectFeed(ctx context.Context) {
	if len(a.cfg.Watch.Pairs) == 0 {
		return
	}
	if err := a.feed.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("price feed connect failed", zap.Error(err))
	}
}

func (a *App) snapshotTick(ctx context.Context) {
	snap, err := a.builder.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Warn("snapshot failed", zap.Error(err))
		}
		return
	}
	a.recorder.EnqueueSnapshot(snap)
	a.notifier.OverLimit(ctx, snap)
	a.log.Info(alerts.Summary(snap))
}

func (a *App) serveMetrics() *http.Server {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.log.Info("metrics server listening", zap.String("address", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
	return srv
}
