package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"perp-market-sdk/internal/config"
	"perp-market-sdk/internal/feed"
	"perp-market-sdk/internal/snapshot"
)

const writeTimeout = 3 * time.Second

// PairRow is one pair's metrics at one snapshot. Absent metrics are stored
// as NULL.
type PairRow struct {
	Time               time.Time
	Pair               string
	PairIndex          int
	GroupIndex         int
	OILong             sql.NullFloat64
	OIShort            sql.NullFloat64
	OIMax              sql.NullFloat64
	UtilizationLong    sql.NullFloat64
	UtilizationShort   sql.NullFloat64
	Skew               sql.NullFloat64
	BlendedUtilLong    sql.NullFloat64
	BlendedUtilShort   sql.NullFloat64
	BlendedSkew        sql.NullFloat64
	MarginFee          sql.NullFloat64
	OpeningFee         sql.NullFloat64
	DepthAbove         sql.NullFloat64
	DepthBelow         sql.NullFloat64
	GroupUtilLong      sql.NullFloat64
	GroupUtilShort     sql.NullFloat64
	GroupSkew          sql.NullFloat64
}

type PriceTick struct {
	Time     time.Time
	Pair     string
	FeedID   string
	Price    float64
	Conf     float64
	EMAPrice float64
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer exports snapshots and price ticks to Postgres/TimescaleDB. A nil
// *Writer is valid and drops everything.
type Writer struct {
	db       execer
	closer   func() error
	log      *zap.Logger
	schema   string
	rows     chan []PairRow
	ticks    chan PriceTick
	started  atomic.Bool
	dropRows atomic.Uint64
	dropTick atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	w.closer = db.Close
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db execer, schema string, queueSize int, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:     db,
		log:    log,
		schema: schema,
		rows:   make(chan []PairRow, queueSize),
		ticks:  make(chan PriceTick, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.closer == nil {
		return nil
	}
	return w.closer()
}

// EnqueueSnapshot never blocks; a full queue drops the snapshot.
func (w *Writer) EnqueueSnapshot(snap snapshot.Snapshot) {
	if w == nil {
		return
	}
	select {
	case w.rows <- Rows(snap):
	default:
		if w.dropRows.Add(1) == 1 {
			w.log.Warn("timescale snapshot queue full")
		}
	}
}

func (w *Writer) EnqueuePrice(pair string, update feed.PriceUpdate) {
	if w == nil {
		return
	}
	tick := PriceTick{
		Time:     update.Price.PublishTime,
		Pair:     pair,
		FeedID:   update.FeedID,
		Price:    update.Price.Float(),
		Conf:     update.Price.ConfFloat(),
		EMAPrice: update.EMAPrice.Float(),
	}
	select {
	case w.ticks <- tick:
	default:
		if w.dropTick.Add(1) == 1 {
			w.log.Warn("timescale price queue full")
		}
	}
}

// Rows flattens a snapshot into one row per pair, ordered by pair index.
func Rows(snap snapshot.Snapshot) []PairRow {
	var rows []PairRow
	for _, g := range snap.Groups {
		for _, p := range g.Pairs {
			row := PairRow{
				Time:       snap.BuiltAt,
				Pair:       p.Name,
				PairIndex:  p.Index,
				GroupIndex: g.Index,
				MarginFee:  nullable(p.MarginFee),
				OpeningFee: nullable(p.OpeningFee),
			}
			if oi, err := p.OpenInterest.Take(); err == nil {
				row.OILong, row.OIShort, row.OIMax = valid(oi.Long), valid(oi.Short), valid(oi.Max)
			}
			if u, err := p.Utilization.Take(); err == nil {
				row.UtilizationLong, row.UtilizationShort = valid(u.Long), valid(u.Short)
			}
			if s, err := p.Skew.Take(); err == nil {
				row.Skew = valid(s.Long)
			}
			if u, err := p.BlendedUtilization.Take(); err == nil {
				row.BlendedUtilLong, row.BlendedUtilShort = valid(u.Long), valid(u.Short)
			}
			if s, err := p.BlendedSkew.Take(); err == nil {
				row.BlendedSkew = valid(s.Long)
			}
			if d, err := p.Depth.Take(); err == nil {
				row.DepthAbove, row.DepthBelow = valid(d.Above), valid(d.Below)
			}
			if u, err := g.Utilization.Take(); err == nil {
				row.GroupUtilLong, row.GroupUtilShort = valid(u.Long), valid(u.Short)
			}
			if s, err := g.Skew.Take(); err == nil {
				row.GroupSkew = valid(s.Long)
			}
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PairIndex < rows[j].PairIndex })
	return rows
}

func nullable(o optional.Option[float64]) sql.NullFloat64 {
	v, err := o.Take()
	if err != nil {
		return sql.NullFloat64{}
	}
	return valid(v)
}

func valid(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rows := <-w.rows:
			w.writeRows(ctx, rows)
		case tick := <-w.ticks:
			w.writeTick(ctx, tick)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		pair TEXT NOT NULL,
		pair_index INTEGER NOT NULL,
		group_index INTEGER NOT NULL,
		oi_long DOUBLE PRECISION,
		oi_short DOUBLE PRECISION,
		oi_max DOUBLE PRECISION,
		utilization_long DOUBLE PRECISION,
		utilization_short DOUBLE PRECISION,
		skew DOUBLE PRECISION,
		blended_utilization_long DOUBLE PRECISION,
		blended_utilization_short DOUBLE PRECISION,
		blended_skew DOUBLE PRECISION,
		margin_fee DOUBLE PRECISION,
		opening_fee DOUBLE PRECISION,
		depth_above DOUBLE PRECISION,
		depth_below DOUBLE PRECISION,
		group_utilization_long DOUBLE PRECISION,
		group_utilization_short DOUBLE PRECISION,
		group_skew DOUBLE PRECISION,
		PRIMARY KEY (ts, pair_index)
	)`, w.table("pair_metrics"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		pair TEXT NOT NULL,
		feed_id TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		conf DOUBLE PRECISION NOT NULL,
		ema_price DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, feed_id)
	)`, w.table("price_ticks"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"pair_metrics", "price_ticks"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeRows(ctx context.Context, rows []PairRow) {
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, pair, pair_index, group_index, oi_long, oi_short, oi_max,
		utilization_long, utilization_short, skew,
		blended_utilization_long, blended_utilization_short, blended_skew,
		margin_fee, opening_fee, depth_above, depth_below,
		group_utilization_long, group_utilization_short, group_skew
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
	)
	ON CONFLICT (ts, pair_index) DO NOTHING`, w.table("pair_metrics"))
	for _, r := range rows {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		_, err := w.db.ExecContext(writeCtx, query,
			r.Time,
			r.Pair,
			r.PairIndex,
			r.GroupIndex,
			r.OILong,
			r.OIShort,
			r.OIMax,
			r.UtilizationLong,
			r.UtilizationShort,
			r.Skew,
			r.BlendedUtilLong,
			r.BlendedUtilShort,
			r.BlendedSkew,
			r.MarginFee,
			r.OpeningFee,
			r.DepthAbove,
			r.DepthBelow,
			r.GroupUtilLong,
			r.GroupUtilShort,
			r.GroupSkew,
		)
		cancel()
		if err != nil {
			w.log.Warn("timescale pair metrics insert failed", zap.String("pair", r.Pair), zap.Error(err))
		}
	}
}

func (w *Writer) writeTick(ctx context.Context, tick PriceTick) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, pair, feed_id, price, conf, ema_price
	) VALUES (
		$1,$2,$3,$4,$5,$6
	)
	ON CONFLICT (ts, feed_id) DO NOTHING`, w.table("price_ticks"))
	if _, err := w.db.ExecContext(ctx, query,
		tick.Time,
		tick.Pair,
		tick.FeedID,
		tick.Price,
		tick.Conf,
		tick.EMAPrice,
	); err != nil {
		w.log.Warn("timescale price tick insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
