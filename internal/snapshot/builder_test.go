package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"reflect"
	"strings"
	"testing"
	"time"

	"perp-market-sdk/internal/aggregate"
	"perp-market-sdk/internal/ledger"
	"perp-market-sdk/internal/ledger/ledgertest"
	"perp-market-sdk/internal/registry"
)

func usdc(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000))
}

// threePairs is the two-group scenario: BTC/USD and ETH/USD in group 0,
// EUR/USD in group 1.
func threePairs() *ledgertest.Fake {
	fake := ledgertest.New()
	fake.AddPair("BTC", "USD", 0, 1_000_000_000)
	fake.AddPair("ETH", "USD", 0, 1_000_000_000)
	fake.AddPair("EUR", "USD", 1, 4_000_000_000)
	fake.GroupOIs[0] = ledger.OIRecord{Long: usdc(300), Short: usdc(100), Max: usdc(2000)}
	fake.GroupOIs[1] = ledger.OIRecord{Long: usdc(50), Short: usdc(150), Max: usdc(1000)}
	for i := 0; i < 3; i++ {
		fake.PairOIs[i] = ledger.OIRecord{Long: usdc(int64(100 * (i + 1))), Short: usdc(50)}
		fake.Depths[i] = ledger.DepthRecord{Above: usdc(10), Below: usdc(10)}
		fake.MarginFees[i] = big.NewInt(80_000_000_000)
		fake.OpeningFees[i] = big.NewInt(500_000_000)
	}
	return fake
}

func newBuilder(fake *ledgertest.Fake, catalog Catalog, opts Options) *Builder {
	aggOpts := aggregate.Options{Concurrency: 4}
	return NewBuilder(
		catalog,
		aggregate.NewCategory(fake, catalog, aggOpts),
		aggregate.NewAsset(fake, catalog, aggOpts),
		aggregate.NewFee(fake, catalog, aggOpts),
		aggregate.DefaultBlendPolicy(),
		opts,
	)
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
}

func TestSnapshotPartitionsPairsByGroup(t *testing.T) {
	fake := threePairs()
	reg := registry.New(registry.NewLedgerSource(fake, 0), nil, nil)
	builder := newBuilder(fake, reg, Options{Now: fixedClock()})

	ctx := context.Background()
	groups, err := reg.GroupIndexes(ctx)
	if err != nil {
		t.Fatalf("group indexes: %v", err)
	}
	if !reflect.DeepEqual(groups, []int{0, 1}) {
		t.Fatalf("expected groups [0 1], got %v", groups)
	}

	snap, err := builder.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(snap.Groups))
	}
	if snap.PairCount() != 3 {
		t.Fatalf("expected 3 pairs, got %d", snap.PairCount())
	}
	seen := make(map[string]string)
	for key, g := range snap.Groups {
		if key != GroupKey(g.Index) {
			t.Fatalf("group key %s does not match index %d", key, g.Index)
		}
		for name, p := range g.Pairs {
			if prev, dup := seen[name]; dup {
				t.Fatalf("pair %s in both %s and %s", name, prev, key)
			}
			seen[name] = key
			if p.GroupIndex != g.Index {
				t.Fatalf("pair %s filed under wrong group", name)
			}
		}
	}
	g0, ok := snap.Group(0)
	if !ok || len(g0.Pairs) != 2 {
		t.Fatalf("expected 2 pairs in group 0, got %+v", g0.Pairs)
	}
	if g0.Skew.Unwrap().Long != 0.75 {
		t.Fatalf("unexpected group 0 skew %+v", g0.Skew)
	}
	btc, ok := snap.Pair("BTC/USD")
	if !ok {
		t.Fatalf("BTC/USD missing")
	}
	if !btc.OpenInterest.IsSome() || !btc.BlendedSkew.IsSome() || !btc.MarginFee.IsSome() || !btc.Depth.IsSome() {
		t.Fatalf("expected all btc metrics present: %+v", btc)
	}
	if !snap.BuiltAt.Equal(fixedClock()()) {
		t.Fatalf("unexpected build time %s", snap.BuiltAt)
	}
}

func TestSnapshotIdempotentUnderStableState(t *testing.T) {
	fake := threePairs()
	reg := registry.New(registry.NewLedgerSource(fake, 0), nil, nil)
	builder := newBuilder(fake, reg, Options{})

	first, err := builder.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	second, err := builder.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	if !reflect.DeepEqual(first.Groups, second.Groups) {
		t.Fatalf("snapshots differ:\n%+v\n%+v", first.Groups, second.Groups)
	}
}

func TestPerEntityFailureBecomesAbsentField(t *testing.T) {
	fake := threePairs()
	fake.FailEntity("PairOI", 1, errors.New("reverted"))
	fake.FailEntity("GroupOI", 1, errors.New("reverted"))
	reg := registry.New(registry.NewLedgerSource(fake, 0), nil, nil)

	snap, err := newBuilder(fake, reg, Options{}).Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	eth, ok := snap.Pair("ETH/USD")
	if !ok {
		t.Fatalf("ETH/USD should still be present")
	}
	if eth.OpenInterest.IsSome() || eth.BlendedUtilization.IsSome() {
		t.Fatalf("expected absent oi metrics for ETH/USD: %+v", eth)
	}
	if !eth.MarginFee.IsSome() {
		t.Fatalf("unrelated metrics should survive")
	}
	eur, _ := snap.Pair("EUR/USD")
	if !eur.Utilization.IsSome() || eur.BlendedSkew.IsSome() {
		t.Fatalf("expected asset metrics without blend for EUR/USD: %+v", eur)
	}
	g1, _ := snap.Group(1)
	if g1.OpenInterest.IsSome() {
		t.Fatalf("expected absent group oi")
	}
}

func TestRegistryFailureFailsBuild(t *testing.T) {
	fake := threePairs()
	fake.Err["PairsCount"] = errors.New("rpc unreachable")
	reg := registry.New(registry.NewLedgerSource(fake, 0), nil, nil)
	if _, err := newBuilder(fake, reg, Options{}).Snapshot(context.Background()); err == nil {
		t.Fatalf("expected build failure")
	}
}

func TestRefreshFailureFailsBuild(t *testing.T) {
	fake := threePairs()
	reg := registry.New(registry.NewLedgerSource(fake, 0), nil, nil)
	if _, err := reg.Pairs(context.Background(), false); err != nil {
		t.Fatalf("warm registry: %v", err)
	}
	fake.FailEntity("Pair", 2, errors.New("timeout"))
	builder := newBuilder(fake, reg, Options{RefreshRegistry: true})
	if _, err := builder.Snapshot(context.Background()); err == nil || !strings.Contains(err.Error(), "refresh pairs") {
		t.Fatalf("expected refresh error, got %v", err)
	}
}

// shrinkingCatalog drops a pair from Cached, as if an invalidation raced
// with the build.
type shrinkingCatalog struct {
	*registry.Registry
	drop string
}

func (c shrinkingCatalog) Cached() ([]registry.Pair, bool) {
	pairs, ok := c.Registry.Cached()
	out := pairs[:0:0]
	for _, p := range pairs {
		if p.Name() != c.drop {
			out = append(out, p)
		}
	}
	return out, ok
}

func TestPairAbsentAtAssemblyIsSkipped(t *testing.T) {
	fake := threePairs()
	catalog := shrinkingCatalog{Registry: registry.New(registry.NewLedgerSource(fake, 0), nil, nil), drop: "ETH/USD"}
	snap, err := newBuilder(fake, catalog, Options{}).Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, ok := snap.Pair("ETH/USD"); ok {
		t.Fatalf("raced pair should be skipped")
	}
	if snap.PairCount() != 2 {
		t.Fatalf("expected 2 pairs, got %d", snap.PairCount())
	}
}

func TestProjections(t *testing.T) {
	fake := threePairs()
	reg := registry.New(registry.NewLedgerSource(fake, 0), nil, nil)
	builder := newBuilder(fake, reg, Options{})
	ctx := context.Background()

	g, ok, err := builder.GroupSnapshot(ctx, 1)
	if err != nil || !ok || len(g.Pairs) != 1 {
		t.Fatalf("group snapshot: %+v ok=%v err=%v", g, ok, err)
	}
	if _, ok, err := builder.GroupSnapshot(ctx, 7); ok || err != nil {
		t.Fatalf("expected unknown group not found, got ok=%v err=%v", ok, err)
	}
	p, ok, err := builder.PairSnapshot(ctx, "EUR/USD")
	if err != nil || !ok || p.Index != 2 {
		t.Fatalf("pair snapshot: %+v ok=%v err=%v", p, ok, err)
	}
	before := fake.Calls("GroupOI")
	if _, _, err := builder.PairSnapshot(ctx, "EUR/USD"); err != nil {
		t.Fatalf("pair snapshot: %v", err)
	}
	if fake.Calls("GroupOI") == before {
		t.Fatalf("each projection should run a fresh build")
	}
}

func TestEncodeFormats(t *testing.T) {
	fake := threePairs()
	fake.FailEntity("PairDepth", 0, errors.New("reverted"))
	reg := registry.New(registry.NewLedgerSource(fake, 0), nil, nil)
	snap, err := newBuilder(fake, reg, Options{Now: fixedClock()}).Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	var js bytes.Buffer
	if err := Encode(&js, snap, FormatJSON); err != nil {
		t.Fatalf("encode json: %v", err)
	}
	var doc struct {
		Groups map[string]struct {
			Pairs map[string]map[string]any `json:"pairs"`
		} `json:"groups"`
	}
	if err := json.Unmarshal(js.Bytes(), &doc); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	btc := doc.Groups["group_0"].Pairs["BTC/USD"]
	if _, ok := btc["onePercentDepth"]; ok {
		t.Fatalf("absent depth should be omitted from json")
	}
	if btc["from"] != "BTC" {
		t.Fatalf("expected flattened pair metadata, got %v", btc["from"])
	}

	var mp bytes.Buffer
	if err := Encode(&mp, snap, FormatMsgpack); err != nil {
		t.Fatalf("encode msgpack: %v", err)
	}
	decoded, err := DecodeMsgpack(&mp)
	if err != nil {
		t.Fatalf("decode msgpack: %v", err)
	}
	if decoded.PairCount() != 3 {
		t.Fatalf("expected 3 pairs after msgpack decode, got %d", decoded.PairCount())
	}

	if err := Encode(&bytes.Buffer{}, snap, "xml"); err == nil {
		t.Fatalf("expected unknown format error")
	}
}
