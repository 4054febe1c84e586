// Package ledgertest provides an in-memory ledger.Reader for tests.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"perp-market-sdk/internal/ledger"
)

// Fake serves reads from its maps. Missing entries are reported as errors so
// tests notice unexpected reads. Set Err to fail every call to a method, or
// EntityErr to fail a single index.
type Fake struct {
	mu sync.Mutex

	Pairs       []ledger.PairRecord
	GroupOIs    map[int]ledger.OIRecord
	PairOIs     map[int]ledger.OIRecord
	Depths      map[int]ledger.DepthRecord
	MarginFees  map[int]*big.Int
	OpeningFees map[int]*big.Int
	Discounts   map[common.Address]*big.Int
	Trades      map[common.Address]map[int][]ledger.TradeRecord

	Err       map[string]error
	EntityErr map[string]map[int]error

	calls map[string]int
}

var _ ledger.Reader = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		GroupOIs:    make(map[int]ledger.OIRecord),
		PairOIs:     make(map[int]ledger.OIRecord),
		Depths:      make(map[int]ledger.DepthRecord),
		MarginFees:  make(map[int]*big.Int),
		OpeningFees: make(map[int]*big.Int),
		Discounts:   make(map[common.Address]*big.Int),
		Trades:      make(map[common.Address]map[int][]ledger.TradeRecord),
		Err:         make(map[string]error),
		EntityErr:   make(map[string]map[int]error),
		calls:       make(map[string]int),
	}
}

// AddPair appends a pair whose index is its position in Pairs.
func (f *Fake) AddPair(from, to string, group int, maxOI int64) ledger.PairRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.Pairs)
	rec := ledger.PairRecord{
		Index:       idx,
		From:        from,
		To:          to,
		FeedID:      [32]byte{byte(idx + 1)},
		SpreadMinP:  big.NewInt(0),
		SpreadMaxP:  big.NewInt(0),
		GroupIndex:  group,
		MaxLeverage: big.NewInt(100),
		MaxOI:       big.NewInt(maxOI),
	}
	f.Pairs = append(f.Pairs, rec)
	return rec
}

// FailEntity makes method fail for a single pair or group index.
func (f *Fake) FailEntity(method string, index int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EntityErr[method] == nil {
		f.EntityErr[method] = make(map[int]error)
	}
	f.EntityErr[method][index] = err
}

func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Fake) enter(ctx context.Context, method string, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.Err[method]; err != nil {
		return err
	}
	if byIndex := f.EntityErr[method]; byIndex != nil {
		if err := byIndex[index]; err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) PairsCount(ctx context.Context) (int, error) {
	if err := f.enter(ctx, "PairsCount", -1); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Pairs), nil
}

func (f *Fake) Pair(ctx context.Context, index int) (ledger.PairRecord, error) {
	if err := f.enter(ctx, "Pair", index); err != nil {
		return ledger.PairRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= len(f.Pairs) {
		return ledger.PairRecord{}, fmt.Errorf("pair %d not found", index)
	}
	return f.Pairs[index], nil
}

func (f *Fake) GroupOI(ctx context.Context, group int) (ledger.OIRecord, error) {
	if err := f.enter(ctx, "GroupOI", group); err != nil {
		return ledger.OIRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	oi, ok := f.GroupOIs[group]
	if !ok {
		return ledger.OIRecord{}, fmt.Errorf("group %d oi not found", group)
	}
	return oi, nil
}

func (f *Fake) PairOI(ctx context.Context, pair int) (ledger.OIRecord, error) {
	if err := f.enter(ctx, "PairOI", pair); err != nil {
		return ledger.OIRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	oi, ok := f.PairOIs[pair]
	if !ok {
		return ledger.OIRecord{}, fmt.Errorf("pair %d oi not found", pair)
	}
	return oi, nil
}

func (f *Fake) PairDepth(ctx context.Context, pair int) (ledger.DepthRecord, error) {
	if err := f.enter(ctx, "PairDepth", pair); err != nil {
		return ledger.DepthRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	depth, ok := f.Depths[pair]
	if !ok {
		return ledger.DepthRecord{}, fmt.Errorf("pair %d depth not found", pair)
	}
	return depth, nil
}

func (f *Fake) PairMarginFee(ctx context.Context, pair int) (*big.Int, error) {
	if err := f.enter(ctx, "PairMarginFee", pair); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fee, ok := f.MarginFees[pair]
	if !ok {
		return nil, fmt.Errorf("pair %d margin fee not found", pair)
	}
	return fee, nil
}

func (f *Fake) PairOpeningFee(ctx context.Context, pair int) (*big.Int, error) {
	if err := f.enter(ctx, "PairOpeningFee", pair); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fee, ok := f.OpeningFees[pair]
	if !ok {
		return nil, fmt.Errorf("pair %d opening fee not found", pair)
	}
	return fee, nil
}

func (f *Fake) ReferralDiscount(ctx context.Context, trader common.Address) (*big.Int, error) {
	if err := f.enter(ctx, "ReferralDiscount", -1); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.Discounts[trader]; ok {
		return d, nil
	}
	return new(big.Int), nil
}

func (f *Fake) OpenTrades(ctx context.Context, trader common.Address, pair int) ([]ledger.TradeRecord, error) {
	if err := f.enter(ctx, "OpenTrades", pair); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.TradeRecord(nil), f.Trades[trader][pair]...), nil
}
