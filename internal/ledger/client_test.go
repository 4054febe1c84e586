package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

type handler func(args []interface{}) ([]interface{}, error)

type fakeCaller struct {
	mu        sync.Mutex
	handlers  map[string]handler
	raw       map[string][]byte
	calls     map[string]int
	deadlines []bool
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		handlers: make(map[string]handler),
		raw:      make(map[string][]byte),
		calls:    make(map[string]int),
	}
}

func (f *fakeCaller) on(method string, h handler) {
	f.handlers[method] = h
}

func (f *fakeCaller) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeCaller) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if len(call.Data) < 4 {
		return nil, errors.New("short calldata")
	}
	method, err := lookupMethod(call.Data[:4])
	if err != nil {
		return nil, err
	}
	_, hasDeadline := ctx.Deadline()
	f.mu.Lock()
	f.calls[method.Name]++
	f.deadlines = append(f.deadlines, hasDeadline)
	h := f.handlers[method.Name]
	raw, hasRaw := f.raw[method.Name]
	f.mu.Unlock()
	if hasRaw {
		return raw, nil
	}
	if h == nil {
		return nil, fmt.Errorf("no handler for %s", method.Name)
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	out, err := h(args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func lookupMethod(id []byte) (*abi.Method, error) {
	for _, parsed := range []abi.ABI{PairStorageABI, TradingStorageABI, PairInfosABI, ReferralABI} {
		if m, err := parsed.MethodById(id); err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown selector %x", id)
}

func testContracts() Contracts {
	return Contracts{
		PairStorage:    common.HexToAddress("0x1000000000000000000000000000000000000001"),
		TradingStorage: common.HexToAddress("0x1000000000000000000000000000000000000002"),
		PairInfos:      common.HexToAddress("0x1000000000000000000000000000000000000003"),
		Referral:       common.HexToAddress("0x1000000000000000000000000000000000000004"),
	}
}

func TestPairsCount(t *testing.T) {
	caller := newFakeCaller()
	caller.on("pairsCount", func([]interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(3)}, nil
	})
	client := New(caller, testContracts(), Options{Timeout: time.Second}, nil)
	n, err := client.PairsCount(context.Background())
	if err != nil {
		t.Fatalf("pairs count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 pairs, got %d", n)
	}
	if len(caller.deadlines) != 1 || !caller.deadlines[0] {
		t.Fatalf("expected per-call deadline, got %v", caller.deadlines)
	}
}

func TestPairDecodesAllFields(t *testing.T) {
	caller := newFakeCaller()
	feed := [32]byte{0xaa, 0xbb}
	caller.on("pairs", func(args []interface{}) ([]interface{}, error) {
		idx := args[0].(*big.Int)
		if idx.Int64() != 2 {
			return nil, fmt.Errorf("unexpected index %s", idx)
		}
		return []interface{}{"ETH", "USD", feed, big.NewInt(100), big.NewInt(200), big.NewInt(1), big.NewInt(4)}, nil
	})
	caller.on("pairMaxLeverage", func([]interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(50)}, nil
	})
	caller.on("pairMaxOI", func([]interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(1_000_000_000)}, nil
	})
	client := New(caller, testContracts(), Options{}, nil)
	rec, err := client.Pair(context.Background(), 2)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if rec.Index != 2 || rec.From != "ETH" || rec.To != "USD" {
		t.Fatalf("unexpected pair identity: %+v", rec)
	}
	if rec.FeedID != feed {
		t.Fatalf("unexpected feed id %x", rec.FeedID)
	}
	if rec.GroupIndex != 1 || rec.FeeIndex != 4 {
		t.Fatalf("unexpected indexes: group=%d fee=%d", rec.GroupIndex, rec.FeeIndex)
	}
	if rec.MaxLeverage.Int64() != 50 || rec.MaxOI.Int64() != 1_000_000_000 {
		t.Fatalf("unexpected limits: %s %s", rec.MaxLeverage, rec.MaxOI)
	}
}

func TestGroupOIReadsBothSides(t *testing.T) {
	caller := newFakeCaller()
	caller.on("groupOIs", func(args []interface{}) ([]interface{}, error) {
		side := args[1].(*big.Int).Int64()
		if side == int64(Long) {
			return []interface{}{big.NewInt(700)}, nil
		}
		return []interface{}{big.NewInt(300)}, nil
	})
	caller.on("groupMaxOI", func([]interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(2000)}, nil
	})
	client := New(caller, testContracts(), Options{}, nil)
	oi, err := client.GroupOI(context.Background(), 0)
	if err != nil {
		t.Fatalf("group oi: %v", err)
	}
	if oi.Long.Int64() != 700 || oi.Short.Int64() != 300 || oi.Max.Int64() != 2000 {
		t.Fatalf("unexpected group oi: %+v", oi)
	}
	if caller.count("groupOIs") != 2 {
		t.Fatalf("expected two side reads, got %d", caller.count("groupOIs"))
	}
}

func TestReferralDiscountWithoutCodeSkipsTierLookup(t *testing.T) {
	caller := newFakeCaller()
	caller.on("getTraderReferralInfo", func([]interface{}) ([]interface{}, error) {
		return []interface{}{[32]byte{}, common.Address{}}, nil
	})
	client := New(caller, testContracts(), Options{}, nil)
	discount, err := client.ReferralDiscount(context.Background(), common.HexToAddress("0x01"))
	if err != nil {
		t.Fatalf("discount: %v", err)
	}
	if discount.Sign() != 0 {
		t.Fatalf("expected zero discount, got %s", discount)
	}
	if caller.count("referrerTiers") != 0 || caller.count("tiers") != 0 {
		t.Fatalf("expected no tier lookups")
	}
}

func TestReferralDiscountFollowsTier(t *testing.T) {
	referrer := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	caller := newFakeCaller()
	caller.on("getTraderReferralInfo", func([]interface{}) ([]interface{}, error) {
		return []interface{}{[32]byte{1}, referrer}, nil
	})
	caller.on("referrerTiers", func(args []interface{}) ([]interface{}, error) {
		if args[0].(common.Address) != referrer {
			return nil, errors.New("wrong referrer")
		}
		return []interface{}{big.NewInt(2)}, nil
	})
	caller.on("tiers", func(args []interface{}) ([]interface{}, error) {
		if args[0].(*big.Int).Int64() != 2 {
			return nil, errors.New("wrong tier")
		}
		return []interface{}{big.NewInt(10_0000000000), big.NewInt(5)}, nil
	})
	client := New(caller, testContracts(), Options{}, nil)
	discount, err := client.ReferralDiscount(context.Background(), common.HexToAddress("0x01"))
	if err != nil {
		t.Fatalf("discount: %v", err)
	}
	if discount.Cmp(big.NewInt(10_0000000000)) != 0 {
		t.Fatalf("unexpected discount %s", discount)
	}
}

func TestOpenTradesSkipsEmptySlots(t *testing.T) {
	trader := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	caller := newFakeCaller()
	caller.on("openTradesCount", func([]interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(2)}, nil
	})
	caller.on("openTrades", func(args []interface{}) ([]interface{}, error) {
		slot := args[2].(*big.Int).Int64()
		size := big.NewInt(0)
		if slot == 0 {
			size = big.NewInt(5_000_000)
		}
		return []interface{}{
			trader, args[1], big.NewInt(slot), big.NewInt(0), size, big.NewInt(2_000_0000000000),
			true, big.NewInt(10), big.NewInt(0), big.NewInt(0), big.NewInt(1_700_000_000),
		}, nil
	})
	client := New(caller, testContracts(), Options{}, nil)
	trades, err := client.OpenTrades(context.Background(), trader, 1)
	if err != nil {
		t.Fatalf("open trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected one live trade, got %d", len(trades))
	}
	if !trades[0].Buy || trades[0].PairIndex != 1 || trades[0].OpenedAt.Unix() != 1_700_000_000 {
		t.Fatalf("unexpected trade: %+v", trades[0])
	}
}

func TestMalformedResponse(t *testing.T) {
	caller := newFakeCaller()
	caller.raw["pairsCount"] = []byte{0x01, 0x02}
	client := New(caller, testContracts(), Options{}, nil)
	_, err := client.PairsCount(context.Background())
	if !IsMalformed(err) {
		t.Fatalf("expected malformed response error, got %v", err)
	}
}

func TestCallErrorPropagates(t *testing.T) {
	caller := newFakeCaller()
	boom := errors.New("rpc down")
	caller.on("pairMarginFeeP", func([]interface{}) ([]interface{}, error) {
		return nil, boom
	})
	client := New(caller, testContracts(), Options{}, nil)
	if _, err := client.PairMarginFee(context.Background(), 0); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped rpc error, got %v", err)
	}
}

func TestCanceledContextStopsBeforeCall(t *testing.T) {
	caller := newFakeCaller()
	caller.on("pairsCount", func([]interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(1)}, nil
	})
	client := New(caller, testContracts(), Options{RequestsPerSecond: 1, Burst: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.PairsCount(ctx); err == nil {
		t.Fatalf("expected canceled context error")
	}
	if caller.count("pairsCount") != 0 {
		t.Fatalf("expected no remote call after cancel")
	}
}

func maxUint256() *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
}

func TestPairsCountRejectsOutOfRange(t *testing.T) {
	for name, v := range map[string]*big.Int{
		"max uint256": maxUint256(),
		"above int64": new(big.Int).Lsh(big.NewInt(1), 63),
		"too large":   big.NewInt(maxIndex + 1),
	} {
		caller := newFakeCaller()
		caller.on("pairsCount", func([]interface{}) ([]interface{}, error) {
			return []interface{}{v}, nil
		})
		client := New(caller, testContracts(), Options{}, nil)
		n, err := client.PairsCount(context.Background())
		if !IsMalformed(err) {
			t.Fatalf("%s: expected malformed response, got n=%d err=%v", name, n, err)
		}
	}
}

func TestPairRejectsOutOfRangeGroupIndex(t *testing.T) {
	caller := newFakeCaller()
	caller.on("pairs", func([]interface{}) ([]interface{}, error) {
		return []interface{}{"BTC", "USD", [32]byte{1}, big.NewInt(0), big.NewInt(0), maxUint256(), big.NewInt(0)}, nil
	})
	client := New(caller, testContracts(), Options{}, nil)
	if _, err := client.Pair(context.Background(), 0); !IsMalformed(err) {
		t.Fatalf("expected malformed response, got %v", err)
	}
	if caller.count("pairMaxLeverage") != 0 {
		t.Fatalf("expected no follow-up reads after a bad pair record")
	}
}

func TestOpenTradesRejectsOutOfRangeCount(t *testing.T) {
	caller := newFakeCaller()
	caller.on("openTradesCount", func([]interface{}) ([]interface{}, error) {
		return []interface{}{maxUint256()}, nil
	})
	client := New(caller, testContracts(), Options{}, nil)
	if _, err := client.OpenTrades(context.Background(), common.HexToAddress("0x01"), 0); !IsMalformed(err) {
		t.Fatalf("expected malformed response, got %v", err)
	}
	if caller.count("openTrades") != 0 {
		t.Fatalf("expected no slot reads, got %d", caller.count("openTrades"))
	}
}
