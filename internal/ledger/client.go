package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Caller issues eth_call requests. *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type Options struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

type Client struct {
	caller    Caller
	contracts Contracts
	timeout   time.Duration
	limiter   *rate.Limiter
	log       *zap.Logger
	closeFn   func()
}

var _ Reader = (*Client)(nil)

func New(caller Caller, contracts Contracts, opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		caller:    caller,
		contracts: contracts,
		timeout:   opts.Timeout,
		limiter:   rate.NewLimiter(limit, burst),
		log:       log,
	}
}

// Dial connects to a JSON-RPC endpoint and returns a client bound to it.
func Dial(ctx context.Context, rpcURL string, contracts Contracts, opts Options, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	c := New(eth, contracts, opts, log)
	c.closeFn = eth.Close
	return c, nil
}

func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

func (c *Client) PairsCount(ctx context.Context) (int, error) {
	out, err := c.call(ctx, c.contracts.PairStorage, PairStorageABI, "pairsCount")
	if err != nil {
		return 0, err
	}
	return intAt(out, 0, "pairs count")
}

func (c *Client) Pair(ctx context.Context, index int) (PairRecord, error) {
	idx := big.NewInt(int64(index))
	out, err := c.call(ctx, c.contracts.PairStorage, PairStorageABI, "pairs", idx)
	if err != nil {
		return PairRecord{}, err
	}
	rec := PairRecord{Index: index}
	if rec.From, err = stringAt(out, 0); err != nil {
		return PairRecord{}, err
	}
	if rec.To, err = stringAt(out, 1); err != nil {
		return PairRecord{}, err
	}
	if rec.FeedID, err = bytes32At(out, 2); err != nil {
		return PairRecord{}, err
	}
	if rec.SpreadMinP, err = bigAt(out, 3); err != nil {
		return PairRecord{}, err
	}
	if rec.SpreadMaxP, err = bigAt(out, 4); err != nil {
		return PairRecord{}, err
	}
	if rec.GroupIndex, err = intAt(out, 5, "group index"); err != nil {
		return PairRecord{}, err
	}
	if rec.FeeIndex, err = intAt(out, 6, "fee index"); err != nil {
		return PairRecord{}, err
	}

	if rec.MaxLeverage, err = c.callBig(ctx, c.contracts.PairStorage, PairStorageABI, "pairMaxLeverage", idx); err != nil {
		return PairRecord{}, err
	}
	if rec.MaxOI, err = c.callBig(ctx, c.contracts.PairStorage, PairStorageABI, "pairMaxOI", idx); err != nil {
		return PairRecord{}, err
	}
	return rec, nil
}

func (c *Client) GroupOI(ctx context.Context, group int) (OIRecord, error) {
	idx := big.NewInt(int64(group))
	long, err := c.callBig(ctx, c.contracts.PairStorage, PairStorageABI, "groupOIs", idx, big.NewInt(int64(Long)))
	if err != nil {
		return OIRecord{}, err
	}
	short, err := c.callBig(ctx, c.contracts.PairStorage, PairStorageABI, "groupOIs", idx, big.NewInt(int64(Short)))
	if err != nil {
		return OIRecord{}, err
	}
	max, err := c.callBig(ctx, c.contracts.PairStorage, PairStorageABI, "groupMaxOI", idx)
	if err != nil {
		return OIRecord{}, err
	}
	return OIRecord{Long: long, Short: short, Max: max}, nil
}

func (c *Client) PairOI(ctx context.Context, pair int) (OIRecord, error) {
	idx := big.NewInt(int64(pair))
	long, err := c.callBig(ctx, c.contracts.TradingStorage, TradingStorageABI, "openInterestUsdc", idx, big.NewInt(int64(Long)))
	if err != nil {
		return OIRecord{}, err
	}
	short, err := c.callBig(ctx, c.contracts.TradingStorage, TradingStorageABI, "openInterestUsdc", idx, big.NewInt(int64(Short)))
	if err != nil {
		return OIRecord{}, err
	}
	return OIRecord{Long: long, Short: short}, nil
}

func (c *Client) PairDepth(ctx context.Context, pair int) (DepthRecord, error) {
	idx := big.NewInt(int64(pair))
	above, err := c.callBig(ctx, c.contracts.PairInfos, PairInfosABI, "onePercentDepthAboveUsdc", idx)
	if err != nil {
		return DepthRecord{}, err
	}
	below, err := c.callBig(ctx, c.contracts.PairInfos, PairInfosABI, "onePercentDepthBelowUsdc", idx)
	if err != nil {
		return DepthRecord{}, err
	}
	return DepthRecord{Above: above, Below: below}, nil
}

func (c *Client) PairMarginFee(ctx context.Context, pair int) (*big.Int, error) {
	return c.callBig(ctx, c.contracts.PairInfos, PairInfosABI, "pairMarginFeeP", big.NewInt(int64(pair)))
}

func (c *Client) PairOpeningFee(ctx context.Context, pair int) (*big.Int, error) {
	return c.callBig(ctx, c.contracts.PairStorage, PairStorageABI, "pairOpenFeeP", big.NewInt(int64(pair)))
}

// ReferralDiscount returns the trader's fee discount percentage (10 decimals).
// Traders without a referral code get zero.
func (c *Client) ReferralDiscount(ctx context.Context, trader common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.contracts.Referral, ReferralABI, "getTraderReferralInfo", trader)
	if err != nil {
		return nil, err
	}
	code, err := bytes32At(out, 0)
	if err != nil {
		return nil, err
	}
	if code == ([32]byte{}) {
		return new(big.Int), nil
	}
	referrer, err := addressAt(out, 1)
	if err != nil {
		return nil, err
	}
	tier, err := c.callBig(ctx, c.contracts.Referral, ReferralABI, "referrerTiers", referrer)
	if err != nil {
		return nil, err
	}
	out, err = c.call(ctx, c.contracts.Referral, ReferralABI, "tiers", tier)
	if err != nil {
		return nil, err
	}
	return bigAt(out, 0)
}

func (c *Client) OpenTrades(ctx context.Context, trader common.Address, pair int) ([]TradeRecord, error) {
	idx := big.NewInt(int64(pair))
	count, err := c.callBig(ctx, c.contracts.TradingStorage, TradingStorageABI, "openTradesCount", trader, idx)
	if err != nil {
		return nil, err
	}
	n, err := boundedInt(count, "open trades count")
	if err != nil {
		return nil, err
	}
	trades := make([]TradeRecord, 0, n)
	for i := 0; i < n; i++ {
		out, err := c.call(ctx, c.contracts.TradingStorage, TradingStorageABI, "openTrades", trader, idx, big.NewInt(int64(i)))
		if err != nil {
			return nil, err
		}
		trade, err := decodeTrade(out)
		if err != nil {
			return nil, err
		}
		// Empty slots come back zeroed.
		if trade.PositionSizeUSDC.Sign() == 0 {
			continue
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

func decodeTrade(out []interface{}) (TradeRecord, error) {
	var (
		rec TradeRecord
		err error
	)
	if rec.Trader, err = addressAt(out, 0); err != nil {
		return TradeRecord{}, err
	}
	if rec.PairIndex, err = intAt(out, 1, "pair index"); err != nil {
		return TradeRecord{}, err
	}
	if rec.Index, err = intAt(out, 2, "trade index"); err != nil {
		return TradeRecord{}, err
	}
	if rec.InitialPosToken, err = bigAt(out, 3); err != nil {
		return TradeRecord{}, err
	}
	if rec.PositionSizeUSDC, err = bigAt(out, 4); err != nil {
		return TradeRecord{}, err
	}
	if rec.OpenPrice, err = bigAt(out, 5); err != nil {
		return TradeRecord{}, err
	}
	if rec.Buy, err = boolAt(out, 6); err != nil {
		return TradeRecord{}, err
	}
	if rec.Leverage, err = bigAt(out, 7); err != nil {
		return TradeRecord{}, err
	}
	if rec.TakeProfit, err = bigAt(out, 8); err != nil {
		return TradeRecord{}, err
	}
	if rec.StopLoss, err = bigAt(out, 9); err != nil {
		return TradeRecord{}, err
	}
	ts, err := bigAt(out, 10)
	if err != nil {
		return TradeRecord{}, err
	}
	if !ts.IsInt64() {
		return TradeRecord{}, fmt.Errorf("%w: open timestamp %s out of range", ErrMalformedResponse, ts)
	}
	rec.OpenedAt = time.Unix(ts.Int64(), 0).UTC()
	return rec, nil
}

func (c *Client) callBig(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	out, err := c.call(ctx, to, contract, method, args...)
	if err != nil {
		return nil, err
	}
	return bigAt(out, 0)
}

func (c *Client) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	raw, err := c.caller.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w: %v", method, ErrMalformedResponse, err)
	}
	return out, nil
}

// maxIndex bounds counts and indexes read from contracts; anything larger
// is a corrupt response.
const maxIndex = 1 << 20

func intAt(out []interface{}, i int, what string) (int, error) {
	n, err := bigAt(out, i)
	if err != nil {
		return 0, err
	}
	return boundedInt(n, what)
}

func boundedInt(n *big.Int, what string) (int, error) {
	if n.Sign() < 0 || !n.IsInt64() || n.Int64() > maxIndex {
		return 0, fmt.Errorf("%w: %s %s out of range", ErrMalformedResponse, what, n)
	}
	return int(n.Int64()), nil
}

func valueAt(out []interface{}, i int) (interface{}, error) {
	if i < 0 || i >= len(out) {
		return nil, fmt.Errorf("%w: missing output %d", ErrMalformedResponse, i)
	}
	return out[i], nil
}

func bigAt(out []interface{}, i int) (*big.Int, error) {
	v, err := valueAt(out, i)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok || n == nil {
		return nil, fmt.Errorf("%w: output %d is %T, want uint256", ErrMalformedResponse, i, v)
	}
	return n, nil
}

func stringAt(out []interface{}, i int) (string, error) {
	v, err := valueAt(out, i)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: output %d is %T, want string", ErrMalformedResponse, i, v)
	}
	return s, nil
}

func bytes32At(out []interface{}, i int) ([32]byte, error) {
	v, err := valueAt(out, i)
	if err != nil {
		return [32]byte{}, err
	}
	b, ok := v.([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("%w: output %d is %T, want bytes32", ErrMalformedResponse, i, v)
	}
	return b, nil
}

func addressAt(out []interface{}, i int) (common.Address, error) {
	v, err := valueAt(out, i)
	if err != nil {
		return common.Address{}, err
	}
	a, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: output %d is %T, want address", ErrMalformedResponse, i, v)
	}
	return a, nil
}

func boolAt(out []interface{}, i int) (bool, error) {
	v, err := valueAt(out, i)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: output %d is %T, want bool", ErrMalformedResponse, i, v)
	}
	return b, nil
}

// IsMalformed reports whether err came from an undecodable contract response.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedResponse)
}
