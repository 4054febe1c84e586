package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrMalformedResponse = errors.New("malformed contract response")

// Side selects the long or short leg of an open-interest read.
type Side int64

const (
	Long  Side = 0
	Short Side = 1
)

// Contracts is the protocol address book. It is passed to the client at
// construction time instead of living in package state.
type Contracts struct {
	PairStorage    common.Address
	TradingStorage common.Address
	PairInfos      common.Address
	Referral       common.Address
}

// PairRecord is the raw, unscaled pair metadata as stored on chain.
type PairRecord struct {
	Index       int
	From        string
	To          string
	FeedID      [32]byte
	SpreadMinP  *big.Int
	SpreadMaxP  *big.Int
	GroupIndex  int
	FeeIndex    int
	MaxLeverage *big.Int
	MaxOI       *big.Int
}

// OIRecord holds USDC open interest (6 decimals). Max is nil for reads that
// do not return a limit.
type OIRecord struct {
	Long  *big.Int
	Short *big.Int
	Max   *big.Int
}

type DepthRecord struct {
	Above *big.Int
	Below *big.Int
}

type TradeRecord struct {
	Trader           common.Address
	PairIndex        int
	Index            int
	InitialPosToken  *big.Int
	PositionSizeUSDC *big.Int
	OpenPrice        *big.Int
	Buy              bool
	Leverage         *big.Int
	TakeProfit       *big.Int
	StopLoss         *big.Int
	OpenedAt         time.Time
}

// Reader is the set of contract reads the aggregation layer depends on.
// Every method is a remote call and honours ctx cancellation.
type Reader interface {
	PairsCount(ctx context.Context) (int, error)
	Pair(ctx context.Context, index int) (PairRecord, error)
	GroupOI(ctx context.Context, group int) (OIRecord, error)
	PairOI(ctx context.Context, pair int) (OIRecord, error)
	PairDepth(ctx context.Context, pair int) (DepthRecord, error)
	PairMarginFee(ctx context.Context, pair int) (*big.Int, error)
	PairOpeningFee(ctx context.Context, pair int) (*big.Int, error)
	ReferralDiscount(ctx context.Context, trader common.Address) (*big.Int, error)
	OpenTrades(ctx context.Context, trader common.Address, pair int) ([]TradeRecord, error)
}
