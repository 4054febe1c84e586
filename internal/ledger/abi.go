package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Only the view functions the SDK reads are declared.

const pairStorageABI = `[
	{"type":"function","name":"pairsCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"pairs","stateMutability":"view","inputs":[{"name":"index","type":"uint256"}],"outputs":[
		{"name":"from","type":"string"},
		{"name":"to","type":"string"},
		{"name":"feedId","type":"bytes32"},
		{"name":"spreadMinP","type":"uint256"},
		{"name":"spreadMaxP","type":"uint256"},
		{"name":"groupIndex","type":"uint256"},
		{"name":"feeIndex","type":"uint256"}
	]},
	{"type":"function","name":"pairMaxLeverage","stateMutability":"view","inputs":[{"name":"pairIndex","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"pairMaxOI","stateMutability":"view","inputs":[{"name":"pairIndex","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"pairOpenFeeP","stateMutability":"view","inputs":[{"name":"pairIndex","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"groupOIs","stateMutability":"view","inputs":[{"name":"groupIndex","type":"uint256"},{"name":"side","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"groupMaxOI","stateMutability":"view","inputs":[{"name":"groupIndex","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const tradingStorageABI = `[
	{"type":"function","name":"openInterestUsdc","stateMutability":"view","inputs":[{"name":"pairIndex","type":"uint256"},{"name":"side","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"openTradesCount","stateMutability":"view","inputs":[{"name":"trader","type":"address"},{"name":"pairIndex","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"openTrades","stateMutability":"view","inputs":[{"name":"trader","type":"address"},{"name":"pairIndex","type":"uint256"},{"name":"index","type":"uint256"}],"outputs":[
		{"name":"trader","type":"address"},
		{"name":"pairIndex","type":"uint256"},
		{"name":"index","type":"uint256"},
		{"name":"initialPosToken","type":"uint256"},
		{"name":"positionSizeUSDC","type":"uint256"},
		{"name":"openPrice","type":"uint256"},
		{"name":"buy","type":"bool"},
		{"name":"leverage","type":"uint256"},
		{"name":"tp","type":"uint256"},
		{"name":"sl","type":"uint256"},
		{"name":"timestamp","type":"uint256"}
	]}
]`

const pairInfosABI = `[
	{"type":"function","name":"onePercentDepthAboveUsdc","stateMutability":"view","inputs":[{"name":"pairIndex","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"onePercentDepthBelowUsdc","stateMutability":"view","inputs":[{"name":"pairIndex","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"pairMarginFeeP","stateMutability":"view","inputs":[{"name":"pairIndex","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const referralABI = `[
	{"type":"function","name":"getTraderReferralInfo","stateMutability":"view","inputs":[{"name":"trader","type":"address"}],"outputs":[{"name":"code","type":"bytes32"},{"name":"referrer","type":"address"}]},
	{"type":"function","name":"referrerTiers","stateMutability":"view","inputs":[{"name":"referrer","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"tiers","stateMutability":"view","inputs":[{"name":"tier","type":"uint256"}],"outputs":[{"name":"feeDiscountPct","type":"uint256"},{"name":"refRebatePct","type":"uint256"}]}
]`

var (
	PairStorageABI    = mustParseABI(pairStorageABI)
	TradingStorageABI = mustParseABI(tradingStorageABI)
	PairInfosABI      = mustParseABI(pairInfosABI)
	ReferralABI       = mustParseABI(referralABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
