package registry

import (
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrDuplicatePair = errors.New("duplicate pair name")
	ErrEmptyCatalog  = errors.New("pair catalog is empty")
)

type Spread struct {
	Min float64 `json:"min" msgpack:"min"`
	Max float64 `json:"max" msgpack:"max"`
}

// Pair is the immutable metadata of one instrument within a cache epoch.
type Pair struct {
	Index           int     `json:"pairIndex" msgpack:"pairIndex"`
	From            string  `json:"from" msgpack:"from"`
	To              string  `json:"to" msgpack:"to"`
	GroupIndex      int     `json:"groupIndex" msgpack:"groupIndex"`
	FeeIndex        int     `json:"feeIndex" msgpack:"feeIndex"`
	FeedID          string  `json:"feedId,omitempty" msgpack:"feedId,omitempty"`
	Spread          Spread  `json:"spread" msgpack:"spread"`
	MaxLeverage     float64 `json:"maxLeverage" msgpack:"maxLeverage"`
	MaxOpenInterest float64 `json:"maxOpenInterest" msgpack:"maxOpenInterest"`
}

func (p Pair) Name() string {
	return PairName(p.From, p.To)
}

func PairName(from, to string) string {
	return from + "/" + to
}

// NormalizeFeedID lowercases a feed id and strips any 0x prefix.
func NormalizeFeedID(id string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "0x")
}

func feedIDFromBytes(b [32]byte) string {
	if b == ([32]byte{}) {
		return ""
	}
	return hex.EncodeToString(b[:])
}
