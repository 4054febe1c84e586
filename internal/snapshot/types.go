package snapshot

import (
	"fmt"
	"time"

	"github.com/moznion/go-optional"

	"perp-market-sdk/internal/aggregate"
	"perp-market-sdk/internal/registry"
)

// PairData is a pair's metadata plus every per-pair metric. A metric whose
// read failed is None.
type PairData struct {
	registry.Pair
	Name string `json:"name" msgpack:"name"`

	OpenInterest       optional.Option[aggregate.OpenInterest] `json:"openInterest,omitempty" msgpack:"openInterest,omitempty"`
	Utilization        optional.Option[aggregate.Utilization]  `json:"utilization,omitempty" msgpack:"utilization,omitempty"`
	Skew               optional.Option[aggregate.Skew]         `json:"skew,omitempty" msgpack:"skew,omitempty"`
	BlendedUtilization optional.Option[aggregate.Utilization]  `json:"blendedUtilization,omitempty" msgpack:"blendedUtilization,omitempty"`
	BlendedSkew        optional.Option[aggregate.Skew]         `json:"blendedSkew,omitempty" msgpack:"blendedSkew,omitempty"`
	MarginFee          optional.Option[float64]                `json:"marginFee,omitempty" msgpack:"marginFee,omitempty"`
	OpeningFee         optional.Option[float64]                `json:"openingFee,omitempty" msgpack:"openingFee,omitempty"`
	Depth              optional.Option[aggregate.Depth]        `json:"onePercentDepth,omitempty" msgpack:"onePercentDepth,omitempty"`
}

type Group struct {
	Index        int                                     `json:"groupIndex" msgpack:"groupIndex"`
	OpenInterest optional.Option[aggregate.OpenInterest] `json:"openInterest,omitempty" msgpack:"openInterest,omitempty"`
	Utilization  optional.Option[aggregate.Utilization]  `json:"utilization,omitempty" msgpack:"utilization,omitempty"`
	Skew         optional.Option[aggregate.Skew]         `json:"skew,omitempty" msgpack:"skew,omitempty"`
	Pairs        map[string]PairData                     `json:"pairs" msgpack:"pairs"`
}

// Snapshot is built fresh on every call and not modified afterwards.
type Snapshot struct {
	BuiltAt time.Time        `json:"builtAt" msgpack:"builtAt"`
	Groups  map[string]Group `json:"groups" msgpack:"groups"`
}

func GroupKey(index int) string {
	return fmt.Sprintf("group_%d", index)
}

func (s Snapshot) Group(index int) (Group, bool) {
	g, ok := s.Groups[GroupKey(index)]
	return g, ok
}

func (s Snapshot) Pair(name string) (PairData, bool) {
	for _, g := range s.Groups {
		if p, ok := g.Pairs[name]; ok {
			return p, true
		}
	}
	return PairData{}, false
}

func (s Snapshot) PairCount() int {
	n := 0
	for _, g := range s.Groups {
		n += len(g.Pairs)
	}
	return n
}
