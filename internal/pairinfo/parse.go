package pairinfo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParsePairs accepts a bare array of pair objects or an object wrapping one
// under "pairs" or "data". Numeric fields may be JSON numbers or strings.
func ParsePairs(payload any) ([]Entry, error) {
	items, ok := extractPairs(payload)
	if !ok {
		return nil, fmt.Errorf("%w: no pair list", ErrMalformedDocument)
	}
	entries := make([]Entry, 0, len(items))
	for i, item := range items {
		m, ok := toMap(item)
		if !ok {
			return nil, fmt.Errorf("%w: entry %d is not an object", ErrMalformedDocument, i)
		}
		from := stringFromMap(m, "from", "base", "baseAsset")
		to := stringFromMap(m, "to", "quote", "quoteAsset")
		if from == "" || to == "" {
			if name := stringFromMap(m, "name", "pair", "symbol"); name != "" {
				from, to = splitName(name)
			}
		}
		if from == "" || to == "" {
			return nil, fmt.Errorf("%w: entry %d missing from/to", ErrMalformedDocument, i)
		}
		entries = append(entries, Entry{
			Index:           intFromAny(firstOf(m, "pairIndex", "index", "id"), i),
			From:            from,
			To:              to,
			GroupIndex:      intFromAny(firstOf(m, "groupIndex", "group", "categoryIndex"), 0),
			FeeIndex:        intFromAny(firstOf(m, "feeIndex", "fee"), 0),
			FeedID:          normalizeFeedID(stringFromMap(m, "feedId", "feed_id", "priceFeedId")),
			SpreadMin:       floatFromMap(m, "spreadMin", "spreadMinP", "minSpread"),
			SpreadMax:       floatFromMap(m, "spreadMax", "spreadMaxP", "maxSpread"),
			MaxLeverage:     floatFromMap(m, "maxLeverage", "leverage"),
			MaxOpenInterest: floatFromMap(m, "maxOpenInterest", "maxOI", "maxOi"),
		})
	}
	return entries, nil
}

func extractPairs(payload any) ([]any, bool) {
	if arr, ok := toSlice(payload); ok {
		return arr, true
	}
	m, ok := toMap(payload)
	if !ok {
		return nil, false
	}
	for _, key := range []string{"pairs", "data"} {
		switch v := m[key].(type) {
		case []any:
			return v, true
		case map[string]any:
			if arr, ok := toSlice(v["pairs"]); ok {
				return arr, true
			}
		}
	}
	return nil, false
}

func splitName(name string) (string, string) {
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(name, sep, 2); len(parts) == 2 {
			return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		}
	}
	return "", ""
}

func normalizeFeedID(id string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "0x")
}

func firstOf(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := stringFromAny(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func floatFromMap(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := floatFromAny(v); ok {
				return f
			}
		}
	}
	return 0
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func intFromAny(v any, fallback int) int {
	if f, ok := floatFromAny(v); ok {
		return int(f)
	}
	return fallback
}
