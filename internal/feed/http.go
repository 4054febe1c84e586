package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// LatestPriceUpdates polls the REST endpoint once. Any malformed entry fails
// the whole call.
func (c *Client) LatestPriceUpdates(ctx context.Context, feedIDs []string) ([]PriceUpdate, error) {
	if len(feedIDs) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, id := range feedIDs {
		q.Add("ids[]", NormalizeID(id))
	}
	endpoint := strings.TrimRight(c.opts.HTTPURL, "/") + "/v2/updates/price/latest?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return parseLatest(body)
}

// LatestPairPrices resolves pair names through the pair feed table and polls
// their latest prices. The result is keyed by pair name.
func (c *Client) LatestPairPrices(ctx context.Context, names []string) (map[string]PriceUpdate, error) {
	byFeed := make(map[string]string, len(names))
	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, ok := c.FeedIDForPair(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPair, name)
		}
		byFeed[id] = name
		ids = append(ids, id)
	}
	updates, err := c.LatestPriceUpdates(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]PriceUpdate, len(updates))
	for _, u := range updates {
		if name, ok := byFeed[u.FeedID]; ok {
			out[name] = u
		}
	}
	return out, nil
}

func parseLatest(body []byte) ([]PriceUpdate, error) {
	var feeds []*wireFeed
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &feeds); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	} else {
		var doc struct {
			Parsed []*wireFeed `json:"parsed"`
		}
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		feeds = doc.Parsed
	}
	out := make([]PriceUpdate, 0, len(feeds))
	for i, f := range feeds {
		if f == nil {
			return nil, fmt.Errorf("%w: entry %d is null", ErrMalformedMessage, i)
		}
		u, err := parseFeed(f)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, u)
	}
	return out, nil
}
