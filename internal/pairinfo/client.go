package pairinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrMalformedDocument = errors.New("malformed pair info document")

// Entry is one pair as published by the REST source. Values are already in
// human units.
type Entry struct {
	Index           int
	From            string
	To              string
	GroupIndex      int
	FeeIndex        int
	FeedID          string
	SpreadMin       float64
	SpreadMax       float64
	MaxLeverage     float64
	MaxOpenInterest float64
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (c *Client) Pairs(ctx context.Context) ([]Entry, error) {
	payload, err := c.get(ctx, "/v1/pairs")
	if err != nil {
		return nil, err
	}
	return ParsePairs(payload)
}

func (c *Client) get(ctx context.Context, path string) (any, error) {
	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return data, nil
}
