package pairinfo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPairsDecodesWrappedDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/pairs" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"pairs":[
			{"pairIndex":0,"from":"BTC","to":"USD","groupIndex":0,"feedId":"0xABCD","maxOpenInterest":"1000000","maxLeverage":100},
			{"index":"1","name":"EUR/USD","group":"1","spreadMinP":0.01,"maxOI":500000}
		]}`))
	}))
	defer srv.Close()

	client := New(srv.URL+"/", time.Second, nil)
	entries, err := client.Pairs(context.Background())
	if err != nil {
		t.Fatalf("pairs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	btc := entries[0]
	if btc.From != "BTC" || btc.To != "USD" || btc.FeedID != "abcd" || btc.MaxOpenInterest != 1_000_000 || btc.MaxLeverage != 100 {
		t.Fatalf("unexpected btc entry: %+v", btc)
	}
	eur := entries[1]
	if eur.Index != 1 || eur.From != "EUR" || eur.To != "USD" || eur.GroupIndex != 1 || eur.SpreadMin != 0.01 {
		t.Fatalf("unexpected eur entry: %+v", eur)
	}
}

func TestParsePairsAcceptsBareArray(t *testing.T) {
	payload := []any{
		map[string]any{"from": "ETH", "to": "USD", "groupIndex": float64(0)},
	}
	entries, err := ParsePairs(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 1 || entries[0].Index != 0 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestParsePairsRejectsMissingNames(t *testing.T) {
	payload := map[string]any{"data": []any{map[string]any{"groupIndex": float64(0)}}}
	if _, err := ParsePairs(payload); !errors.Is(err, ErrMalformedDocument) {
		t.Fatalf("expected malformed document, got %v", err)
	}
}

func TestPairsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second, nil).Pairs(context.Background())
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected http 503 error, got %v", err)
	}
}
