package feed

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

func priceMsg(id string) []byte {
	return []byte(fmt.Sprintf(`{"type":"price_update","id":%q,
		"price":{"price":"6500012345","conf":"1200","expo":-8,"publishTime":1700000000},
		"emaPrice":{"price":6490000000,"conf":1100,"expo":-8,"publishTime":1700000001}}`, id))
}

func TestParseMessage(t *testing.T) {
	u, err := ParseMessage(priceMsg("0xABcd"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.FeedID != "abcd" {
		t.Fatalf("expected normalized feed id, got %q", u.FeedID)
	}
	if u.Price.Price != 6500012345 || u.Price.Conf != 1200 || u.Price.Expo != -8 {
		t.Fatalf("unexpected price: %+v", u.Price)
	}
	if math.Abs(u.Price.Float()-65.00012345) > 1e-12 {
		t.Fatalf("unexpected human price %v", u.Price.Float())
	}
	if math.Abs(u.Price.ConfFloat()-0.000012) > 1e-15 {
		t.Fatalf("unexpected conf %v", u.Price.ConfFloat())
	}
	if !u.EMAPrice.PublishTime.Equal(time.Unix(1700000001, 0)) {
		t.Fatalf("unexpected ema publish time %s", u.EMAPrice.PublishTime)
	}
}

func TestParseMessageAcceptsWrappedSnakeCase(t *testing.T) {
	data := []byte(`{"type":"price_update","price_feed":{"id":"ff01",
		"price":{"price":"100","conf":"1","expo":0,"publish_time":5},
		"ema_price":{"price":"99","conf":"1","expo":0,"publish_time":5}}}`)
	u, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.FeedID != "ff01" || u.EMAPrice.Price != 99 || u.Price.PublishTime.Unix() != 5 {
		t.Fatalf("unexpected update: %+v", u)
	}
}

func TestParseMessageRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"missing ema":      `{"type":"price_update","id":"aa","price":{"price":"1","conf":"1","expo":0,"publishTime":1}}`,
		"missing expo":     `{"type":"price_update","id":"aa","price":{"price":"1","conf":"1","publishTime":1},"emaPrice":{"price":"1","conf":"1","expo":0,"publishTime":1}}`,
		"missing conf":     `{"type":"price_update","id":"aa","price":{"price":"1","expo":0,"publishTime":1},"emaPrice":{"price":"1","conf":"1","expo":0,"publishTime":1}}`,
		"non-hex id":       `{"type":"price_update","id":"zz","price":{"price":"1","conf":"1","expo":0,"publishTime":1},"emaPrice":{"price":"1","conf":"1","expo":0,"publishTime":1}}`,
		"missing id":       `{"type":"price_update","price":{"price":"1","conf":"1","expo":0,"publishTime":1},"emaPrice":{"price":"1","conf":"1","expo":0,"publishTime":1}}`,
		"non-numeric":      `{"type":"price_update","id":"aa","price":{"price":"abc","conf":"1","expo":0,"publishTime":1},"emaPrice":{"price":"1","conf":"1","expo":0,"publishTime":1}}`,
		"not json":         `{"type":`,
		"negative conf":    `{"type":"price_update","id":"aa","price":{"price":"1","conf":"-1","expo":0,"publishTime":1},"emaPrice":{"price":"1","conf":"1","expo":0,"publishTime":1}}`,
		"null price block": `{"type":"price_update","id":"aa","price":null,"emaPrice":{"price":"1","conf":"1","expo":0,"publishTime":1}}`,
	}
	for name, raw := range cases {
		if _, err := ParseMessage([]byte(raw)); !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("%s: expected malformed message, got %v", name, err)
		}
	}
}

func TestParseMessageIgnoresOtherTypes(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":"response","status":"success"}`))
	if !errors.Is(err, ErrIgnoredMessage) {
		t.Fatalf("expected ignored message, got %v", err)
	}
}

func TestBackoffDoubles(t *testing.T) {
	base := 250 * time.Millisecond
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second}
	for i, w := range want {
		if got := Backoff(base, i+1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}
