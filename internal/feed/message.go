package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	ErrNotConnected       = errors.New("price feed not connected")
	ErrReconnectExhausted = errors.New("price feed reconnect attempts exhausted")
	ErrMalformedMessage   = errors.New("malformed price message")
	ErrIgnoredMessage     = errors.New("not a price update")
	ErrUnknownPair        = errors.New("no feed id for pair")
	ErrClosed             = errors.New("price feed closed")
)

const typePriceUpdate = "price_update"

// Price is a fixed-point quote: the human value is Price * 10^Expo.
type Price struct {
	Price       int64     `json:"price"`
	Conf        uint64    `json:"conf"`
	Expo        int32     `json:"expo"`
	PublishTime time.Time `json:"publishTime"`
}

func (p Price) Decimal() decimal.Decimal {
	return decimal.New(p.Price, p.Expo)
}

func (p Price) Float() float64 {
	return p.Decimal().InexactFloat64()
}

func (p Price) ConfFloat() float64 {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(p.Conf), p.Expo).InexactFloat64()
}

type PriceUpdate struct {
	FeedID   string `json:"id"`
	Price    Price  `json:"price"`
	EMAPrice Price  `json:"emaPrice"`
}

// flexNumber accepts integers encoded either as JSON numbers or strings.
type flexNumber string

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" {
		return errors.New("empty number")
	}
	*n = flexNumber(s)
	return nil
}

type wirePrice struct {
	Price       *flexNumber `json:"price" validate:"required"`
	Conf        *flexNumber `json:"conf" validate:"required"`
	Expo        *int32      `json:"expo" validate:"required"`
	PublishTime *int64      `json:"publishTime" validate:"required"`

	PublishTimeAlt *int64 `json:"publish_time" validate:"-"`
}

type wireFeed struct {
	ID       string     `json:"id" validate:"required,hexadecimal"`
	Price    *wirePrice `json:"price" validate:"required"`
	EMAPrice *wirePrice `json:"emaPrice" validate:"required"`

	EMAPriceAlt *wirePrice `json:"ema_price" validate:"-"`
}

type wireMessage struct {
	Type      string    `json:"type"`
	PriceFeed *wireFeed `json:"price_feed"`
	wireFeed
}

var validate = validator.New()

// ParseMessage turns one stream frame into a price update. Frames of other
// types return ErrIgnoredMessage; price updates failing the schema return
// ErrMalformedMessage.
func ParseMessage(data []byte) (PriceUpdate, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type != typePriceUpdate {
		return PriceUpdate{}, fmt.Errorf("%w: type %q", ErrIgnoredMessage, msg.Type)
	}
	feed := &msg.wireFeed
	if msg.PriceFeed != nil {
		feed = msg.PriceFeed
	}
	return parseFeed(feed)
}

func parseFeed(feed *wireFeed) (PriceUpdate, error) {
	feed.normalize()
	if err := validate.Struct(feed); err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	price, err := feed.Price.convert()
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: price: %v", ErrMalformedMessage, err)
	}
	ema, err := feed.EMAPrice.convert()
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: emaPrice: %v", ErrMalformedMessage, err)
	}
	return PriceUpdate{
		FeedID:   NormalizeID(feed.ID),
		Price:    price,
		EMAPrice: ema,
	}, nil
}

func (f *wireFeed) normalize() {
	if f.EMAPrice == nil {
		f.EMAPrice = f.EMAPriceAlt
	}
	for _, p := range []*wirePrice{f.Price, f.EMAPrice} {
		if p != nil && p.PublishTime == nil {
			p.PublishTime = p.PublishTimeAlt
		}
	}
}

func (p *wirePrice) convert() (Price, error) {
	price, err := strconv.ParseInt(string(*p.Price), 10, 64)
	if err != nil {
		return Price{}, err
	}
	conf, err := strconv.ParseUint(string(*p.Conf), 10, 64)
	if err != nil {
		return Price{}, err
	}
	return Price{
		Price:       price,
		Conf:        conf,
		Expo:        *p.Expo,
		PublishTime: time.Unix(*p.PublishTime, 0).UTC(),
	}, nil
}

// NormalizeID lowercases a feed id and strips any 0x prefix.
func NormalizeID(id string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "0x")
}
