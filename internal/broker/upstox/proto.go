package upstox

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/marketcalls/openalgo-sub010/internal/broker"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// Field numbers of MarketDataFeedV3.proto.
const (
	// FeedResponse
	responseFeeds protowire.Number = 2

	// map<string, Feed> entry
	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	// Feed
	feedLTPC      protowire.Number = 1
	feedFull      protowire.Number = 2
	feedFirstLvl  protowire.Number = 3
	fullMarketFF  protowire.Number = 1
	fullIndexFF   protowire.Number = 2
	firstLvlLTPC  protowire.Number = 1
	firstLvlDepth protowire.Number = 2
	firstLvlVTT   protowire.Number = 4
	firstLvlOI    protowire.Number = 5

	// LTPC
	ltpcLTP protowire.Number = 1
	ltpcLTT protowire.Number = 2
	ltpcLTQ protowire.Number = 3
	ltpcCP  protowire.Number = 4

	// MarketFullFeed
	marketLTPC  protowire.Number = 1
	marketLevel protowire.Number = 2
	marketOHLC  protowire.Number = 4
	marketATP   protowire.Number = 5
	marketVTT   protowire.Number = 6
	marketOI    protowire.Number = 7
	marketTBQ   protowire.Number = 9
	marketTSQ   protowire.Number = 10

	// IndexFullFeed
	indexLTPC protowire.Number = 1
	indexOHLC protowire.Number = 2

	// MarketLevel and Quote
	levelQuote protowire.Number = 1
	quoteBidQ  protowire.Number = 1
	quoteBidP  protowire.Number = 2
	quoteAskQ  protowire.Number = 3
	quoteAskP  protowire.Number = 4

	// MarketOHLC and OHLC
	ohlcEntry    protowire.Number = 1
	ohlcInterval protowire.Number = 1
	ohlcOpen     protowire.Number = 2
	ohlcHigh     protowire.Number = 3
	ohlcLow      protowire.Number = 4
)

// field is one decoded wire field. Varint and fixed64 values share u.
type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	b   []byte
}

func (f field) double() float64 { return math.Float64frombits(f.u) }
func (f field) i64() int64       { return int64(f.u) }
func (f field) price() decimal.Decimal {
	return decimal.NewFromFloat(f.double())
}

// each calls fn for every field of message b. Fixed32 and group fields are
// skipped.
func each(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func decodeFeedResponse(b []byte) ([]broker.Packet, error) {
	var packets []broker.Packet
	err := each(b, func(f field) error {
		if f.num != responseFeeds || f.typ != protowire.BytesType {
			return nil
		}
		var (
			key  string
			feed []byte
		)
		if err := each(f.b, func(e field) error {
			switch e.num {
			case entryKey:
				key = string(e.b)
			case entryValue:
				feed = e.b
			}
			return nil
		}); err != nil {
			return err
		}
		if key == "" || feed == nil {
			return nil
		}
		t, ok, err := decodeFeed(feed)
		if err != nil {
			return fmt.Errorf("feed %s: %w", key, err)
		}
		if ok {
			packets = append(packets, broker.Packet{Key: key, Tick: t})
		}
		return nil
	})
	if err != nil {
		return packets, fmt.Errorf("upstox: %w", err)
	}
	return packets, nil
}

func decodeFeed(b []byte) (model.Tick, bool, error) {
	var (
		t  model.Tick
		ok bool
	)
	err := each(b, func(f field) error {
		switch f.num {
		case feedLTPC:
			t.Mode = model.ModeLTP
			ok = true
			return applyLTPC(&t, f.b)
		case feedFull:
			ok = true
			return each(f.b, func(ff field) error {
				switch ff.num {
				case fullMarketFF:
					t.Mode = model.ModeDepth
					return applyMarketFull(&t, ff.b)
				case fullIndexFF:
					t.Mode = model.ModeQuote
					return applyIndexFull(&t, ff.b)
				}
				return nil
			})
		case feedFirstLvl:
			t.Mode = model.ModeQuote
			ok = true
			return applyFirstLevel(&t, f.b)
		}
		return nil
	})
	return t, ok, err
}

func applyLTPC(t *model.Tick, b []byte) error {
	return each(b, func(f field) error {
		switch f.num {
		case ltpcLTP:
			t.LTP = f.price()
		case ltpcLTT:
			t.UpstreamTime = time.UnixMilli(f.i64()).UTC()
		case ltpcLTQ:
			t.LastQuantity = f.i64()
		case ltpcCP:
			t.Close = f.price()
		}
		return nil
	})
}

func applyMarketFull(t *model.Tick, b []byte) error {
	return each(b, func(f field) error {
		switch f.num {
		case marketLTPC:
			return applyLTPC(t, f.b)
		case marketLevel:
			return applyLevels(t, f.b)
		case marketOHLC:
			return applyOHLC(t, f.b)
		case marketATP:
			t.AveragePrice = f.price()
		case marketVTT:
			t.Volume = f.i64()
		case marketOI:
			t.OpenInterest = int64(f.double())
		case marketTBQ:
			t.TotalBuyQuantity = int64(f.double())
		case marketTSQ:
			t.TotalSellQuantity = int64(f.double())
		}
		return nil
	})
}

func applyIndexFull(t *model.Tick, b []byte) error {
	return each(b, func(f field) error {
		switch f.num {
		case indexLTPC:
			return applyLTPC(t, f.b)
		case indexOHLC:
			return applyOHLC(t, f.b)
		}
		return nil
	})
}

func applyFirstLevel(t *model.Tick, b []byte) error {
	return each(b, func(f field) error {
		switch f.num {
		case firstLvlLTPC:
			return applyLTPC(t, f.b)
		case firstLvlDepth:
			bid, ask, err := quote(f.b)
			if err != nil {
				return err
			}
			t.Bids = model.ClampLevels([]model.PriceLevel{bid})
			t.Asks = model.ClampLevels([]model.PriceLevel{ask})
		case firstLvlVTT:
			t.Volume = f.i64()
		case firstLvlOI:
			t.OpenInterest = int64(f.double())
		}
		return nil
	})
}

func applyLevels(t *model.Tick, b []byte) error {
	var bids, asks []model.PriceLevel
	err := each(b, func(f field) error {
		if f.num != levelQuote {
			return nil
		}
		bid, ask, err := quote(f.b)
		if err != nil {
			return err
		}
		bids = append(bids, bid)
		asks = append(asks, ask)
		return nil
	})
	t.Bids = model.ClampLevels(bids)
	t.Asks = model.ClampLevels(asks)
	return err
}

func quote(b []byte) (bid, ask model.PriceLevel, err error) {
	err = each(b, func(f field) error {
		switch f.num {
		case quoteBidQ:
			bid.Quantity = f.i64()
		case quoteBidP:
			bid.Price = f.price()
		case quoteAskQ:
			ask.Quantity = f.i64()
		case quoteAskP:
			ask.Price = f.price()
		}
		return nil
	})
	return bid, ask, err
}

// applyOHLC takes the daily candle; intraday intervals are ignored.
func applyOHLC(t *model.Tick, b []byte) error {
	return each(b, func(f field) error {
		if f.num != ohlcEntry {
			return nil
		}
		var (
			interval        string
			open, high, low decimal.Decimal
		)
		if err := each(f.b, func(c field) error {
			switch c.num {
			case ohlcInterval:
				interval = string(c.b)
			case ohlcOpen:
				open = c.price()
			case ohlcHigh:
				high = c.price()
			case ohlcLow:
				low = c.price()
			}
			return nil
		}); err != nil {
			return err
		}
		if interval == "1d" {
			t.Open, t.High, t.Low = open, high, low
		}
		return nil
	})
}
