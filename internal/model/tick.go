package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is one rung of the order book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int32           `json:"orders"`
}

// Tick is one normalized market event. It is a value type; once published
// neither the tick nor its level slices are mutated.
type Tick struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Mode     Mode   `json:"mode"`

	LTP decimal.Decimal `json:"ltp"`

	// Quote and Depth
	LastQuantity      int64           `json:"last_quantity,omitempty"`
	AveragePrice      decimal.Decimal `json:"average_price,omitzero"`
	Volume            int64           `json:"volume,omitempty"`
	OpenInterest      int64           `json:"open_interest,omitempty"`
	Open              decimal.Decimal `json:"open,omitzero"`
	High              decimal.Decimal `json:"high,omitzero"`
	Low               decimal.Decimal `json:"low,omitzero"`
	Close             decimal.Decimal `json:"close,omitzero"`
	TotalBuyQuantity  int64           `json:"total_buy_quantity,omitempty"`
	TotalSellQuantity int64           `json:"total_sell_quantity,omitempty"`

	// Depth only, at most MaxDepthLevels per side, best first
	Bids []PriceLevel `json:"bids,omitempty"`
	Asks []PriceLevel `json:"asks,omitempty"`

	Broker       string    `json:"broker"`
	Account      string    `json:"account,omitempty"` // Broker account whose feed produced the tick
	UpstreamTime time.Time `json:"upstream_time,omitzero"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Key returns the stream this tick belongs to.
func (t Tick) Key() StreamKey {
	return StreamKey{Exchange: t.Exchange, Symbol: t.Symbol, Mode: t.Mode}
}

// Trim returns the view of t for a poorer or equal mode. LTP keeps only
// the last traded price and Quote drops the book, even when the feed put
// extra fields on a packet of that mode. Trimming to a richer mode than t
// carries returns t unchanged.
func (t Tick) Trim(mode Mode) Tick {
	if mode > t.Mode || mode == ModeDepth {
		return t
	}
	out := t
	out.Mode = mode
	out.Bids = nil
	out.Asks = nil
	if mode == ModeLTP {
		out.LastQuantity = 0
		out.AveragePrice = decimal.Decimal{}
		out.Volume = 0
		out.OpenInterest = 0
		out.Open = decimal.Decimal{}
		out.High = decimal.Decimal{}
		out.Low = decimal.Decimal{}
		out.Close = decimal.Decimal{}
		out.TotalBuyQuantity = 0
		out.TotalSellQuantity = 0
	}
	return out
}

// ClampLevels truncates a level slice to MaxDepthLevels and drops empty
// rungs (zero price and zero quantity) that some feeds pad with.
func ClampLevels(levels []PriceLevel) []PriceLevel {
	out := make([]PriceLevel, 0, min(len(levels), MaxDepthLevels))
	for _, l := range levels {
		if len(out) == MaxDepthLevels {
			break
		}
		if l.Price.IsZero() && l.Quantity == 0 {
			continue
		}
		out = append(out, l)
	}
	return out
}
