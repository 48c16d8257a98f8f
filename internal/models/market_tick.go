package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FrameType identifies the upstream wire frame a tick was decoded from.
type FrameType string

const (
	FrameTicker FrameType = "ticker"
	FrameDepth  FrameType = "depth"
	FrameKline  FrameType = "kline"
	FrameTrade  FrameType = "trade"
)

// MarketTick is the canonical, immutable tick record produced by the
// normalizer. All downstream stages consume this shape regardless of the
// exchange the frame came from.
type MarketTick struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Volume       decimal.Decimal `json:"volume"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Frame        FrameType       `json:"frame"`
	Sequence     int64           `json:"sequence"`
	ExchangeTime time.Time       `json:"exchange_time"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// Spread returns the bid/ask spread, or zero when depth is absent.
func (t *MarketTick) Spread() decimal.Decimal {
	if t.Bid.IsZero() || t.Ask.IsZero() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid)
}

// Age reports how stale the tick is relative to local receipt.
func (t *MarketTick) Age(now time.Time) time.Duration {
	return now.Sub(t.ReceivedAt)
}
