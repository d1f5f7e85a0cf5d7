package storage

import (
	"time"
)

// PriceRecord represents final form of a broker price tick, enriched with
// the derived movement direction, ready to store.
type PriceRecord struct {
	Instrument string
	Price      float64
	Bid        float64
	Ask        float64
	SpreadPips float64
	Movement   string
	Tradeable  bool
	Timestamp  time.Time
}

// priceRow is the JSON payload stored for a price record.
type priceRow struct {
	Timestamp  string  `json:"timestamp"`
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	SpreadPips float64 `json:"spread_pips"`
	Movement   string  `json:"movement"`
	Tradeable  bool    `json:"tradeable"`
}
