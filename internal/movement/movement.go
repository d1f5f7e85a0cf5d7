// Package movement classifies directional price movement per instrument
// from a bounded history of recent prices.
package movement

import (
	"math"
	"sort"
)

// Direction classifies recent price change for an instrument.
type Direction int

// Direction values.
const (
	Unknown Direction = iota
	Up
	Down
	Flat
)

// String returns the lowercase name of the direction.
func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	case Flat:
		return "flat"
	default:
		return "unknown"
	}
}

// Compare rules for picking the reference sample of a direction calculation.
const (
	ComparePrevious = "previous"
	CompareOldest   = "oldest"
)

// Tracker keeps a bounded ordered history of recent prices per instrument
// and computes the direction of each new price against a reference sample
// from that history. The oldest price is evicted once the history is full.
// Tracker is not safe for concurrent use: it is owned by the goroutine
// driving the price stream.
type Tracker struct {
	rows    int
	compare string
	hist    map[string]*history
}

type history struct {
	prices []float64
	dir    Direction
}

// NewTracker creates a Tracker with the given history capacity per
// instrument and compare rule.
func NewTracker(rows int, compare string) *Tracker {
	if rows < 1 {
		rows = 5000
	}
	if compare != CompareOldest {
		compare = ComparePrevious
	}
	return &Tracker{
		rows:    rows,
		compare: compare,
		hist:    make(map[string]*history),
	}
}

// Update appends price to the instrument history and returns the direction
// of the price against the reference sample. Unknown is returned until the
// history holds at least two samples. A non finite price does not mutate
// the history and returns the last computed direction.
func (t *Tracker) Update(instrument string, price float64) Direction {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return t.Direction(instrument)
	}
	h := t.hist[instrument]
	if h == nil {
		h = &history{prices: make([]float64, 0, t.rows)}
		t.hist[instrument] = h
	}

	if len(h.prices) == t.rows {
		copy(h.prices, h.prices[1:])
		h.prices = h.prices[:t.rows-1]
	}
	h.prices = append(h.prices, price)

	if len(h.prices) < 2 {
		h.dir = Unknown
		return h.dir
	}

	var ref float64
	if t.compare == CompareOldest {
		ref = h.prices[0]
	} else {
		ref = h.prices[len(h.prices)-2]
	}
	switch {
	case price > ref:
		h.dir = Up
	case price < ref:
		h.dir = Down
	default:
		h.dir = Flat
	}
	return h.dir
}

// Direction returns the last computed direction for the instrument.
func (t *Tracker) Direction(instrument string) Direction {
	if h := t.hist[instrument]; h != nil {
		return h.dir
	}
	return Unknown
}

// History returns a copy of the retained prices for the instrument, oldest
// first.
func (t *Tracker) History(instrument string) []float64 {
	h := t.hist[instrument]
	if h == nil {
		return nil
	}
	out := make([]float64, len(h.prices))
	copy(out, h.prices)
	return out
}

// Instruments returns the sorted instruments with retained history.
func (t *Tracker) Instruments() []string {
	out := make([]string, 0, len(t.hist))
	for instrument := range t.hist {
		out = append(out, instrument)
	}
	sort.Strings(out)
	return out
}

// Drop removes the retained history for the instrument.
func (t *Tracker) Drop(instrument string) {
	delete(t.hist, instrument)
}
