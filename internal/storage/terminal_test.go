package storage

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestTerminalCommitPrices(t *testing.T) {
	var buf bytes.Buffer
	ter := &Terminal{out: &buf}
	if got := ter.Name(); got != "terminal" {
		t.Fatalf("name: got %v, want terminal", got)
	}

	data := []PriceRecord{
		{
			Instrument: "EUR_USD",
			Price:      1.10001,
			Bid:        1.10000,
			Ask:        1.10002,
			SpreadPips: 0.2,
			Movement:   "up",
			Tradeable:  true,
			Timestamp:  time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC),
		},
		{
			Instrument: "USD_JPY",
			Price:      151.325,
			Bid:        151.321,
			Ask:        151.329,
			SpreadPips: 74.0,
			Movement:   "down",
			Tradeable:  true,
			Timestamp:  time.Date(2024, 3, 15, 10, 30, 1, 0, time.UTC),
		},
	}
	if err := ter.CommitPrices(context.Background(), data); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{"Price", "EUR_USD", "1.10000", "1.10002", "1.10001", "0.2", "up", "USD_JPY", "151.32500", "down"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
	if got := strings.Count(out, "Price"); got != 2 {
		t.Fatalf("price lines: got %d, want 2", got)
	}
}
