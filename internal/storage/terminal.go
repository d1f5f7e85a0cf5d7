package storage

import (
	"context"
	"fmt"
	"io"
)

// Terminal is for displaying price data on terminal.
type Terminal struct {
	out io.Writer
}

var terminal Terminal

// TerminalTimestamp is used as a format to display only the time.
const TerminalTimestamp = "15:04:05.999"

// InitTerminal initializes terminal display.
// Output writer is always os.Stdout except in case of testing where file will be set as output terminal.
func InitTerminal(out io.Writer) *Terminal {
	if terminal.out == nil {
		terminal = Terminal{
			out: out,
		}
	}
	return &terminal
}

// GetTerminal returns already prepared terminal instance.
func GetTerminal() *Terminal {
	return &terminal
}

// Name returns the storage name.
func (t *Terminal) Name() string {
	return "terminal"
}

// CommitPrices batch outputs input price data to terminal.
func (t *Terminal) CommitPrices(_ context.Context, data []PriceRecord) error {
	for _, price := range data {
		fmt.Fprintf(t.out, "%-10s%-12s%14.5f%14.5f%14.5f%8.1f%10s%16s\n\n", "Price", price.Instrument, price.Bid, price.Ask, price.Price, price.SpreadPips, price.Movement, price.Timestamp.Local().Format(TerminalTimestamp))
	}
	return nil
}
