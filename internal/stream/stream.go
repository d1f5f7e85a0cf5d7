// Package stream maintains the live connection to a broker pricing stream
// and drives decode, movement tracking and storage publish for each tick.
package stream

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aiatrade/pricestream/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EventType tags a message produced by a broker pricing session.
type EventType int

// Event types produced by a Session.
const (
	EventTick EventType = iota
	EventHeartbeat
	EventError
	EventDisconnect
)

// Event is a single tagged message from a broker pricing session.
// Tick is set for EventTick, Err for EventError.
type Event struct {
	Type EventType
	Tick Tick
	Err  error
}

// Tick is a single price observation for an instrument, immutable once
// received. Bid and ask come rounded to the instrument display precision.
type Tick struct {
	Instrument string
	Bid        float64
	Ask        float64
	Precision  int
	Tradeable  bool
	Timestamp  time.Time
}

// Mid returns the mid price of the tick rounded to the tick precision.
func (t Tick) Mid() float64 {
	return roundTo((t.Bid+t.Ask)/2, t.Precision)
}

// SpreadPips returns the bid/ask spread in pips rounded to one decimal.
func (t Tick) SpreadPips() float64 {
	return roundTo((t.Ask-t.Bid)*1e4, 1)
}

func roundTo(v float64, precision int) float64 {
	p := math.Pow10(precision)
	return math.Round(v*p) / p
}

// Session is a live pricing stream for a fixed set of instruments.
// Recv blocks until the next event arrives, the session breaks or ctx is
// done. Close unblocks a pending Recv.
type Session interface {
	Recv(ctx context.Context) (Event, error)
	Close() error
}

// Source opens authenticated pricing sessions for a broker.
type Source interface {
	Open(ctx context.Context, instruments []string) (Session, error)
}

// Sink commits batches of price records to a storage system.
type Sink interface {
	Name() string
	CommitPrices(ctx context.Context, data []storage.PriceRecord) error
}

// Stream level sentinel errors.
var (
	// ErrAuth indicates the broker rejected the credentials. Not retryable.
	ErrAuth = errors.New("broker authentication failed")
	// ErrRetriesExhausted indicates the stream could not be re-established
	// within the configured number of retries.
	ErrRetriesExhausted = errors.New("broker stream retries exhausted")
	// ErrLiveness indicates no event arrived within the heartbeat timeout.
	ErrLiveness = errors.New("no stream event within heartbeat timeout")

	// errResubscribe forces an immediate session restart after the
	// subscribed instrument set changed.
	errResubscribe = errors.New("instrument subscription changed")
)

// InstrumentError is returned from Source.Open when the broker does not
// recognize some of the requested instruments.
type InstrumentError struct {
	Instruments []string
}

func (e *InstrumentError) Error() string {
	return fmt.Sprintf("instruments rejected by broker: %v", strings.Join(e.Instruments, ","))
}

// logErrStack logs error with stack trace.
func logErrStack(err error) {
	log.Error().Stack().Err(errors.WithStack(err)).Msg("")
}
