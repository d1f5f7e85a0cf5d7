package control

import (
	"context"
	"fmt"
	"time"

	"github.com/aiatrade/pricestream/internal/config"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Subscriptions is the part of the streamer the control surface drives.
type Subscriptions interface {
	AddInstrument(instrument string) bool
	RemoveInstrument(instrument string) bool
	ActiveInstruments() []string
}

// Queue carries operator commands in and confirmations out.
type Queue interface {
	NextCommand(ctx context.Context, list string) ([]byte, error)
	PushResponse(ctx context.Context, list string, payload []byte) error
}

type command struct {
	Action     string `json:"action"`
	Instrument string `json:"instrument"`
}

type response struct {
	Status            string   `json:"status"`
	Message           string   `json:"message,omitempty"`
	ActiveInstruments []string `json:"active_instruments"`
	InstrumentCount   int      `json:"instrument_count"`
}

// Listener consumes operator commands from the command list and applies
// them to the streamer subscriptions. A bad command gets an error
// response and never disturbs streaming.
type Listener struct {
	queue Queue
	subs  Subscriptions
	cfg   *config.Control
}

// NewListener creates a control listener over the given queue.
func NewListener(queue Queue, subs Subscriptions, cfg *config.Control) *Listener {
	return &Listener{
		queue: queue,
		subs:  subs,
		cfg:   cfg,
	}
}

// Run blocks on the command list and handles commands one at a time
// until ctx is done. Queue errors are logged and polled past with a
// short gap so a store outage does not kill the listener.
func (l *Listener) Run(ctx context.Context) error {
	log.Info().Str("list", l.cfg.CommandList).Msg("control listener started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, err := l.queue.NextCommand(ctx, l.cfg.CommandList)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logErrStack(err)
			tick := time.NewTicker(time.Second)
			select {
			case <-tick.C:
				tick.Stop()
			case <-ctx.Done():
				tick.Stop()
				return ctx.Err()
			}
			continue
		}
		l.handle(ctx, payload)
	}
}

func (l *Listener) handle(ctx context.Context, payload []byte) {
	var cmd command
	if err := jsoniter.Unmarshal(payload, &cmd); err != nil {
		log.Error().Str("payload", string(payload)).Msg("not able to parse control command")
		l.respond(ctx, response{
			Status:  "error",
			Message: "not able to parse command",
		})
		return
	}

	switch cmd.Action {
	case "add":
		if cmd.Instrument == "" {
			l.respond(ctx, response{Status: "error", Message: "add command missing instrument"})
			return
		}
		if l.subs.AddInstrument(cmd.Instrument) {
			log.Info().Str("instrument", cmd.Instrument).Msg("control add command handled")
		} else {
			log.Warn().Str("instrument", cmd.Instrument).Msg("instrument is already being streamed")
		}
		l.respond(ctx, response{
			Status:  "success",
			Message: fmt.Sprintf("Added %v to streaming", cmd.Instrument),
		})
	case "remove":
		if cmd.Instrument == "" {
			l.respond(ctx, response{Status: "error", Message: "remove command missing instrument"})
			return
		}
		if l.subs.RemoveInstrument(cmd.Instrument) {
			log.Info().Str("instrument", cmd.Instrument).Msg("control remove command handled")
		} else {
			log.Warn().Str("instrument", cmd.Instrument).Msg("instrument is not currently being streamed")
		}
		l.respond(ctx, response{
			Status:  "success",
			Message: fmt.Sprintf("Removed %v from streaming", cmd.Instrument),
		})
	case "list":
		l.respond(ctx, response{Status: "success"})
	default:
		l.respond(ctx, response{Status: "error", Message: fmt.Sprintf("unknown action: %v", cmd.Action)})
	}
}

// respond pushes a confirmation to the response list. Every confirmation
// carries the resulting active set and its count, an empty set included.
// Push failures are logged only, the command itself is already applied.
func (l *Listener) respond(ctx context.Context, resp response) {
	resp.ActiveInstruments = l.subs.ActiveInstruments()
	resp.InstrumentCount = len(resp.ActiveInstruments)
	payload, err := jsoniter.Marshal(resp)
	if err != nil {
		logErrStack(err)
		return
	}
	if err := l.queue.PushResponse(ctx, l.cfg.ResponseList, payload); err != nil {
		if ctx.Err() == nil {
			logErrStack(err)
		}
	}
}

// logErrStack logs error with stack trace.
func logErrStack(err error) {
	log.Error().Stack().Err(errors.WithStack(err)).Msg("")
}
