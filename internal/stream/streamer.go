package stream

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aiatrade/pricestream/internal/config"
	"github.com/aiatrade/pricestream/internal/metrics"
	"github.com/aiatrade/pricestream/internal/movement"
	"github.com/aiatrade/pricestream/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// State is the connection lifecycle state of a Streamer.
type State int32

// Streamer states.
const (
	Disconnected State = iota
	Connecting
	Streaming
	Reconnecting
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// SinkOptions bound commit batching and the write failure policy for one
// storage sink.
type SinkOptions struct {
	CommitBuf     int
	FlushInterval time.Duration
	WriteRetries  int
	WriteRetryGap time.Duration
}

type sinkRuntime struct {
	sink Sink
	opts SinkOptions
	ch   chan storage.PriceRecord
}

// Streamer owns the live broker pricing session, the subscribed
// instrument set and the publish pipeline. One Streamer drives one
// logical stream: events are consumed one at a time in arrival order, so
// commit order per instrument follows tick order.
type Streamer struct {
	source    Source
	tracker   *movement.Tracker
	retry     *config.Retry
	streamCfg *config.Stream

	sinks []*sinkRuntime

	mu         sync.RWMutex
	subscribed map[string]struct{}

	resub   chan struct{}
	state   atomic.Int32
	running atomic.Bool
}

// NewStreamer creates a Streamer for the given source and initial
// instrument set. Sinks are registered with AddSink before Run.
func NewStreamer(source Source, tracker *movement.Tracker, instruments []string, retry *config.Retry, streamCfg *config.Stream) *Streamer {
	s := &Streamer{
		source:     source,
		tracker:    tracker,
		retry:      retry,
		streamCfg:  streamCfg,
		subscribed: make(map[string]struct{}, len(instruments)),
		resub:      make(chan struct{}, 1),
	}
	for _, instrument := range instruments {
		instrument = strings.TrimSpace(instrument)
		if instrument != "" {
			s.subscribed[instrument] = struct{}{}
		}
	}
	metrics.ActiveInstruments.Set(float64(len(s.subscribed)))
	return s
}

// AddSink registers a storage sink. Must be called before Run.
func (s *Streamer) AddSink(sink Sink, opts SinkOptions) {
	if opts.CommitBuf < 1 {
		opts.CommitBuf = 1
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.WriteRetryGap <= 0 {
		opts.WriteRetryGap = 100 * time.Millisecond
	}

	// Channel holds a few batches so records survive one slow commit
	// before the dispatch starts dropping.
	s.sinks = append(s.sinks, &sinkRuntime{
		sink: sink,
		opts: opts,
		ch:   make(chan storage.PriceRecord, opts.CommitBuf*4),
	})
}

// State returns the current lifecycle state.
func (s *Streamer) State() State {
	return State(s.state.Load())
}

func (s *Streamer) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		log.Info().Str("from", prev.String()).Str("to", next.String()).Msg("stream state changed")
	}
}

// AddInstrument subscribes the instrument and nudges the live session to
// re-establish with the new set. It reports whether the set changed.
func (s *Streamer) AddInstrument(instrument string) bool {
	instrument = strings.TrimSpace(instrument)
	if instrument == "" {
		return false
	}
	s.mu.Lock()
	_, exists := s.subscribed[instrument]
	if !exists {
		s.subscribed[instrument] = struct{}{}
	}
	count := len(s.subscribed)
	s.mu.Unlock()
	if exists {
		return false
	}
	metrics.ActiveInstruments.Set(float64(count))
	s.nudge()
	return true
}

// RemoveInstrument unsubscribes the instrument and nudges the live
// session to re-establish without it. Ticks for it still in flight are
// filtered at dispatch. It reports whether the set changed.
func (s *Streamer) RemoveInstrument(instrument string) bool {
	s.mu.Lock()
	_, exists := s.subscribed[instrument]
	if exists {
		delete(s.subscribed, instrument)
	}
	count := len(s.subscribed)
	s.mu.Unlock()
	if !exists {
		return false
	}
	metrics.ActiveInstruments.Set(float64(count))
	s.nudge()
	return true
}

// ActiveInstruments returns a sorted snapshot of the subscribed set.
func (s *Streamer) ActiveInstruments() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.subscribed))
	for instrument := range s.subscribed {
		out = append(out, instrument)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *Streamer) isSubscribed(instrument string) bool {
	s.mu.RLock()
	_, ok := s.subscribed[instrument]
	s.mu.RUnlock()
	return ok
}

// discard drops instruments the broker rejected from the subscription
// set without nudging: the caller reconnects with the remainder anyway.
func (s *Streamer) discard(instruments []string) {
	s.mu.Lock()
	for _, instrument := range instruments {
		delete(s.subscribed, instrument)
	}
	count := len(s.subscribed)
	s.mu.Unlock()
	metrics.ActiveInstruments.Set(float64(count))
}

func (s *Streamer) nudge() {
	select {
	case s.resub <- struct{}{}:
	default:
	}
}

// Run drives the connection state machine until ctx is done or a fatal
// error occurs. Transient session failures reconnect with exponential
// backoff and jitter, a subscription change reconnects immediately
// without counting as a retry, and ErrAuth or retry exhaustion end the
// run.
func (s *Streamer) Run(appCtx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("streamer is already running")
	}
	defer s.running.Store(false)
	defer s.setState(Disconnected)

	// If the session breaks, retry it with a time gap till it reaches a
	// configured number of retries. The retry counter is reset back to
	// zero once the elapsed time since the last retry is greater than
	// the configured one.
	var retryCount int
	lastRetryTime := time.Now()

	for {
		// A nudge from before this point is already covered by the
		// instrument snapshot taken below.
		select {
		case <-s.resub:
		default:
		}

		instruments := s.ActiveInstruments()
		if len(instruments) == 0 {
			s.setState(Disconnected)
			log.Info().Msg("no subscribed instruments, waiting for an add command")
			select {
			case <-s.resub:
				continue
			case <-appCtx.Done():
				return appCtx.Err()
			}
		}

		s.pruneHistories(instruments)
		s.setState(Connecting)
		err := s.runSession(appCtx, instruments)
		if appCtx.Err() != nil {
			return appCtx.Err()
		}

		switch {
		case errors.Is(err, ErrAuth):
			s.setState(Disconnected)
			return err
		case errors.Is(err, errResubscribe):
			log.Info().Msg("restarting session with updated instruments")
			continue
		}

		var instErr *InstrumentError
		if errors.As(err, &instErr) {
			s.discard(instErr.Instruments)
			log.Error().Str("instruments", strings.Join(instErr.Instruments, ",")).Msg("instruments rejected by broker, continuing without them")
			continue
		}

		logErrStack(err)
		s.setState(Reconnecting)
		metrics.Reconnects.Inc()
		if s.retry.ResetSec == 0 || time.Since(lastRetryTime).Seconds() < float64(s.retry.ResetSec) {
			retryCount++
		} else {
			retryCount = 1
		}
		lastRetryTime = time.Now()
		if retryCount > s.retry.Number {
			return errors.Wrapf(ErrRetriesExhausted, "%v retries", s.retry.Number)
		}

		gap := backoffGap(s.retry, retryCount)
		log.Error().Int("retry", retryCount).Msg(fmt.Sprintf("retrying session in %v", gap.Round(time.Millisecond)))
		tick := time.NewTicker(gap)
		select {
		case <-tick.C:
			tick.Stop()
		case <-s.resub:
			// Subscription changed during backoff, reconnect now.
			tick.Stop()
		case <-appCtx.Done():
			tick.Stop()
			return appCtx.Err()
		}
	}
}

// runSession opens one pricing session and supervises its goroutines.
// If any of them fails, force the others to stop and return.
func (s *Streamer) runSession(appCtx context.Context, instruments []string) error {
	sess, err := s.source.Open(appCtx, instruments)
	if err != nil {
		return err
	}
	s.setState(Streaming)

	var lastEvent atomic.Int64
	lastEvent.Store(time.Now().UnixNano())

	sessErrGroup, ctx := errgroup.WithContext(appCtx)

	sessErrGroup.Go(func() error {
		return closeSessOnDone(ctx, sess)
	})
	sessErrGroup.Go(func() error {
		return s.watchResubscribe(ctx)
	})
	sessErrGroup.Go(func() error {
		return s.watchLiveness(ctx, &lastEvent)
	})
	sessErrGroup.Go(func() error {
		return s.readStream(ctx, sess, &lastEvent)
	})
	for _, snk := range s.sinks {
		snk := snk
		sessErrGroup.Go(func() error {
			return s.commitSink(ctx, snk)
		})
	}

	err = sessErrGroup.Wait()
	if err == nil {
		err = errors.New("price session ended unexpectedly")
	}
	return err
}

// closeSessOnDone closes the session when ctx is done.
// This will unblock a pending Recv.
func closeSessOnDone(ctx context.Context, sess Session) error {
	<-ctx.Done()
	if err := sess.Close(); err != nil {
		return err
	}
	return ctx.Err()
}

// watchResubscribe ends the session when the subscribed instrument set
// changes so the next connect picks up the new set.
func (s *Streamer) watchResubscribe(ctx context.Context) error {
	select {
	case <-s.resub:
		return errResubscribe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchLiveness forces the session down when no event, heartbeats
// included, arrives within the configured timeout.
func (s *Streamer) watchLiveness(ctx context.Context, lastEvent *atomic.Int64) error {
	timeout := time.Duration(s.streamCfg.HeartbeatTimeoutSec) * time.Second
	interval := timeout / 4
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if time.Since(time.Unix(0, lastEvent.Load())) > timeout {
				metrics.HeartbeatTimeouts.Inc()
				log.Error().Msg("no price stream event within heartbeat timeout")
				return ErrLiveness
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readStream consumes session events one at a time in arrival order and
// dispatches price ticks to the sink channels.
func (s *Streamer) readStream(ctx context.Context, sess Session, lastEvent *atomic.Int64) error {

	// Duplicate suppression state is per session: the broker resends a
	// snapshot of current prices on connect.
	lastBid := make(map[string]float64)
	lastAsk := make(map[string]float64)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		event, err := sess.Recv(ctx)
		if err != nil {
			if !errors.Is(err, ctx.Err()) {
				logErrStack(err)
			}
			return err
		}
		lastEvent.Store(time.Now().UnixNano())

		switch event.Type {
		case EventHeartbeat:
		case EventError:
			log.Error().Err(event.Err).Msg("price stream error event")
			return event.Err
		case EventDisconnect:
			return errors.New("price stream closed by broker")
		case EventTick:
			tick := event.Tick
			if !s.isSubscribed(tick.Instrument) {
				continue
			}
			if bid, ok := lastBid[tick.Instrument]; ok && bid == tick.Bid && lastAsk[tick.Instrument] == tick.Ask {
				continue
			}
			lastBid[tick.Instrument] = tick.Bid
			lastAsk[tick.Instrument] = tick.Ask

			metrics.TicksTotal.WithLabelValues(tick.Instrument).Inc()
			direction := s.tracker.Update(tick.Instrument, tick.Mid())
			record := storage.PriceRecord{
				Instrument: tick.Instrument,
				Price:      tick.Mid(),
				Bid:        tick.Bid,
				Ask:        tick.Ask,
				SpreadPips: tick.SpreadPips(),
				Movement:   direction.String(),
				Tradeable:  tick.Tradeable,
				Timestamp:  tick.Timestamp,
			}
			for _, snk := range s.sinks {
				select {
				case snk.ch <- record:
				default:
					// A full sink buffer drops the record: prices go
					// stale fast and a fresh tick follows shortly.
					metrics.DroppedRecords.WithLabelValues(snk.sink.Name(), "buffer_full").Inc()
					log.Debug().Str("storage", snk.sink.Name()).Str("instrument", tick.Instrument).Msg("sink buffer full, dropping price record")
				}
			}
		}
	}
}

// commitSink drains a sink's channel and flushes either at the commit
// buffer size or on the flush interval, whichever comes first. Arrival
// order within the sink is preserved.
func (s *Streamer) commitSink(ctx context.Context, snk *sinkRuntime) error {
	batch := make([]storage.PriceRecord, 0, snk.opts.CommitBuf)
	tick := time.NewTicker(snk.opts.FlushInterval)
	defer tick.Stop()
	for {
		select {
		case record := <-snk.ch:
			batch = append(batch, record)
			if len(batch) >= snk.opts.CommitBuf {
				batch = s.flush(ctx, snk, batch)
			}
		case <-tick.C:
			if len(batch) > 0 {
				batch = s.flush(ctx, snk, batch)
			}
		case <-ctx.Done():
			// Flush whatever is buffered before exit. The store's own
			// request timeout bounds this final write.
		drain:
			for {
				select {
				case record := <-snk.ch:
					batch = append(batch, record)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				s.flush(context.Background(), snk, batch)
			}
			return ctx.Err()
		}
	}
}

// flush commits the batch with bounded retries. A batch that cannot be
// committed is dropped and counted: replaying old prices after the
// store recovers would be worse than the gap.
func (s *Streamer) flush(ctx context.Context, snk *sinkRuntime, batch []storage.PriceRecord) []storage.PriceRecord {
	attempts := snk.opts.WriteRetries + 1
retry:
	for attempt := 1; attempt <= attempts; attempt++ {
		err := snk.sink.CommitPrices(ctx, batch)
		if err == nil {
			metrics.PublishedTotal.WithLabelValues(snk.sink.Name()).Add(float64(len(batch)))
			return batch[:0]
		}
		metrics.PublishFailures.WithLabelValues(snk.sink.Name()).Inc()
		if errors.Is(err, ctx.Err()) || attempt == attempts {
			logErrStack(err)
			break retry
		}
		log.Error().Str("storage", snk.sink.Name()).Int("attempt", attempt).Err(err).Msg("price commit failed, retrying")
		gapTick := time.NewTicker(snk.opts.WriteRetryGap)
		select {
		case <-gapTick.C:
			gapTick.Stop()
		case <-ctx.Done():
			gapTick.Stop()
			break retry
		}
	}
	metrics.DroppedRecords.WithLabelValues(snk.sink.Name(), "commit_failed").Add(float64(len(batch)))
	return batch[:0]
}

// pruneHistories drops movement history for instruments which left the
// subscription set. Runs between sessions, when nothing else touches
// the tracker.
func (s *Streamer) pruneHistories(instruments []string) {
	keep := make(map[string]struct{}, len(instruments))
	for _, instrument := range instruments {
		keep[instrument] = struct{}{}
	}
	for _, instrument := range s.tracker.Instruments() {
		if _, ok := keep[instrument]; !ok {
			s.tracker.Drop(instrument)
		}
	}
}

// backoffGap is the reconnect delay before the given attempt: the base
// gap doubled per attempt up to the configured maximum, with jitter in
// [gap/2, gap) so restarts do not align across processes.
func backoffGap(retry *config.Retry, attempt int) time.Duration {
	gap := float64(retry.GapSec) * math.Pow(2, float64(attempt-1))
	if maxGap := float64(retry.MaxGapSec); gap > maxGap {
		gap = maxGap
	}
	gap = gap/2 + rand.Float64()*gap/2
	return time.Duration(gap * float64(time.Second))
}
