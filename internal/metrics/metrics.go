package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pricestream_ticks_total", Help: "Count of price ticks ingested from the broker stream"},
		[]string{"instrument"},
	)
	PublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pricestream_published_total", Help: "Price records committed to a storage"},
		[]string{"storage"},
	)
	PublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pricestream_publish_failures_total", Help: "Failed storage commit attempts"},
		[]string{"storage"},
	)
	DroppedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pricestream_dropped_records_total", Help: "Price records dropped before commit"},
		[]string{"storage", "reason"},
	)
	DecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pricestream_decode_errors_total", Help: "Broker stream messages dropped as undecodable"},
	)
	Reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pricestream_reconnects_total", Help: "Broker stream reconnect attempts"},
	)
	HeartbeatTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pricestream_heartbeat_timeouts_total", Help: "Streams abandoned after missing heartbeats"},
	)
	IndexSwept = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pricestream_index_swept_total", Help: "Stale members pruned from the live price index"},
	)
	ActiveInstruments = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "pricestream_active_instruments", Help: "Instruments currently subscribed"},
	)
)

func init() {
	prometheus.MustRegister(TicksTotal, PublishedTotal, PublishFailures, DroppedRecords,
		DecodeErrors, Reconnects, HeartbeatTimeouts, IndexSwept, ActiveInstruments)
}

// Serve exposes the metrics endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
