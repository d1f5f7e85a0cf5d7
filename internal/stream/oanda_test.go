package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/aiatrade/pricestream/internal/config"
	"github.com/aiatrade/pricestream/internal/connector"
)

// oandaHandler serves the two oanda endpoints the source talks to. Both
// reject requests without the test bearer token.
func oandaHandler(restStatus int, restBody string, streamStatus int, streamLines []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/test-account/instruments", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(restStatus)
		fmt.Fprint(w, restBody)
	})
	mux.HandleFunc("/accounts/test-account/pricing/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if streamStatus != http.StatusOK {
			w.WriteHeader(streamStatus)
			return
		}
		fl, ok := w.(http.Flusher)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		for _, line := range streamLines {
			fmt.Fprintf(w, "%s\n", line)
			fl.Flush()
		}
	})
	return mux
}

func newTestSource(srvURL string) *OandaSource {
	connCfg := &config.Connection{}
	connCfg.Stream.ConnTimeoutSec = 5
	connCfg.Stream.HeartbeatTimeoutSec = 5
	connCfg.REST.ReqTimeoutSec = 5
	_ = connector.InitREST(&connCfg.REST)

	src := NewOandaSource(config.Credentials{APIKey: "test-key", AccountID: "test-account"}, connCfg)
	src.StreamBaseURL = srvURL + "/"
	src.RESTBaseURL = srvURL + "/"
	return src
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

const restInstrumentsBody = `{"instruments":[` +
	`{"name":"EUR_USD","type":"CURRENCY","displayPrecision":5},` +
	`{"name":"USD_JPY","type":"CURRENCY","displayPrecision":3}]}`

func TestOandaOpenAndRecv(t *testing.T) {
	lines := []string{
		`garbage`,
		`{"type":"PRICE","instrument":"EUR_USD","time":"2024-03-15T10:30:00.123456789Z","bids":[{"price":"1.100004"}],"asks":[{"price":"1.100016"}],"tradeable":true}`,
		`{"type":"HEARTBEAT","time":"2024-03-15T10:30:05.000000000Z"}`,
		`{"type":"PRICE","instrument":"EUR_USD","time":"2024-03-15T10:30:06.000000000Z","bids":[{"price":"bad"}],"asks":[{"price":"1.1"}]}`,
		`{"type":"PRICE","instrument":"EUR_USD","time":"2024-03-15T10:30:06.500000000Z"}`,
		`{"type":"PRICE","instrument":"USD_JPY","time":"2024-03-15T10:30:07.000000000Z","bids":[{"price":"151.3214"}],"asks":[{"price":"151.3288"}]}`,
	}
	srv := httptest.NewServer(oandaHandler(http.StatusOK, restInstrumentsBody, http.StatusOK, lines))
	defer srv.Close()

	src := newTestSource(srv.URL)
	sess, err := src.Open(context.Background(), []string{"EUR_USD", "USD_JPY"})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	ctx := context.Background()

	ev, err := sess.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventTick {
		t.Fatalf("first event: got %v, want tick", ev.Type)
	}
	tick := ev.Tick
	if tick.Instrument != "EUR_USD" || tick.Precision != 5 || !tick.Tradeable {
		t.Fatalf("tick: got %+v", tick)
	}
	if !almostEqual(tick.Bid, 1.10000) || !almostEqual(tick.Ask, 1.10002) {
		t.Fatalf("rounded bid/ask: got %v/%v", tick.Bid, tick.Ask)
	}
	if !almostEqual(tick.Mid(), 1.10001) {
		t.Fatalf("mid: got %v, want 1.10001", tick.Mid())
	}
	if !almostEqual(tick.SpreadPips(), 0.2) {
		t.Fatalf("spread pips: got %v, want 0.2", tick.SpreadPips())
	}
	wantTime := time.Date(2024, 3, 15, 10, 30, 0, 123456789, time.UTC)
	if !tick.Timestamp.Equal(wantTime) {
		t.Fatalf("timestamp: got %v, want %v", tick.Timestamp, wantTime)
	}

	ev, err = sess.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventHeartbeat {
		t.Fatalf("second event: got %v, want heartbeat", ev.Type)
	}

	// The bad bid line and the empty levels line are dropped, the next
	// event is the USD_JPY price rounded with its own precision.
	ev, err = sess.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventTick {
		t.Fatalf("third event: got %v, want tick", ev.Type)
	}
	tick = ev.Tick
	if tick.Instrument != "USD_JPY" || tick.Precision != 3 {
		t.Fatalf("tick: got %+v", tick)
	}
	if !almostEqual(tick.Bid, 151.321) || !almostEqual(tick.Ask, 151.329) {
		t.Fatalf("rounded bid/ask: got %v/%v", tick.Bid, tick.Ask)
	}

	ev, err = sess.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventDisconnect {
		t.Fatalf("final event: got %v, want disconnect", ev.Type)
	}
}

func TestOandaRecvErrorEvent(t *testing.T) {
	lines := []string{`{"errorMessage":"Invalid instrument specified"}`}
	srv := httptest.NewServer(oandaHandler(http.StatusOK, restInstrumentsBody, http.StatusOK, lines))
	defer srv.Close()

	src := newTestSource(srv.URL)
	sess, err := src.Open(context.Background(), []string{"EUR_USD"})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	ev, err := sess.Recv(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventError || ev.Err == nil {
		t.Fatalf("got %+v, want error event", ev)
	}
}

func TestOandaOpenAuthRejected(t *testing.T) {
	// Credentials rejected on the instruments request.
	srv := httptest.NewServer(oandaHandler(http.StatusUnauthorized, "", http.StatusOK, nil))
	defer srv.Close()

	src := newTestSource(srv.URL)
	src.creds.APIKey = "wrong-key"
	if _, err := src.Open(context.Background(), []string{"EUR_USD"}); !errors.Is(err, ErrAuth) {
		t.Fatalf("instruments auth: got %v, want ErrAuth", err)
	}

	// Credentials rejected on the stream connect.
	srv2 := httptest.NewServer(oandaHandler(http.StatusOK, restInstrumentsBody, http.StatusForbidden, nil))
	defer srv2.Close()

	src2 := newTestSource(srv2.URL)
	if _, err := src2.Open(context.Background(), []string{"EUR_USD"}); !errors.Is(err, ErrAuth) {
		t.Fatalf("stream auth: got %v, want ErrAuth", err)
	}
}

func TestOandaOpenRejectsUnknownInstrument(t *testing.T) {
	srv := httptest.NewServer(oandaHandler(http.StatusOK, restInstrumentsBody, http.StatusOK, nil))
	defer srv.Close()

	src := newTestSource(srv.URL)
	_, err := src.Open(context.Background(), []string{"EUR_USD", "FOO_BAR"})
	var instErr *InstrumentError
	if !errors.As(err, &instErr) {
		t.Fatalf("got %v, want InstrumentError", err)
	}
	if !reflect.DeepEqual(instErr.Instruments, []string{"FOO_BAR"}) {
		t.Fatalf("rejected instruments: got %v, want [FOO_BAR]", instErr.Instruments)
	}
}

func TestOandaOpenPrecisionFallback(t *testing.T) {
	lines := []string{
		`{"type":"PRICE","instrument":"USD_JPY","time":"2024-03-15T10:30:00.000000000Z","bids":[{"price":"151.32145"}],"asks":[{"price":"151.32871"}],"tradeable":false}`,
	}
	srv := httptest.NewServer(oandaHandler(http.StatusInternalServerError, "", http.StatusOK, lines))
	defer srv.Close()

	// A failing instruments endpoint does not block the stream, prices
	// fall back to the default rounding.
	src := newTestSource(srv.URL)
	sess, err := src.Open(context.Background(), []string{"USD_JPY"})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	ev, err := sess.Recv(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventTick {
		t.Fatalf("got %v, want tick", ev.Type)
	}
	tick := ev.Tick
	if tick.Precision != 5 {
		t.Fatalf("precision: got %v, want default 5", tick.Precision)
	}
	if !almostEqual(tick.Bid, 151.32145) || !almostEqual(tick.Ask, 151.32871) {
		t.Fatalf("bid/ask: got %v/%v", tick.Bid, tick.Ask)
	}
	if tick.Tradeable {
		t.Fatal("tradeable: got true, want false")
	}
}
