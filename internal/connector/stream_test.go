package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aiatrade/pricestream/internal/config"
)

func TestStreamReadLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fl, ok := w.(http.Flusher)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		for _, line := range []string{`{"type":"PRICE"}`, "", `  {"type":"HEARTBEAT"}  `} {
			fmt.Fprintf(w, "%s\n", line)
			fl.Flush()
		}
	}))
	defer srv.Close()

	cfg := &config.Stream{ConnTimeoutSec: 5, HeartbeatTimeoutSec: 5}
	header := http.Header{}
	header.Set("Authorization", "Bearer test-key")

	stream, err := NewStream(context.Background(), cfg, srv.URL, header)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	line, err := stream.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if string(line) != `{"type":"PRICE"}` {
		t.Fatalf("first line: got %q", line)
	}

	line, err = stream.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if len(line) != 0 {
		t.Fatalf("keep-alive line: got %q, want empty", line)
	}

	line, err = stream.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if string(line) != `{"type":"HEARTBEAT"}` {
		t.Fatalf("trimmed line: got %q", line)
	}

	if _, err = stream.ReadLine(); !errors.Is(err, io.EOF) {
		t.Fatalf("after server close: got %v, want EOF", err)
	}
}

func TestStreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"errorMessage":"Insufficient authorization to perform request."}`)
	}))
	defer srv.Close()

	cfg := &config.Stream{ConnTimeoutSec: 5}
	_, err := NewStream(context.Background(), cfg, srv.URL, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("got %v, want StatusError", err)
	}
	if statusErr.Code != http.StatusUnauthorized {
		t.Fatalf("status code: got %v, want %v", statusErr.Code, http.StatusUnauthorized)
	}
	if !strings.Contains(statusErr.Body, "Insufficient authorization") {
		t.Fatalf("status body: got %q", statusErr.Body)
	}
}

func TestStreamCloseUnblocksReadLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl, ok := w.(http.Flusher)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintln(w, `{"type":"HEARTBEAT"}`)
		fl.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := &config.Stream{ConnTimeoutSec: 5}
	stream, err := NewStream(context.Background(), cfg, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = stream.ReadLine(); err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := stream.ReadLine()
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err = stream.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err = <-errCh:
		if err == nil {
			t.Fatal("expected error from read after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock after close")
	}
}
