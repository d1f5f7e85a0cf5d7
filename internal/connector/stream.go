package connector

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aiatrade/pricestream/internal/config"
)

// Stream is for a long-lived chunked streaming HTTP connection.
type Stream struct {
	Body io.ReadCloser
	rd   *bufio.Reader
	Cfg  *config.Stream
}

// StatusError is returned when the server rejects a stream connection attempt.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream connect status %v: %v", e.Code, e.Body)
}

// NewStream opens a streaming HTTP connection to the url with the given header.
// Connection establishment is bound by the configured timeout, reads on the
// returned stream are not: liveness of the stream is the caller's concern.
func NewStream(appCtx context.Context, cfg *config.Stream, url string, header http.Header) (Stream, error) {
	connTimeout := time.Duration(cfg.ConnTimeoutSec) * time.Second
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connTimeout}).DialContext,
		TLSHandshakeTimeout:   connTimeout,
		ResponseHeaderTimeout: connTimeout,
	}
	client := &http.Client{Transport: transport}

	req, err := http.NewRequestWithContext(appCtx, http.MethodGet, url, nil)
	if err != nil {
		return Stream{}, err
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return Stream{}, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return Stream{}, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	stream := Stream{Body: resp.Body, rd: bufio.NewReader(resp.Body), Cfg: cfg}
	return stream, nil
}

// ReadLine reads one line from the stream connection.
// Leading and trailing whitespace is trimmed, so heartbeat keep-alive
// newlines come back as empty slices.
func (s *Stream) ReadLine() ([]byte, error) {
	line, err := s.rd.ReadBytes('\n')
	if err != nil {
		if len(bytes.TrimSpace(line)) != 0 && err == io.EOF {
			return bytes.TrimSpace(line), nil
		}
		return nil, err
	}
	return bytes.TrimSpace(line), nil
}

// Close closes the stream connection. This will unblock a pending ReadLine.
func (s *Stream) Close() error {
	return s.Body.Close()
}
