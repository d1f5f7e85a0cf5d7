package stream

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aiatrade/pricestream/internal/config"
	"github.com/aiatrade/pricestream/internal/connector"
	"github.com/aiatrade/pricestream/internal/metrics"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// defaultPrecision is used for price rounding when the instrument display
// precision is not known.
const defaultPrecision = 5

// OandaSource opens authenticated pricing sessions against the oanda
// streaming API. The base URLs default to the live endpoints.
type OandaSource struct {
	StreamBaseURL string
	RESTBaseURL   string
	creds         config.Credentials
	connCfg       *config.Connection
}

// NewOandaSource creates an oanda pricing source with the given credentials.
func NewOandaSource(creds config.Credentials, connCfg *config.Connection) *OandaSource {
	return &OandaSource{
		StreamBaseURL: config.OandaStreamBaseURL,
		RESTBaseURL:   config.OandaRESTBaseURL,
		creds:         creds,
		connCfg:       connCfg,
	}
}

type streamRespOanda struct {
	Type         string            `json:"type"`
	Instrument   string            `json:"instrument"`
	Time         string            `json:"time"`
	Bids         []priceLevelOanda `json:"bids"`
	Asks         []priceLevelOanda `json:"asks"`
	Tradeable    *bool             `json:"tradeable"`
	ErrorMessage string            `json:"errorMessage"`
}

type priceLevelOanda struct {
	Price string `json:"price"`
}

type restInstrumentsRespOanda struct {
	Instruments []restInstrumentOanda `json:"instruments"`
}

type restInstrumentOanda struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	DisplayPrecision int    `json:"displayPrecision"`
}

// Open fetches the account instrument precisions, validates the requested
// instruments against them and connects the pricing stream. A credentials
// rejection comes back wrapping ErrAuth, unknown instruments come back as
// an InstrumentError before any connection is made.
func (o *OandaSource) Open(appCtx context.Context, instruments []string) (Session, error) {
	precisions, err := o.fetchInstruments(appCtx)
	if err != nil {
		if errors.Is(err, ErrAuth) || errors.Is(err, appCtx.Err()) {
			return nil, err
		}
		// The stream still works without precisions, prices fall back to
		// the default rounding.
		log.Warn().Str("broker", "oanda").Err(err).Msg("not able to fetch instrument precisions")
		precisions = nil
	} else {
		var rejected []string
		for _, instrument := range instruments {
			if _, ok := precisions[instrument]; !ok {
				rejected = append(rejected, instrument)
			}
		}
		if len(rejected) > 0 {
			return nil, &InstrumentError{Instruments: rejected}
		}
	}

	streamURL := o.StreamBaseURL + "accounts/" + o.creds.AccountID + "/pricing/stream?instruments=" +
		url.QueryEscape(strings.Join(instruments, ","))
	header := http.Header{}
	header.Set("Authorization", "Bearer "+o.creds.APIKey)
	header.Set("Accept", "application/stream+json")

	conn, err := connector.NewStream(appCtx, &o.connCfg.Stream, streamURL, header)
	if err != nil {
		var statusErr *connector.StatusError
		if errors.As(err, &statusErr) &&
			(statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden) {
			return nil, errors.Wrapf(ErrAuth, "status %v: %v", statusErr.Code, statusErr.Body)
		}
		if !errors.Is(err, appCtx.Err()) {
			logErrStack(err)
		}
		return nil, err
	}
	log.Info().Str("broker", "oanda").Str("instruments", strings.Join(instruments, ",")).Msg("price stream connected")
	return &oandaSession{conn: conn, precisions: precisions}, nil
}

// fetchInstruments queries the account instruments through REST API and
// returns display precision by instrument name.
func (o *OandaSource) fetchInstruments(ctx context.Context) (map[string]int, error) {
	rest, err := connector.GetREST()
	if err != nil {
		return nil, err
	}
	req, err := rest.Request(ctx, o.RESTBaseURL+"accounts/"+o.creds.AccountID+"/instruments")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+o.creds.APIKey)
	resp, err := rest.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errors.Wrapf(ErrAuth, "instruments request status %v", resp.StatusCode)
	default:
		return nil, errors.Errorf("instruments request status %v", resp.StatusCode)
	}
	ir := restInstrumentsRespOanda{}
	if err := jsoniter.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, err
	}
	precisions := make(map[string]int, len(ir.Instruments))
	for _, instrument := range ir.Instruments {
		precisions[instrument.Name] = instrument.DisplayPrecision
	}
	return precisions, nil
}

type oandaSession struct {
	conn       connector.Stream
	precisions map[string]int
}

// Recv reads stream lines until one decodes to an event. Undecodable lines
// are counted and dropped, they never break the session.
func (s *oandaSession) Recv(ctx context.Context) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		default:
		}

		line, err := s.conn.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Event{Type: EventDisconnect}, nil
			}
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			return Event{}, err
		}
		if len(line) == 0 {
			continue
		}

		wr := streamRespOanda{}
		if err = jsoniter.Unmarshal(line, &wr); err != nil {
			metrics.DecodeErrors.Inc()
			log.Debug().Str("broker", "oanda").Err(err).Msg("dropping undecodable stream message")
			continue
		}

		switch wr.Type {
		case "PRICE":
			tick, ok := s.tickFromResp(&wr)
			if !ok {
				continue
			}
			return Event{Type: EventTick, Tick: tick}, nil
		case "HEARTBEAT":
			return Event{Type: EventHeartbeat}, nil
		default:
			if wr.ErrorMessage != "" {
				return Event{Type: EventError, Err: errors.Errorf("oanda stream error: %v", wr.ErrorMessage)}, nil
			}
			log.Info().Str("broker", "oanda").Str("type", wr.Type).Msg("stream message ignored")
		}
	}
}

func (s *oandaSession) tickFromResp(wr *streamRespOanda) (Tick, bool) {
	if len(wr.Bids) == 0 || len(wr.Asks) == 0 {
		return Tick{}, false
	}
	bid, err := strconv.ParseFloat(wr.Bids[0].Price, 64)
	if err != nil {
		metrics.DecodeErrors.Inc()
		log.Debug().Str("broker", "oanda").Err(err).Msg("dropping price with bad bid")
		return Tick{}, false
	}
	ask, err := strconv.ParseFloat(wr.Asks[0].Price, 64)
	if err != nil {
		metrics.DecodeErrors.Inc()
		log.Debug().Str("broker", "oanda").Err(err).Msg("dropping price with bad ask")
		return Tick{}, false
	}

	precision := defaultPrecision
	if p, ok := s.precisions[wr.Instrument]; ok {
		precision = p
	}

	// Time sent is in string format.
	timestamp, err := time.Parse(time.RFC3339Nano, wr.Time)
	if err != nil {
		timestamp = time.Now()
	}

	tradeable := true
	if wr.Tradeable != nil {
		tradeable = *wr.Tradeable
	}

	return Tick{
		Instrument: wr.Instrument,
		Bid:        roundTo(bid, precision),
		Ask:        roundTo(ask, precision),
		Precision:  precision,
		Tradeable:  tradeable,
		Timestamp:  timestamp.UTC(),
	}, true
}

// Close closes the stream connection. This will unblock a pending Recv.
func (s *oandaSession) Close() error {
	return s.conn.Close()
}
