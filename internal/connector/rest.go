package connector

import (
	"context"
	"net/http"
	"time"

	"github.com/aiatrade/pricestream/internal/config"
	"github.com/pkg/errors"
)

// REST is for REST API connection.
type REST struct {
	Client *http.Client
	Cfg    *config.REST
}

var rest REST

// InitREST initializes REST connection with configured values.
func InitREST(cfg *config.REST) *REST {
	if rest.Client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxIdleConns = cfg.MaxIdleConns
		transport.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
		rest = REST{
			Client: &http.Client{
				Timeout:   time.Duration(cfg.ReqTimeoutSec) * time.Second,
				Transport: transport,
			},
			Cfg: cfg,
		}
	}
	return &rest
}

// GetREST returns already prepared REST instance.
func GetREST() (*REST, error) {
	if rest.Client == nil {
		return nil, errors.New("REST connection is not initialized yet")
	}
	return &rest, nil
}

// Request creates a new REST API request for the url.
func (r *REST) Request(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Do sends the REST API request.
func (r *REST) Do(req *http.Request) (*http.Response, error) {
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
