package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mbd888/echo/internal/apierr"
	"github.com/mbd888/echo/internal/circuitbreaker"
	"github.com/mbd888/echo/internal/metrics"
	"github.com/mbd888/echo/internal/providers"
	"github.com/mbd888/echo/internal/traces"
)

// Upstream sends adapter-built requests to the provider, one circuit per
// dialect and vendor.
type Upstream struct {
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewUpstream creates an upstream transport. The client carries no overall
// timeout: streamed generations run as long as the provider keeps sending.
func NewUpstream(client *http.Client, breaker *circuitbreaker.Breaker) *Upstream {
	if client == nil {
		client = &http.Client{}
	}
	if breaker == nil {
		breaker = circuitbreaker.New(0, 0)
	}
	return &Upstream{client: client, breaker: breaker}
}

func circuitKey(a providers.Adapter) string {
	return a.Provider() + ":" + a.Type().String()
}

// errUpstreamStatus marks a 429 or 5xx answer, which counts against the
// circuit while the response itself is still passed through.
var errUpstreamStatus = errors.New("gateway: upstream overloaded")

// Do sends req. Transport errors, 429 and 5xx count against the circuit;
// the response is returned either way so the body can be passed through.
func (u *Upstream) Do(adapter providers.Adapter, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := u.breaker.Execute(circuitKey(adapter), func() error {
		ctx, span := traces.StartSpan(req.Context(), "upstream."+adapter.Type().String(), traces.Provider(adapter.Provider()))
		var err error
		resp, err = u.client.Do(req.WithContext(ctx))
		traces.End(span, err)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return errUpstreamStatus
		}
		return nil
	}, nil)

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		upstreamRequests.WithLabelValues(adapter.Provider(), "circuit_open").Inc()
		return nil, apierr.NewProviderUnavailable(adapter.Provider(), err)
	case err != nil && !errors.Is(err, errUpstreamStatus):
		upstreamRequests.WithLabelValues(adapter.Provider(), "error").Inc()
		return nil, apierr.NewProviderUnavailable(adapter.Provider(), fmt.Errorf("upstream request: %w", err))
	}
	upstreamRequests.WithLabelValues(adapter.Provider(), metrics.StatusBucket(resp.StatusCode)).Inc()
	return resp, nil
}
