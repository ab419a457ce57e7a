package gateway

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/echo/internal/apierr"
	"github.com/mbd888/echo/internal/circuitbreaker"
	"github.com/mbd888/echo/internal/pricing"
	"github.com/mbd888/echo/internal/providers"
)

func TestUpstream_OverloadTripsCircuitButPassesResponse(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	u := NewUpstream(srv.Client(), circuitbreaker.New(1, time.Minute))
	adapter := providers.NewOpenAIChat(pricing.ProviderOpenAI, providers.Credentials{BaseURL: srv.URL})

	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)
	resp, err := u.Do(adapter, req)
	require.NoError(t, err, "an overloaded answer is still a response")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()

	req, _ = http.NewRequest(http.MethodPost, srv.URL, nil)
	_, err = u.Do(adapter, req)
	assert.ErrorIs(t, err, apierr.Provider)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(1), calls.Load(), "open circuit never reaches the provider")
}

func TestUpstream_TransportError(t *testing.T) {
	u := NewUpstream(nil, nil)
	adapter := providers.NewOpenAIChat(pricing.ProviderOpenAI, providers.Credentials{})

	req, _ := http.NewRequest(http.MethodPost, "http://127.0.0.1:1/v1/chat/completions", nil)
	_, err := u.Do(adapter, req)
	assert.ErrorIs(t, err, apierr.Provider)
}
