// Package delivery moves an upstream response to the client while feeding
// the exact same bytes to the usage parser.
package delivery

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/mbd888/echo/internal/apierr"
	"github.com/mbd888/echo/internal/logging"
	"github.com/mbd888/echo/internal/providers"
)

// State is a step of the per-request delivery state machine.
type State string

const (
	StateAwaitingUpstream State = "AWAITING_UPSTREAM"
	StateStreaming        State = "STREAMING"
	StateBuffering        State = "BUFFERING"
	StateAccounting       State = "ACCOUNTING"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"
)

// DefaultMaxBody caps non-streaming and error bodies read into memory.
const DefaultMaxBody = 64 << 20

// Headers forwarded from the upstream response.
var forwardHeaders = []string{
	"Content-Type",
	"Cache-Control",
	"Retry-After",
	"X-Request-Id",
	"Request-Id",
	"Openai-Processing-Ms",
}

// Result describes a finished delivery. Err is an accounting-side failure;
// the client response has already been written when it is set.
type Result struct {
	State      State
	Streaming  bool
	Status     int
	BytesSent  int64
	ClientGone bool
	Usage      *providers.Usage
	Err        error
}

// Engine delivers upstream responses.
type Engine struct {
	logger  *slog.Logger
	maxBody int64
}

// NewEngine creates a delivery engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, maxBody: DefaultMaxBody}
}

// Deliver writes resp to w and parses usage from the delivered bytes.
//
// An error is returned only when nothing has been written to w yet: a
// non-2xx upstream status (as a ProviderError carrying the upstream status
// and body), or a failure reading or transforming a non-streaming body.
// Everything after the first byte reaches the client is reported through
// Result.Err instead.
func (e *Engine) Deliver(ctx context.Context, w http.ResponseWriter, resp *http.Response, adapter providers.Adapter, req *providers.CanonicalRequest) (*Result, error) {
	defer resp.Body.Close()
	res := &Result{State: StateAwaitingUpstream, Status: resp.StatusCode}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
		res.State = StateFailed
		return res, apierr.NewProvider(adapter.Provider(), resp.StatusCode, body)
	}

	if req.Stream && adapter.SupportsStreaming() {
		res.Streaming = true
		e.transition(ctx, res, StateStreaming)
		e.stream(ctx, w, resp, adapter, req, res)
		return res, nil
	}

	e.transition(ctx, res, StateBuffering)
	return res, e.buffer(ctx, w, resp, adapter, req, res)
}

func (e *Engine) stream(ctx context.Context, w http.ResponseWriter, resp *http.Response, adapter providers.Adapter, req *providers.CanonicalRequest, res *Result) {
	copyHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	tee := NewTee(resp.Body)

	var (
		wg      sync.WaitGroup
		raw     []byte
		readErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		raw, readErr = io.ReadAll(tee.Accounting())
	}()

	client := tee.Client()
	buf := make([]byte, chunkSize)
	for {
		n, err := client.Read(buf)
		if n > 0 && !res.ClientGone {
			written, werr := w.Write(buf[:n])
			res.BytesSent += int64(written)
			if werr != nil {
				// Keep draining for accounting; the upstream already produced
				// these tokens.
				res.ClientGone = true
				_ = client.Close()
				logging.L(ctx).Info("client disconnected mid-stream", "bytes_sent", res.BytesSent)
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}
	wg.Wait()

	e.transition(ctx, res, StateAccounting)
	if readErr != nil {
		// Whatever arrived before the transport error is still metered.
		logging.L(ctx).Warn("upstream stream ended with error", "error", readErr)
	}
	e.account(ctx, adapter, req, raw, true, res)
}

func (e *Engine) buffer(ctx context.Context, w http.ResponseWriter, resp *http.Response, adapter providers.Adapter, req *providers.CanonicalRequest, res *Result) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		res.State = StateFailed
		return apierr.NewStream("failed to read upstream response", err)
	}
	out, err := adapter.TransformResponseBody(body)
	if err != nil {
		res.State = StateFailed
		return apierr.NewStream("failed to transform upstream response", err)
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(resp.StatusCode)
	n, werr := w.Write(out)
	res.BytesSent = int64(n)
	if werr != nil {
		res.ClientGone = true
	}

	e.transition(ctx, res, StateAccounting)
	e.account(ctx, adapter, req, out, false, res)
	return nil
}

func (e *Engine) account(ctx context.Context, adapter providers.Adapter, req *providers.CanonicalRequest, raw []byte, streaming bool, res *Result) {
	usage, err := adapter.ParseResponse(ctx, req, raw, streaming)
	if err != nil {
		res.Err = apierr.NewStream("usage extraction failed", err)
		e.transition(ctx, res, StateFailed)
		logging.L(ctx).Error("accounting failed; transaction not recorded",
			"adapter", adapter.Type().String(),
			"streaming", streaming,
			"error", err,
		)
		return
	}
	res.Usage = usage
	e.transition(ctx, res, StateDone)
}

func (e *Engine) transition(ctx context.Context, res *Result, to State) {
	e.logger.DebugContext(ctx, "delivery state", "from", string(res.State), "to", string(to), "request_id", logging.RequestID(ctx))
	res.State = to
}

func copyHeaders(dst, src http.Header) {
	for _, h := range forwardHeaders {
		if v := src.Get(h); v != "" {
			dst.Set(h, v)
		}
	}
}
