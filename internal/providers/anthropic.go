package providers

import (
	"context"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const anthropicAPIVersion = "2023-06-01"

// AnthropicMessages speaks Anthropic's native /v1/messages dialect.
type AnthropicMessages struct {
	creds Credentials
}

// NewAnthropicMessages creates the native Anthropic adapter.
func NewAnthropicMessages(creds Credentials) *AnthropicMessages {
	return &AnthropicMessages{creds: creds}
}

func (a *AnthropicMessages) Type() Type              { return TypeAnthropicMessages }
func (a *AnthropicMessages) Provider() string        { return "anthropic" }
func (a *AnthropicMessages) SupportsStreaming() bool { return true }

func (a *AnthropicMessages) BuildUpstreamRequest(ctx context.Context, req *CanonicalRequest) (*http.Request, error) {
	httpReq, err := newUpstreamRequest(ctx, strings.TrimRight(a.creds.BaseURL, "/")+"/messages", req, req.Body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", a.creds.APIKey)
	if httpReq.Header.Get("anthropic-version") == "" {
		httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	}
	return httpReq, nil
}

// ParseResponse reads input tokens from message_start and the cumulative
// output count from the final message_delta.
func (a *AnthropicMessages) ParseResponse(ctx context.Context, req *CanonicalRequest, raw []byte, streaming bool) (*Usage, error) {
	u := &Usage{Model: req.Model}
	if !streaming {
		if !gjson.ValidBytes(raw) {
			return nil, ErrMalformedBody
		}
		msg := gjson.ParseBytes(raw)
		readAnthropicMessage(u, msg)
		u.fillTotal()
		return u, nil
	}

	forEachSSE(raw, func(ev sseEvent) {
		if !gjson.ValidBytes(ev.Data) {
			skipEvent(ctx, u, a.Type().String(), ev.Data)
			return
		}
		data := gjson.ParseBytes(ev.Data)
		name := ev.Name
		if name == "" {
			name = data.Get("type").String()
		}
		switch name {
		case "message_start":
			readAnthropicMessage(u, data.Get("message"))
		case "message_delta":
			usage := data.Get("usage")
			if out := usage.Get("output_tokens"); out.Exists() {
				u.OutputTokens = out.Int()
			}
			if in := usage.Get("input_tokens"); in.Exists() && in.Int() > 0 {
				u.InputTokens = in.Int() + usage.Get("cache_creation_input_tokens").Int() + usage.Get("cache_read_input_tokens").Int()
			}
		}
	})
	u.fillTotal()
	return u, nil
}

func readAnthropicMessage(u *Usage, msg gjson.Result) {
	if id := msg.Get("id").String(); id != "" {
		u.ProviderMessageID = id
	}
	if m := msg.Get("model").String(); m != "" {
		u.Model = m
	}
	usage := msg.Get("usage")
	u.InputTokens = usage.Get("input_tokens").Int() +
		usage.Get("cache_creation_input_tokens").Int() +
		usage.Get("cache_read_input_tokens").Int()
	u.OutputTokens = usage.Get("output_tokens").Int()
}

func (a *AnthropicMessages) TransformResponseBody(body []byte) ([]byte, error) { return body, nil }
