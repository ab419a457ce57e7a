package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Credentials locate and authenticate one upstream vendor.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// OpenAIChat speaks the OpenAI chat-completions dialect. The same dialect is
// served by Anthropic's and Gemini's OpenAI-compatible endpoints, so one
// instance exists per vendor.
type OpenAIChat struct {
	provider string
	creds    Credentials
}

// NewOpenAIChat creates a chat adapter for the given vendor.
func NewOpenAIChat(provider string, creds Credentials) *OpenAIChat {
	return &OpenAIChat{provider: provider, creds: creds}
}

func (a *OpenAIChat) Type() Type              { return TypeOpenAIChat }
func (a *OpenAIChat) Provider() string        { return a.provider }
func (a *OpenAIChat) SupportsStreaming() bool { return true }

func (a *OpenAIChat) BuildUpstreamRequest(ctx context.Context, req *CanonicalRequest) (*http.Request, error) {
	body := req.Body
	if req.Stream {
		var err error
		if body, err = withStreamUsage(body); err != nil {
			return nil, err
		}
	}
	httpReq, err := newUpstreamRequest(ctx, strings.TrimRight(a.creds.BaseURL, "/")+"/chat/completions", req, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.creds.APIKey)
	return httpReq, nil
}

// withStreamUsage asks the upstream to append a usage chunk to the stream.
// Without it OpenAI streams carry no token counts at all.
func withStreamUsage(body []byte) ([]byte, error) {
	if gjson.GetBytes(body, "stream_options.include_usage").Bool() {
		return body, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	opts := map[string]json.RawMessage{}
	if raw, ok := m["stream_options"]; ok {
		_ = json.Unmarshal(raw, &opts)
	}
	opts["include_usage"] = json.RawMessage("true")
	encoded, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	m["stream_options"] = encoded
	return json.Marshal(m)
}

func (a *OpenAIChat) ParseResponse(ctx context.Context, req *CanonicalRequest, raw []byte, streaming bool) (*Usage, error) {
	u := &Usage{Model: req.Model}
	if !streaming {
		if !gjson.ValidBytes(raw) {
			return nil, ErrMalformedBody
		}
		readChatUsage(u, gjson.ParseBytes(raw))
		u.fillTotal()
		return u, nil
	}

	forEachSSE(raw, func(ev sseEvent) {
		if isDone(ev.Data) {
			return
		}
		if !gjson.ValidBytes(ev.Data) {
			skipEvent(ctx, u, a.Type().String(), ev.Data)
			return
		}
		readChatUsage(u, gjson.ParseBytes(ev.Data))
	})
	u.fillTotal()
	return u, nil
}

// readChatUsage applies one chunk (or the whole body): identifiers from any
// chunk, counters from the last chunk whose usage is non-null.
func readChatUsage(u *Usage, chunk gjson.Result) {
	if id := chunk.Get("id").String(); id != "" {
		u.ProviderMessageID = id
	}
	if m := chunk.Get("model").String(); m != "" {
		u.Model = m
	}
	usage := chunk.Get("usage")
	if !usage.IsObject() {
		return
	}
	u.InputTokens = usage.Get("prompt_tokens").Int()
	u.OutputTokens = usage.Get("completion_tokens").Int()
	u.TotalTokens = usage.Get("total_tokens").Int()
}

func (a *OpenAIChat) TransformResponseBody(body []byte) ([]byte, error) { return body, nil }
