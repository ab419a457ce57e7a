package providers

import (
	"context"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Terminal Responses stream events; each carries the full response object.
var responsesTerminalEvents = map[string]bool{
	"response.completed":  true,
	"response.incomplete": true,
	"response.failed":     true,
	"response.done":       true,
}

// Responses speaks OpenAI's tool-augmented /v1/responses dialect. Hosted tool
// invocations (web search, file search, code interpreter) are counted so they
// can be billed per call.
type Responses struct {
	creds Credentials
}

// NewResponses creates the Responses adapter.
func NewResponses(creds Credentials) *Responses {
	return &Responses{creds: creds}
}

func (a *Responses) Type() Type              { return TypeResponses }
func (a *Responses) Provider() string        { return "openai" }
func (a *Responses) SupportsStreaming() bool { return true }

func (a *Responses) BuildUpstreamRequest(ctx context.Context, req *CanonicalRequest) (*http.Request, error) {
	httpReq, err := newUpstreamRequest(ctx, strings.TrimRight(a.creds.BaseURL, "/")+"/responses", req, req.Body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.creds.APIKey)
	return httpReq, nil
}

func (a *Responses) ParseResponse(ctx context.Context, req *CanonicalRequest, raw []byte, streaming bool) (*Usage, error) {
	u := &Usage{Model: req.Model}
	if !streaming {
		if !gjson.ValidBytes(raw) {
			return nil, ErrMalformedBody
		}
		readResponseObject(u, gjson.ParseBytes(raw))
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
		data := gjson.ParseBytes(ev.Data)
		name := ev.Name
		if name == "" {
			name = data.Get("type").String()
		}
		switch {
		case name == "response.created":
			if id := data.Get("response.id").String(); id != "" {
				u.ProviderMessageID = id
			}
		case responsesTerminalEvents[name]:
			readResponseObject(u, data.Get("response"))
		}
	})
	u.fillTotal()
	return u, nil
}

func readResponseObject(u *Usage, resp gjson.Result) {
	if id := resp.Get("id").String(); id != "" {
		u.ProviderMessageID = id
	}
	if m := resp.Get("model").String(); m != "" {
		u.Model = m
	}
	if usage := resp.Get("usage"); usage.IsObject() {
		u.InputTokens = usage.Get("input_tokens").Int()
		u.OutputTokens = usage.Get("output_tokens").Int()
		u.TotalTokens = usage.Get("total_tokens").Int()
	}
	calls := map[string]int{}
	resp.Get("output").ForEach(func(_, item gjson.Result) bool {
		t := item.Get("type").String()
		// function_call is executed by the caller, not billed by the vendor.
		if strings.HasSuffix(t, "_call") && t != "function_call" {
			calls[t]++
		}
		return true
	})
	if len(calls) > 0 {
		u.ToolCalls = calls
	}
}

func (a *Responses) TransformResponseBody(body []byte) ([]byte, error) { return body, nil }
