package providers

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// Gemini speaks the native generateContent / streamGenerateContent dialect.
type Gemini struct {
	creds Credentials
}

// NewGemini creates the native Gemini adapter.
func NewGemini(creds Credentials) *Gemini {
	return &Gemini{creds: creds}
}

func (a *Gemini) Type() Type              { return TypeGemini }
func (a *Gemini) Provider() string        { return "gemini" }
func (a *Gemini) SupportsStreaming() bool { return true }

func (a *Gemini) BuildUpstreamRequest(ctx context.Context, req *CanonicalRequest) (*http.Request, error) {
	action := "generateContent"
	if req.Stream {
		action = "streamGenerateContent"
	}
	model := strings.TrimPrefix(req.Model, "models/")
	endpoint := strings.TrimRight(a.creds.BaseURL, "/") + "/models/" + url.PathEscape(model) + ":" + action

	q := url.Values{}
	for k, vs := range req.Query {
		if k == "key" {
			continue
		}
		q[k] = vs
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	httpReq, err := newUpstreamRequest(ctx, endpoint, req, req.Body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-goog-api-key", a.creds.APIKey)
	return httpReq, nil
}

// ParseResponse accepts a single object, a JSON array of chunks (the default
// stream framing) or SSE data lines (alt=sse). The last usageMetadata wins.
func (a *Gemini) ParseResponse(ctx context.Context, req *CanonicalRequest, raw []byte, streaming bool) (*Usage, error) {
	u := &Usage{Model: req.Model}
	trimmed := bytes.TrimSpace(raw)

	switch {
	case len(trimmed) > 0 && trimmed[0] == '{':
		if !gjson.ValidBytes(trimmed) {
			return nil, ErrMalformedBody
		}
		readGeminiChunk(u, gjson.ParseBytes(trimmed))
	case len(trimmed) > 0 && trimmed[0] == '[':
		if gjson.ValidBytes(trimmed) {
			gjson.ParseBytes(trimmed).ForEach(func(_, chunk gjson.Result) bool {
				readGeminiChunk(u, chunk)
				return true
			})
		} else if !streaming {
			return nil, ErrMalformedBody
		} else {
			readGeminiArrayLenient(ctx, u, trimmed)
		}
	default:
		if !streaming {
			return nil, ErrMalformedBody
		}
		forEachSSE(raw, func(ev sseEvent) {
			if !gjson.ValidBytes(ev.Data) {
				skipEvent(ctx, u, a.Type().String(), ev.Data)
				return
			}
			readGeminiChunk(u, gjson.ParseBytes(ev.Data))
		})
	}
	u.fillTotal()
	return u, nil
}

// readGeminiArrayLenient handles an array stream whose tail was cut short:
// each top-level element is decoded on its own and broken ones are skipped.
func readGeminiArrayLenient(ctx context.Context, u *Usage, raw []byte) {
	body := bytes.TrimSuffix(bytes.TrimPrefix(raw, []byte("[")), []byte("]"))
	depth, start := 0, -1
	inString, escaped := false, false
	for i, c := range body {
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			if depth == 0 {
				start = i
			}
			depth++
		case c == '}':
			depth--
			if depth == 0 && start >= 0 {
				elem := body[start : i+1]
				if gjson.ValidBytes(elem) {
					readGeminiChunk(u, gjson.ParseBytes(elem))
				} else {
					skipEvent(ctx, u, TypeGemini.String(), elem)
				}
				start = -1
			}
		}
	}
	if depth != 0 && start >= 0 {
		skipEvent(ctx, u, TypeGemini.String(), body[start:])
	}
}

func readGeminiChunk(u *Usage, chunk gjson.Result) {
	if id := chunk.Get("responseId").String(); id != "" {
		u.ProviderMessageID = id
	}
	if m := chunk.Get("modelVersion").String(); m != "" {
		u.Model = m
	}
	meta := chunk.Get("usageMetadata")
	if !meta.IsObject() {
		return
	}
	u.InputTokens = meta.Get("promptTokenCount").Int()
	u.OutputTokens = meta.Get("candidatesTokenCount").Int() + meta.Get("thoughtsTokenCount").Int()
	u.TotalTokens = meta.Get("totalTokenCount").Int()
}

func (a *Gemini) TransformResponseBody(body []byte) ([]byte, error) { return body, nil }
