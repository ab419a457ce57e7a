// Package providers translates between the gateway's canonical request and
// each upstream LLM dialect, and extracts usage counters from raw upstream
// bytes for metering.
//
// Each dialect is a closed variant selected once per request by Resolve;
// the Registry maps the resolved Route to its Adapter.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// Type identifies one upstream wire dialect.
type Type int

const (
	TypeOpenAIChat Type = iota + 1
	TypeAnthropicMessages
	TypeGemini
	TypeResponses
	TypeImage
	TypeSpeech
	TypeTranscription
)

func (t Type) String() string {
	switch t {
	case TypeOpenAIChat:
		return "openai_chat"
	case TypeAnthropicMessages:
		return "anthropic_messages"
	case TypeGemini:
		return "gemini"
	case TypeResponses:
		return "responses"
	case TypeImage:
		return "image"
	case TypeSpeech:
		return "speech"
	case TypeTranscription:
		return "transcription"
	default:
		return "unknown"
	}
}

// Kind is the endpoint family of an inbound request.
type Kind string

const (
	KindChat      Kind = "chat"
	KindMessages  Kind = "messages"
	KindResponses Kind = "responses"
	KindGemini    Kind = "gemini"
	KindImage     Kind = "image"
	KindAudio     Kind = "audio"
)

var (
	ErrMissingModel  = errors.New("providers: request does not name a model")
	ErrMalformedBody = errors.New("providers: malformed response body")
	ErrUnsupported   = errors.New("providers: endpoint not supported")
	ErrNoUsage       = errors.New("providers: response carries no usage")
)

// CanonicalRequest is the caller's payload plus routing metadata.
type CanonicalRequest struct {
	Model       string
	Stream      bool
	Kind        Kind
	Path        string     // inbound path, e.g. /v1/chat/completions
	Query       url.Values // inbound query (Gemini alt=sse etc.)
	Body        []byte
	ContentType string
	Header      http.Header // pass-through headers the caller chose to send
}

// Usage is the metered outcome of one upstream response.
type Usage struct {
	Model             string         `json:"model"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	InputTokens       int64          `json:"input_tokens"`
	OutputTokens      int64          `json:"output_tokens"`
	TotalTokens       int64          `json:"total_tokens"`
	Characters        int64          `json:"characters,omitempty"`
	Images            int64          `json:"images,omitempty"`
	ImageSize         string         `json:"image_size,omitempty"`
	Seconds           float64        `json:"seconds,omitempty"`
	ToolCalls         map[string]int `json:"tool_calls,omitempty"`
	SkippedEvents     int            `json:"skipped_events,omitempty"`
}

func (u *Usage) fillTotal() {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
}

// Adapter owns exactly one upstream dialect.
type Adapter interface {
	Type() Type
	// Provider is the upstream vendor name ("openai", "anthropic", "gemini").
	Provider() string
	SupportsStreaming() bool
	BuildUpstreamRequest(ctx context.Context, req *CanonicalRequest) (*http.Request, error)
	// ParseResponse derives usage from the exact bytes the client received.
	// A bad streamed event is logged and skipped; a bad non-streaming body is
	// an error.
	ParseResponse(ctx context.Context, req *CanonicalRequest, raw []byte, streaming bool) (*Usage, error)
	// TransformResponseBody post-processes a non-streaming body before it is
	// forwarded (and parsed).
	TransformResponseBody(body []byte) ([]byte, error)
}

// Passthrough headers copied from the caller to the upstream.
var passthroughHeaders = []string{"anthropic-version", "anthropic-beta", "openai-organization", "openai-beta"}

// NewCanonicalRequest derives routing metadata from an inbound request.
func NewCanonicalRequest(r *http.Request, body []byte) (*CanonicalRequest, error) {
	req := &CanonicalRequest{
		Path:        r.URL.Path,
		Query:       r.URL.Query(),
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		Header:      http.Header{},
	}
	for _, h := range passthroughHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		req.Kind = KindChat
	case strings.HasSuffix(path, "/messages"):
		req.Kind = KindMessages
	case strings.HasSuffix(path, "/responses"):
		req.Kind = KindResponses
	case strings.HasSuffix(path, "/images/generations"):
		req.Kind = KindImage
	case strings.Contains(path, "/audio/"):
		req.Kind = KindAudio
	case strings.Contains(path, ":generateContent") || strings.Contains(path, ":streamGenerateContent"):
		req.Kind = KindGemini
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}

	switch req.Kind {
	case KindGemini:
		model, action, err := geminiModelAction(path)
		if err != nil {
			return nil, err
		}
		req.Model = model
		req.Stream = action == "streamGenerateContent"
	case KindAudio:
		if strings.HasPrefix(req.ContentType, "multipart/") {
			model, err := multipartField(req.ContentType, body, "model")
			if err != nil {
				return nil, err
			}
			req.Model = model
		} else {
			req.Model = gjson.GetBytes(body, "model").String()
		}
	default:
		if !gjson.ValidBytes(body) {
			return nil, fmt.Errorf("%w: request body is not JSON", ErrMalformedBody)
		}
		req.Model = gjson.GetBytes(body, "model").String()
		req.Stream = gjson.GetBytes(body, "stream").Bool()
	}

	if req.Model == "" {
		return nil, ErrMissingModel
	}
	return req, nil
}

// geminiModelAction splits ".../models/gemini-2.0-flash:streamGenerateContent".
func geminiModelAction(path string) (model, action string, err error) {
	i := strings.LastIndex(path, "/models/")
	if i < 0 {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
	rest := path[i+len("/models/"):]
	j := strings.LastIndex(rest, ":")
	if j <= 0 {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
	return rest[:j], rest[j+1:], nil
}
