package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const defaultImageSize = "1024x1024"

// URLSigner rewrites a generated-asset URL before the client sees it, for
// example to re-host it behind a signed CDN link.
type URLSigner interface {
	SignURL(raw string) (string, error)
}

// ImageSize is the size an image request bills at; an omitted or "auto"
// size is the API's default.
func ImageSize(body []byte) string {
	size := gjson.GetBytes(body, "size").String()
	if size == "" || size == "auto" {
		return defaultImageSize
	}
	return size
}

// Image meters OpenAI image generation per image at the requested size.
type Image struct {
	creds  Credentials
	signer URLSigner
}

// NewImage creates the image adapter. signer may be nil.
func NewImage(creds Credentials, signer URLSigner) *Image {
	return &Image{creds: creds, signer: signer}
}

func (a *Image) Type() Type              { return TypeImage }
func (a *Image) Provider() string        { return "openai" }
func (a *Image) SupportsStreaming() bool { return false }

func (a *Image) BuildUpstreamRequest(ctx context.Context, req *CanonicalRequest) (*http.Request, error) {
	httpReq, err := newUpstreamRequest(ctx, strings.TrimRight(a.creds.BaseURL, "/")+"/images/generations", req, req.Body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.creds.APIKey)
	return httpReq, nil
}

func (a *Image) ParseResponse(ctx context.Context, req *CanonicalRequest, raw []byte, streaming bool) (*Usage, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrMalformedBody
	}
	u := &Usage{Model: req.Model, ImageSize: ImageSize(req.Body)}

	if data := gjson.GetBytes(raw, "data"); data.IsArray() {
		u.Images = int64(len(data.Array()))
	} else if n := gjson.GetBytes(req.Body, "n"); n.Exists() {
		u.Images = n.Int()
	} else {
		u.Images = 1
	}
	return u, nil
}

// TransformResponseBody re-signs every data[].url when a signer is configured.
func (a *Image) TransformResponseBody(body []byte) ([]byte, error) {
	if a.signer == nil {
		return body, nil
	}
	out := body
	var signErr error
	gjson.GetBytes(body, "data").ForEach(func(idx, item gjson.Result) bool {
		raw := item.Get("url").String()
		if raw == "" {
			return true
		}
		signed, err := a.signer.SignURL(raw)
		if err != nil {
			signErr = fmt.Errorf("providers: sign image url: %w", err)
			return false
		}
		out, err = sjson.SetBytes(out, fmt.Sprintf("data.%d.url", idx.Int()), signed)
		if err != nil {
			signErr = err
			return false
		}
		return true
	})
	if signErr != nil {
		return nil, signErr
	}
	return out, nil
}

// Speech meters text-to-speech by the characters of the input text. The
// response is audio and is never parsed.
type Speech struct {
	creds Credentials
}

// NewSpeech creates the text-to-speech adapter.
func NewSpeech(creds Credentials) *Speech {
	return &Speech{creds: creds}
}

func (a *Speech) Type() Type              { return TypeSpeech }
func (a *Speech) Provider() string        { return "openai" }
func (a *Speech) SupportsStreaming() bool { return false }

func (a *Speech) BuildUpstreamRequest(ctx context.Context, req *CanonicalRequest) (*http.Request, error) {
	httpReq, err := newUpstreamRequest(ctx, strings.TrimRight(a.creds.BaseURL, "/")+"/audio/speech", req, req.Body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.creds.APIKey)
	return httpReq, nil
}

func (a *Speech) ParseResponse(_ context.Context, req *CanonicalRequest, _ []byte, _ bool) (*Usage, error) {
	input := gjson.GetBytes(req.Body, "input")
	if !input.Exists() {
		return nil, ErrNoUsage
	}
	return &Usage{
		Model:      req.Model,
		Characters: int64(utf8.RuneCountInString(input.String())),
	}, nil
}

func (a *Speech) TransformResponseBody(body []byte) ([]byte, error) { return body, nil }

// Transcription meters speech-to-text by the audio duration in seconds.
type Transcription struct {
	creds Credentials
}

// NewTranscription creates the speech-to-text adapter.
func NewTranscription(creds Credentials) *Transcription {
	return &Transcription{creds: creds}
}

func (a *Transcription) Type() Type              { return TypeTranscription }
func (a *Transcription) Provider() string        { return "openai" }
func (a *Transcription) SupportsStreaming() bool { return false }

func (a *Transcription) BuildUpstreamRequest(ctx context.Context, req *CanonicalRequest) (*http.Request, error) {
	httpReq, err := newUpstreamRequest(ctx, strings.TrimRight(a.creds.BaseURL, "/")+"/audio/transcriptions", req, req.Body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.creds.APIKey)
	return httpReq, nil
}

// ParseResponse needs a verbose_json body or a usage block; plain-text
// transcripts carry no duration.
func (a *Transcription) ParseResponse(_ context.Context, req *CanonicalRequest, raw []byte, _ bool) (*Usage, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrNoUsage
	}
	u := &Usage{Model: req.Model}
	switch {
	case gjson.GetBytes(raw, "usage.seconds").Exists():
		u.Seconds = gjson.GetBytes(raw, "usage.seconds").Float()
	case gjson.GetBytes(raw, "duration").Exists():
		u.Seconds = gjson.GetBytes(raw, "duration").Float()
	default:
		return nil, ErrNoUsage
	}
	if usage := gjson.GetBytes(raw, "usage"); usage.Get("input_tokens").Exists() {
		u.InputTokens = usage.Get("input_tokens").Int()
		u.OutputTokens = usage.Get("output_tokens").Int()
		u.fillTotal()
	}
	return u, nil
}

func (a *Transcription) TransformResponseBody(body []byte) ([]byte, error) { return body, nil }
