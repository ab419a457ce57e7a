package providers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mbd888/echo/internal/apierr"
	"github.com/mbd888/echo/internal/pricing"
)

var ctx = context.Background()

func chatReq(model string, stream bool) *CanonicalRequest {
	return &CanonicalRequest{Model: model, Stream: stream, Kind: KindChat, Body: []byte(`{"model":"` + model + `"}`)}
}

func TestOpenAIChat_StreamedTotalMatchesNonStreamed(t *testing.T) {
	a := NewOpenAIChat(pricing.ProviderOpenAI, Credentials{})

	body := []byte(`{"id":"chatcmpl-1","model":"gpt-3.5-turbo","usage":{"prompt_tokens":5,"completion_tokens":10,"total_tokens":15}}`)
	flat, err := a.ParseResponse(ctx, chatReq("gpt-3.5-turbo", false), body, false)
	require.NoError(t, err)

	stream := strings.Join([]string{
		`data: {"id":"chatcmpl-1","model":"gpt-3.5-turbo","choices":[{"delta":{"content":"hi"}}],"usage":null}`,
		``,
		`data: {"id":"chatcmpl-1","model":"gpt-3.5-turbo","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":10,"total_tokens":15}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")
	streamed, err := a.ParseResponse(ctx, chatReq("gpt-3.5-turbo", true), []byte(stream), true)
	require.NoError(t, err)

	assert.Equal(t, int64(15), flat.TotalTokens)
	assert.Equal(t, flat.TotalTokens, streamed.TotalTokens)
	assert.Equal(t, flat.InputTokens, streamed.InputTokens)
	assert.Equal(t, "chatcmpl-1", streamed.ProviderMessageID)
	assert.Zero(t, streamed.SkippedEvents)
}

func TestOpenAIChat_SkipsBrokenEvents(t *testing.T) {
	a := NewOpenAIChat(pricing.ProviderOpenAI, Credentials{})
	stream := "data: {not json\r\n\r\ndata: {\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":4}}\r\n\r\n"

	u, err := a.ParseResponse(ctx, chatReq("gpt-4o", true), []byte(stream), true)
	require.NoError(t, err)
	assert.Equal(t, 1, u.SkippedEvents)
	assert.Equal(t, int64(7), u.TotalTokens)
}

func TestOpenAIChat_NonStreamingMalformed(t *testing.T) {
	a := NewOpenAIChat(pricing.ProviderOpenAI, Credentials{})
	_, err := a.ParseResponse(ctx, chatReq("gpt-4o", false), []byte("nope"), false)
	assert.ErrorIs(t, err, ErrMalformedBody)
}

func TestOpenAIChat_InjectsStreamUsage(t *testing.T) {
	a := NewOpenAIChat(pricing.ProviderOpenAI, Credentials{APIKey: "sk-up", BaseURL: "https://up.example/v1/"})
	req := &CanonicalRequest{Model: "gpt-4o", Stream: true, Body: []byte(`{"model":"gpt-4o","stream":true,"stream_options":{"foo":1}}`)}

	httpReq, err := a.BuildUpstreamRequest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "https://up.example/v1/chat/completions", httpReq.URL.String())
	assert.Equal(t, "Bearer sk-up", httpReq.Header.Get("Authorization"))

	sent, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"gpt-4o","stream":true,"stream_options":{"foo":1,"include_usage":true}}`, string(sent))
}

func TestAnthropic_StreamedTotalMatchesNonStreamed(t *testing.T) {
	a := NewAnthropicMessages(Credentials{})
	req := &CanonicalRequest{Model: "claude-3-5-haiku-20241022", Kind: KindMessages}

	body := []byte(`{"id":"msg_1","model":"claude-3-5-haiku-20241022","usage":{"input_tokens":20,"cache_read_input_tokens":5,"output_tokens":30}}`)
	flat, err := a.ParseResponse(ctx, req, body, false)
	require.NoError(t, err)

	stream := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-haiku-20241022","usage":{"input_tokens":20,"cache_read_input_tokens":5,"output_tokens":1}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"text":"hello"}}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","usage":{"output_tokens":30}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")
	streamed, err := a.ParseResponse(ctx, req, []byte(stream), true)
	require.NoError(t, err)

	assert.Equal(t, int64(55), flat.TotalTokens)
	assert.Equal(t, flat.TotalTokens, streamed.TotalTokens)
	assert.Equal(t, "msg_1", streamed.ProviderMessageID)
}

func TestAnthropic_DefaultsVersionHeader(t *testing.T) {
	a := NewAnthropicMessages(Credentials{APIKey: "ak", BaseURL: "https://api.anthropic.com/v1"})
	httpReq, err := a.BuildUpstreamRequest(ctx, &CanonicalRequest{Body: []byte(`{}`), Header: http.Header{}})
	require.NoError(t, err)
	assert.Equal(t, "ak", httpReq.Header.Get("x-api-key"))
	assert.Equal(t, anthropicAPIVersion, httpReq.Header.Get("anthropic-version"))
	assert.Equal(t, "https://api.anthropic.com/v1/messages", httpReq.URL.String())
}

func TestGemini_StreamedTotalMatchesNonStreamed(t *testing.T) {
	a := NewGemini(Credentials{})
	req := &CanonicalRequest{Model: "gemini-2.5-flash", Kind: KindGemini}

	body := []byte(`{"responseId":"r1","modelVersion":"gemini-2.5-flash","usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":12,"thoughtsTokenCount":4,"totalTokenCount":24}}`)
	flat, err := a.ParseResponse(ctx, req, body, false)
	require.NoError(t, err)
	assert.Equal(t, int64(16), flat.OutputTokens)

	array := `[{"candidates":[{}],"usageMetadata":{"promptTokenCount":8,"totalTokenCount":8}},
{"responseId":"r1","usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":12,"thoughtsTokenCount":4,"totalTokenCount":24}}]`
	fromArray, err := a.ParseResponse(ctx, req, []byte(array), true)
	require.NoError(t, err)

	sse := "data: {\"usageMetadata\":{\"promptTokenCount\":8}}\n\ndata: {\"usageMetadata\":{\"promptTokenCount\":8,\"candidatesTokenCount\":12,\"thoughtsTokenCount\":4,\"totalTokenCount\":24}}\n\n"
	fromSSE, err := a.ParseResponse(ctx, req, []byte(sse), true)
	require.NoError(t, err)

	assert.Equal(t, flat.TotalTokens, fromArray.TotalTokens)
	assert.Equal(t, flat.TotalTokens, fromSSE.TotalTokens)
	assert.Equal(t, "r1", fromArray.ProviderMessageID)
}

func TestGemini_TruncatedArrayKeepsCompleteChunks(t *testing.T) {
	a := NewGemini(Credentials{})
	raw := `[{"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":3,"totalTokenCount":5}},{"usageMeta`
	u, err := a.ParseResponse(ctx, &CanonicalRequest{Model: "gemini-2.0-flash"}, []byte(raw), true)
	require.NoError(t, err)
	assert.Equal(t, int64(5), u.TotalTokens)
	assert.Equal(t, 1, u.SkippedEvents)
}

func TestGemini_BuildsNativeURL(t *testing.T) {
	a := NewGemini(Credentials{APIKey: "gk", BaseURL: "https://generativelanguage.googleapis.com/v1beta"})
	req := &CanonicalRequest{Model: "models/gemini-2.0-flash", Stream: true, Body: []byte(`{}`)}
	req.Query = map[string][]string{"alt": {"sse"}, "key": {"leaked"}}

	httpReq, err := a.BuildUpstreamRequest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse", httpReq.URL.String())
	assert.Equal(t, "gk", httpReq.Header.Get("x-goog-api-key"))
}

func TestResponses_CountsHostedToolCalls(t *testing.T) {
	a := NewResponses(Credentials{})
	req := &CanonicalRequest{Model: "gpt-4o", Kind: KindResponses}
	obj := `{"id":"resp_1","model":"gpt-4o","usage":{"input_tokens":10,"output_tokens":5,"total_tokens":15},
"output":[{"type":"web_search_call"},{"type":"web_search_call"},{"type":"function_call"},{"type":"message"}]}`

	flat, err := a.ParseResponse(ctx, req, []byte(obj), false)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"web_search_call": 2}, flat.ToolCalls)

	stream := "event: response.created\ndata: {\"type\":\"response.created\",\"response\":{\"id\":\"resp_1\"}}\n\n" +
		"event: response.completed\ndata: {\"type\":\"response.completed\",\"response\":" + strings.ReplaceAll(obj, "\n", "") + "}\n\n"
	streamed, err := a.ParseResponse(ctx, req, []byte(stream), true)
	require.NoError(t, err)
	assert.Equal(t, flat.TotalTokens, streamed.TotalTokens)
	assert.Equal(t, flat.ToolCalls, streamed.ToolCalls)
}

type prefixSigner struct{ err error }

func (s prefixSigner) SignURL(raw string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return raw + "?sig=1", nil
}

func TestImage_ParseAndTransform(t *testing.T) {
	a := NewImage(Credentials{}, prefixSigner{})
	req := &CanonicalRequest{Model: "dall-e-3", Body: []byte(`{"model":"dall-e-3","size":"1792x1024"}`)}
	body := []byte(`{"data":[{"url":"https://img/1"},{"url":"https://img/2"}]}`)

	out, err := a.TransformResponseBody(body)
	require.NoError(t, err)
	assert.Contains(t, string(out), "https://img/2?sig=1")

	u, err := a.ParseResponse(ctx, req, out, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.Images)
	assert.Equal(t, "1792x1024", u.ImageSize)

	_, err = NewImage(Credentials{}, prefixSigner{err: errors.New("boom")}).TransformResponseBody(body)
	assert.Error(t, err)
}

func TestCheckPriced_ImageSize(t *testing.T) {
	table := pricing.MustLoad("")
	route, err := Resolve(table, "dall-e-3", "/v1/images/generations")
	require.NoError(t, err)

	assert.NoError(t, CheckPriced(route, &CanonicalRequest{Body: []byte(`{"size":"1792x1024"}`)}))
	assert.NoError(t, CheckPriced(route, &CanonicalRequest{Body: []byte(`{"size":"auto"}`)}), "auto bills at the default size")

	err = CheckPriced(route, &CanonicalRequest{Body: []byte(`{"size":"640x480"}`)})
	assert.ErrorIs(t, err, apierr.Validation)
	assert.Contains(t, err.Error(), "640x480")

	chat, err := Resolve(table, "gpt-4o", "/v1/chat/completions")
	require.NoError(t, err)
	assert.NoError(t, CheckPriced(chat, &CanonicalRequest{Body: []byte(`{"size":"640x480"}`)}))
}

func TestSpeech_CountsRunes(t *testing.T) {
	u, err := NewSpeech(Credentials{}).ParseResponse(ctx, &CanonicalRequest{Model: "tts-1", Body: []byte(`{"input":"héllo"}`)}, []byte{0xff, 0xfb}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(5), u.Characters)
}

func TestTranscription_Duration(t *testing.T) {
	a := NewTranscription(Credentials{})
	u, err := a.ParseResponse(ctx, &CanonicalRequest{Model: "whisper-1"}, []byte(`{"text":"hi","duration":12.5}`), false)
	require.NoError(t, err)
	assert.Equal(t, 12.5, u.Seconds)

	_, err = a.ParseResponse(ctx, &CanonicalRequest{Model: "whisper-1"}, []byte(`hi`), false)
	assert.ErrorIs(t, err, ErrNoUsage)
}

func TestResolve(t *testing.T) {
	tbl := pricing.MustLoad("")

	tests := []struct {
		name     string
		model    string
		path     string
		wantType Type
		wantProv string
		wantKind apierr.Kind
	}{
		{"openai native", "gpt-4o", "/v1/chat/completions", TypeOpenAIChat, "openai", ""},
		{"anthropic messages", "claude-3-5-haiku-20241022", "/v1/messages", TypeAnthropicMessages, "anthropic", ""},
		{"anthropic via chat", "claude-3-5-haiku-20241022", "/v1/chat/completions", TypeOpenAIChat, "anthropic", ""},
		{"gemini native", "gemini-2.0-flash", "/v1beta/models/gemini-2.0-flash:generateContent", TypeGemini, "gemini", ""},
		{"responses", "gpt-4o", "/v1/responses", TypeResponses, "openai", ""},
		{"image", "dall-e-3", "/v1/images/generations", TypeImage, "openai", ""},
		{"speech", "tts-1", "/v1/audio/speech", TypeSpeech, "openai", ""},
		{"transcription", "whisper-1", "/v1/audio/transcriptions", TypeTranscription, "openai", ""},
		{"responses rejects anthropic", "claude-3-5-haiku-20241022", "/v1/responses", 0, "", apierr.KindValidation},
		{"unknown model", "not-a-real-model", "/v1/chat/completions", 0, "", apierr.KindUnknownModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Resolve(tbl, tt.model, tt.path)
			if tt.wantKind != "" {
				var ae *apierr.Error
				require.ErrorAs(t, err, &ae)
				assert.Equal(t, tt.wantKind, ae.Kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, r.Type)
			assert.Equal(t, tt.wantProv, r.Provider)
		})
	}
}

func TestUnknownModel_NoUpstreamCall(t *testing.T) {
	var calls int
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer up.Close()

	_, err := Resolve(pricing.MustLoad(""), "not-a-real-model", "/v1/chat/completions")
	assert.ErrorIs(t, err, apierr.UnknownModel)
	assert.Equal(t, 0, calls)
}

func TestRegistry_AdapterPerProvider(t *testing.T) {
	reg := NewRegistry(Config{
		OpenAI:    Credentials{BaseURL: "https://api.openai.com/v1"},
		Anthropic: Credentials{BaseURL: "https://api.anthropic.com/v1"},
		Gemini:    Credentials{BaseURL: "https://generativelanguage.googleapis.com/v1beta"},
	})

	a, err := reg.Adapter(Route{Type: TypeOpenAIChat, Provider: "gemini"})
	require.NoError(t, err)
	httpReq, err := a.BuildUpstreamRequest(ctx, &CanonicalRequest{Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions", httpReq.URL.String())

	_, err = reg.Adapter(Route{Type: TypeResponses, Provider: "gemini"})
	assert.ErrorIs(t, err, apierr.Validation)
}

func TestNewCanonicalRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("anthropic-beta", "tools")
	req, err := NewCanonicalRequest(r, []byte(`{"model":"gpt-4o","stream":true}`))
	require.NoError(t, err)
	assert.Equal(t, KindChat, req.Kind)
	assert.True(t, req.Stream)
	assert.Equal(t, "tools", req.Header.Get("anthropic-beta"))

	r = httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse", nil)
	req, err = NewCanonicalRequest(r, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", req.Model)
	assert.True(t, req.Stream)

	_, err = NewCanonicalRequest(httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil), []byte(`{}`))
	assert.ErrorIs(t, err, ErrMissingModel)
}

func TestNewCanonicalRequest_MultipartModel(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("model", "whisper-1"))
	fw, err := mw.CreateFormFile("file", "a.wav")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("RIFF"))
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", nil)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	req, err := NewCanonicalRequest(r, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "whisper-1", req.Model)
	assert.Equal(t, KindAudio, req.Kind)
}

func TestHMACSigner_SignsImageURLs(t *testing.T) {
	signer, err := NewHMACSigner("https://media.echo.example/v1/asset", "secret", time.Hour)
	require.NoError(t, err)
	signer.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	img := NewImage(Credentials{}, signer)
	out, err := img.TransformResponseBody([]byte(`{"data":[{"url":"https://cdn.upstream.example/img.png"},{"b64_json":"AAAA"}]}`))
	require.NoError(t, err)

	signed, err := url.Parse(gjson.GetBytes(out, "data.0.url").String())
	require.NoError(t, err)
	assert.Equal(t, "media.echo.example", signed.Host)
	assert.Equal(t, "/v1/asset", signed.Path)

	q := signed.Query()
	assert.Equal(t, "https://cdn.upstream.example/img.png", q.Get("url"))
	assert.Equal(t, "1700003600", q.Get("expires"))

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("https://cdn.upstream.example/img.png|1700003600"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), q.Get("sig"))

	assert.Equal(t, "AAAA", gjson.GetBytes(out, "data.1.b64_json").String(), "inline images untouched")
}

func TestNewHMACSigner_RejectsBadConfig(t *testing.T) {
	_, err := NewHMACSigner("not a url", "secret", time.Hour)
	assert.Error(t, err)
	_, err = NewHMACSigner("https://media.echo.example", "", time.Hour)
	assert.Error(t, err)
}
