package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/mbd888/echo/internal/logging"
)

// sseEvent is one server-sent event: an optional name and its joined data lines.
type sseEvent struct {
	Name string
	Data []byte
}

// forEachSSE walks every event in raw in order. Events are separated by a
// blank line; CRLF framing is accepted. A trailing event without the final
// blank line is still delivered.
func forEachSSE(raw []byte, fn func(ev sseEvent)) {
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	for _, block := range bytes.Split(raw, []byte("\n\n")) {
		var ev sseEvent
		var data [][]byte
		for _, line := range bytes.Split(block, []byte("\n")) {
			switch {
			case bytes.HasPrefix(line, []byte("event:")):
				ev.Name = strings.TrimSpace(string(line[len("event:"):]))
			case bytes.HasPrefix(line, []byte("data:")):
				data = append(data, bytes.TrimPrefix(line[len("data:"):], []byte(" ")))
			}
		}
		if len(data) == 0 {
			continue
		}
		ev.Data = bytes.Join(data, []byte("\n"))
		fn(ev)
	}
}

func isDone(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]"))
}

// skipEvent logs a streamed event that could not be parsed. Partial usage
// from the rest of the stream is still recorded.
func skipEvent(ctx context.Context, u *Usage, adapter string, data []byte) {
	u.SkippedEvents++
	preview := data
	if len(preview) > 120 {
		preview = preview[:120]
	}
	logging.L(ctx).Warn("skipping unparseable stream event",
		"adapter", adapter,
		"event", string(preview),
	)
}

// multipartField reads a single text field from a multipart body.
func multipartField(contentType string, body []byte, field string) (string, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		if part.FormName() == field && part.FileName() == "" {
			v, err := io.ReadAll(io.LimitReader(part, 4096))
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrMalformedBody, err)
			}
			return strings.TrimSpace(string(v)), nil
		}
	}
}

func newUpstreamRequest(ctx context.Context, url string, req *CanonicalRequest, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("providers: build upstream request: %w", err)
	}
	ct := req.ContentType
	if ct == "" {
		ct = "application/json"
	}
	httpReq.Header.Set("Content-Type", ct)
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Set(k, v)
		}
	}
	return httpReq, nil
}
