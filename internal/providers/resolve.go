package providers

import (
	"strings"

	"github.com/mbd888/echo/internal/apierr"
	"github.com/mbd888/echo/internal/pricing"
)

// Route is the outcome of resolving one request: which dialect to speak,
// to which vendor, at which price.
type Route struct {
	Type     Type
	Provider string
	Model    string
	Price    pricing.Price
}

// Resolve picks the adapter for model, letting the inbound path override the
// vendor's native dialect. It never touches the network, so an unknown model
// fails before any upstream call.
func Resolve(table *pricing.Table, model, path string) (Route, error) {
	price, ok := table.PriceOf(model)
	if !ok {
		return Route{}, apierr.NewUnknownModel(model)
	}
	r := Route{Provider: price.Provider, Model: model, Price: price, Type: nativeType(price)}

	switch {
	case strings.HasSuffix(path, "/responses"):
		if price.Provider != pricing.ProviderOpenAI {
			return Route{}, apierr.NewValidation("model %s does not support the responses endpoint", model)
		}
		r.Type = TypeResponses
	case strings.HasSuffix(path, "/images/generations"):
		if len(price.PerImage) == 0 {
			return Route{}, apierr.NewValidation("model %s is not an image model", model)
		}
		r.Type = TypeImage
	case strings.HasSuffix(path, "/audio/speech"):
		if price.PerCharacter.IsZero() {
			return Route{}, apierr.NewValidation("model %s is not a speech model", model)
		}
		r.Type = TypeSpeech
	case strings.HasSuffix(path, "/audio/transcriptions"):
		if price.PerSecond.IsZero() {
			return Route{}, apierr.NewValidation("model %s is not a transcription model", model)
		}
		r.Type = TypeTranscription
	case strings.HasSuffix(path, "/messages"):
		if price.Provider != pricing.ProviderAnthropic {
			return Route{}, apierr.NewValidation("model %s does not support the messages endpoint", model)
		}
		r.Type = TypeAnthropicMessages
	case strings.HasSuffix(path, "/chat/completions"):
		if !price.IsTokenPriced() {
			return Route{}, apierr.NewValidation("model %s does not support chat completions", model)
		}
		r.Type = TypeOpenAIChat
	case strings.Contains(path, ":generateContent") || strings.Contains(path, ":streamGenerateContent"):
		if price.Provider != pricing.ProviderGemini {
			return Route{}, apierr.NewValidation("model %s does not support generateContent", model)
		}
		r.Type = TypeGemini
	}
	return r, nil
}

// CheckPriced rejects a request whose billable options have no price row,
// such as an image size the model does not list. Like Resolve it runs before
// any upstream call.
func CheckPriced(route Route, req *CanonicalRequest) error {
	if route.Type == TypeImage {
		size := ImageSize(req.Body)
		if _, ok := route.Price.ImagePrice(size); !ok {
			return apierr.NewValidation("model %s has no price for image size %s", route.Model, size)
		}
	}
	return nil
}

func nativeType(p pricing.Price) Type {
	switch {
	case len(p.PerImage) > 0:
		return TypeImage
	case !p.PerCharacter.IsZero():
		return TypeSpeech
	case !p.PerSecond.IsZero():
		return TypeTranscription
	}
	switch p.Provider {
	case pricing.ProviderAnthropic:
		return TypeAnthropicMessages
	case pricing.ProviderGemini:
		return TypeGemini
	default:
		return TypeOpenAIChat
	}
}

// Config carries upstream credentials for every vendor.
type Config struct {
	OpenAI    Credentials
	Anthropic Credentials
	Gemini    Credentials
	URLSigner URLSigner
}

type registryKey struct {
	t        Type
	provider string
}

// Registry holds one adapter per (dialect, vendor) pair.
type Registry struct {
	adapters map[registryKey]Adapter
}

// NewRegistry wires every adapter. Anthropic and Gemini additionally get an
// OpenAI-compatible chat adapter pointed at their compatibility endpoints.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{adapters: make(map[registryKey]Adapter)}
	geminiCompat := cfg.Gemini
	geminiCompat.BaseURL = strings.TrimRight(cfg.Gemini.BaseURL, "/") + "/openai"

	for _, a := range []Adapter{
		NewOpenAIChat(pricing.ProviderOpenAI, cfg.OpenAI),
		NewOpenAIChat(pricing.ProviderAnthropic, cfg.Anthropic),
		NewOpenAIChat(pricing.ProviderGemini, geminiCompat),
		NewAnthropicMessages(cfg.Anthropic),
		NewGemini(cfg.Gemini),
		NewResponses(cfg.OpenAI),
		NewImage(cfg.OpenAI, cfg.URLSigner),
		NewSpeech(cfg.OpenAI),
		NewTranscription(cfg.OpenAI),
	} {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.adapters[registryKey{a.Type(), a.Provider()}] = a
}

// Adapter returns the adapter serving route.
func (r *Registry) Adapter(route Route) (Adapter, error) {
	a, ok := r.adapters[registryKey{route.Type, route.Provider}]
	if !ok {
		return nil, apierr.NewValidation("no %s adapter for provider %s", route.Type, route.Provider)
	}
	return a, nil
}
