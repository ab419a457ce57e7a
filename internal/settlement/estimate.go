package settlement

import (
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/mbd888/echo/internal/auth"
	"github.com/mbd888/echo/internal/providers"
)

const (
	// DefaultMaxOutputTokens caps the output estimate when the request sets
	// no explicit limit.
	DefaultMaxOutputTokens = 4096
	// bytesPerToken is a rough prompt-size heuristic.
	bytesPerToken = 4
	// maxTranscriptionSeconds bounds the transcription estimate.
	maxTranscriptionSeconds = 600
)

// EstimateMaxCost bounds what req can cost before it is sent, for the x402
// payment challenge. x402 payers belong to no app, so no markup applies.
func (s *Service) EstimateMaxCost(route providers.Route, req *providers.CanonicalRequest) (decimal.Decimal, error) {
	return s.estimate(route, req, Ratios{
		Markup:        one,
		AddEchoProfit: s.opts.EchoFeeRate.IsPositive(),
		EchoFeeRate:   s.opts.EchoFeeRate,
	})
}

// EstimateCost bounds what req can cost caller, with the app's markup and
// referral ratios applied. It sizes the free-tier admission check.
func (s *Service) EstimateCost(caller *auth.Caller, route providers.Route, req *providers.CanonicalRequest) (decimal.Decimal, error) {
	return s.estimate(route, req, s.Ratios(caller))
}

// estimate sizes the prompt by body length and the output by the request's
// own token limit.
func (s *Service) estimate(route providers.Route, req *providers.CanonicalRequest, ratios Ratios) (decimal.Decimal, error) {
	raw := CostOf(route.Price, estimateUsage(route, req))
	costs, err := ComputeTransactionCosts(raw, ratios)
	if err != nil {
		return decimal.Zero, err
	}
	return costs.Total, nil
}

func estimateUsage(route providers.Route, req *providers.CanonicalRequest) *providers.Usage {
	u := &providers.Usage{Model: route.Model}
	switch route.Type {
	case providers.TypeImage:
		u.Images = gjson.GetBytes(req.Body, "n").Int()
		if u.Images <= 0 {
			u.Images = 1
		}
		u.ImageSize = providers.ImageSize(req.Body)
	case providers.TypeSpeech:
		u.Characters = int64(utf8.RuneCountInString(gjson.GetBytes(req.Body, "input").String()))
	case providers.TypeTranscription:
		u.Seconds = maxTranscriptionSeconds
	default:
		u.InputTokens = int64(len(req.Body)/bytesPerToken) + 1
		u.OutputTokens = maxOutputTokens(req.Body)
	}
	return u
}

func maxOutputTokens(body []byte) int64 {
	for _, path := range []string{
		"max_completion_tokens", "max_tokens", "max_output_tokens", "generationConfig.maxOutputTokens",
	} {
		if v := gjson.GetBytes(body, path).Int(); v > 0 {
			return v
		}
	}
	return DefaultMaxOutputTokens
}
