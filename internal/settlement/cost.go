package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/mbd888/echo/internal/apierr"
	"github.com/mbd888/echo/internal/pricing"
	"github.com/mbd888/echo/internal/providers"
)

var (
	one         = decimal.NewFromInt(1)
	maxReferral = decimal.NewFromInt(2)
)

// Costs is the split of one charge. Total = Raw + AppProfit + EchoProfit and
// AppProfit = MarkupProfit + ReferralProfit.
type Costs struct {
	Raw            decimal.Decimal `json:"rawProviderCost"`
	AppProfit      decimal.Decimal `json:"appProfit"`
	MarkupProfit   decimal.Decimal `json:"markupProfit"`
	ReferralProfit decimal.Decimal `json:"referralProfit"`
	EchoProfit     decimal.Decimal `json:"echoProfit"`
	Total          decimal.Decimal `json:"totalCost"`
}

// Ratios are the pricing inputs for one caller.
type Ratios struct {
	Markup        decimal.Decimal
	Referral      decimal.Decimal
	HasReferral   bool
	AddEchoProfit bool
	// EchoFeeRate is the platform markup applied to the raw cost when
	// AddEchoProfit is set.
	EchoFeeRate decimal.Decimal
}

// ComputeCost prices usage against the row for model. Token, image,
// character and second units are summed, then built-in tool invocations are
// added on top. Tools without a listed price cost nothing.
func ComputeCost(table *pricing.Table, model string, usage *providers.Usage) (decimal.Decimal, error) {
	price, ok := table.PriceOf(model)
	if !ok {
		return decimal.Zero, apierr.NewUnknownModel(model)
	}
	cost := CostOf(price, usage)
	for tool, n := range usage.ToolCalls {
		if c, ok := table.ToolCost(tool); ok && n > 0 {
			cost = cost.Add(c.Mul(decimal.NewFromInt(int64(n))))
		}
	}
	return cost, nil
}

// CostOf prices usage against a single row, ignoring tool calls.
func CostOf(price pricing.Price, usage *providers.Usage) decimal.Decimal {
	cost := price.InputCostPerToken.Mul(decimal.NewFromInt(usage.InputTokens)).
		Add(price.OutputCostPerToken.Mul(decimal.NewFromInt(usage.OutputTokens)))

	if usage.Images > 0 {
		if per, ok := price.ImagePrice(usage.ImageSize); ok {
			cost = cost.Add(per.Mul(decimal.NewFromInt(usage.Images)))
		}
	}
	if usage.Characters > 0 {
		cost = cost.Add(price.PerCharacter.Mul(decimal.NewFromInt(usage.Characters)))
	}
	if usage.Seconds > 0 {
		cost = cost.Add(price.PerSecond.Mul(decimal.NewFromFloat(usage.Seconds)))
	}
	return cost
}

// ComputeTransactionCosts splits raw into the app's markup, the referrer's
// share of it and the platform fee. Ratios below 1 are rejected.
func ComputeTransactionCosts(raw decimal.Decimal, r Ratios) (Costs, error) {
	if raw.IsNegative() {
		return Costs{}, apierr.NewValidation("raw provider cost must not be negative (got %s)", raw)
	}
	if r.Markup.LessThan(one) {
		return Costs{}, apierr.NewValidation("markup ratio must be >= 1.0 (got %s)", r.Markup)
	}
	referral := r.Referral
	if referral.IsZero() && !r.HasReferral {
		referral = one
	}
	if referral.LessThan(one) {
		return Costs{}, apierr.NewValidation("referral ratio must be >= 1.0 (got %s)", referral)
	}
	// Above 2 the referrer's share would exceed the app's profit.
	if r.HasReferral && referral.GreaterThan(maxReferral) {
		return Costs{}, apierr.NewValidation("referral ratio must be <= 2.0 (got %s)", referral)
	}
	if r.EchoFeeRate.IsNegative() {
		return Costs{}, apierr.NewValidation("echo fee rate must not be negative (got %s)", r.EchoFeeRate)
	}

	appProfit := raw.Mul(r.Markup.Sub(one))
	referralProfit := decimal.Zero
	if r.HasReferral {
		referralProfit = appProfit.Mul(referral.Sub(one))
	}
	echoProfit := decimal.Zero
	if r.AddEchoProfit {
		echoProfit = raw.Mul(r.EchoFeeRate)
	}

	return Costs{
		Raw:            raw,
		AppProfit:      appProfit,
		MarkupProfit:   appProfit.Sub(referralProfit),
		ReferralProfit: referralProfit,
		EchoProfit:     echoProfit,
		Total:          raw.Add(appProfit).Add(echoProfit),
	}, nil
}
