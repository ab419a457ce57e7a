// Package pricing holds the immutable model price table.
//
// The table is built once at boot from the embedded dataset (optionally
// overlaid with an operator-supplied file) and never mutated afterwards, so
// lookups need no locking.
package pricing

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

//go:embed models.json
var embedded []byte

// Provider names used in the dataset.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

var (
	ErrEmptyTable      = errors.New("pricing: table has no models")
	ErrUnknownProvider = errors.New("pricing: unknown provider")
	ErrNegativePrice   = errors.New("pricing: negative price")
	ErrNoPriceDefined  = errors.New("pricing: model row has no price")
)

// Price is one model's row. Token models set the per-token costs; image,
// speech and transcription models set the matching proxy unit instead.
type Price struct {
	Model              string                     `json:"model"`
	Provider           string                     `json:"provider"`
	InputCostPerToken  decimal.Decimal            `json:"input_cost_per_token"`
	OutputCostPerToken decimal.Decimal            `json:"output_cost_per_token"`
	PerImage           map[string]decimal.Decimal `json:"per_image,omitempty"`
	PerCharacter       decimal.Decimal            `json:"per_character"`
	PerSecond          decimal.Decimal            `json:"per_second"`
}

// IsTokenPriced reports whether the row carries per-token costs.
func (p Price) IsTokenPriced() bool {
	return !p.InputCostPerToken.IsZero() || !p.OutputCostPerToken.IsZero()
}

// ImagePrice returns the per-image price for size. Sizes without their own
// row are not priced.
func (p Price) ImagePrice(size string) (decimal.Decimal, bool) {
	v, ok := p.PerImage[size]
	return v, ok
}

type dataset struct {
	ToolCosts map[string]decimal.Decimal `json:"tool_costs"`
	Models    []Price                    `json:"models"`
}

// Table maps model ids to prices.
type Table struct {
	models    map[string]Price
	toolCosts map[string]decimal.Decimal
}

// Parse builds a table from a JSON dataset.
func Parse(data []byte) (*Table, error) {
	var ds dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("pricing: decode dataset: %w", err)
	}
	t := &Table{
		models:    make(map[string]Price, len(ds.Models)),
		toolCosts: make(map[string]decimal.Decimal, len(ds.ToolCosts)),
	}
	for name, cost := range ds.ToolCosts {
		if cost.IsNegative() {
			return nil, fmt.Errorf("%w: tool %s", ErrNegativePrice, name)
		}
		t.toolCosts[name] = cost
	}
	for _, p := range ds.Models {
		if err := validate(p); err != nil {
			return nil, err
		}
		t.models[p.Model] = p
	}
	if len(t.models) == 0 {
		return nil, ErrEmptyTable
	}
	return t, nil
}

// Load builds the embedded table and, if overlayPath is non-empty, merges
// the overlay's rows on top (overlay rows replace embedded rows by model id).
func Load(overlayPath string) (*Table, error) {
	base, err := Parse(embedded)
	if err != nil {
		return nil, err
	}
	if overlayPath == "" {
		return base, nil
	}
	data, err := os.ReadFile(overlayPath) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("pricing: read overlay: %w", err)
	}
	overlay, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return base.merge(overlay), nil
}

// MustLoad is Load for boot paths where a broken dataset is fatal.
func MustLoad(overlayPath string) *Table {
	t, err := Load(overlayPath)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) merge(o *Table) *Table {
	out := &Table{
		models:    make(map[string]Price, len(t.models)+len(o.models)),
		toolCosts: make(map[string]decimal.Decimal, len(t.toolCosts)+len(o.toolCosts)),
	}
	for k, v := range t.models {
		out.models[k] = v
	}
	for k, v := range o.models {
		out.models[k] = v
	}
	for k, v := range t.toolCosts {
		out.toolCosts[k] = v
	}
	for k, v := range o.toolCosts {
		out.toolCosts[k] = v
	}
	return out
}

// PriceOf returns the row for model. Provider-qualified ids such as
// "openai/gpt-4o" and Gemini's "models/gemini-2.0-flash" resolve to the bare id.
func (t *Table) PriceOf(model string) (Price, bool) {
	if p, ok := t.models[model]; ok {
		return p, true
	}
	if i := strings.LastIndex(model, "/"); i >= 0 {
		p, ok := t.models[model[i+1:]]
		return p, ok
	}
	return Price{}, false
}

// ToolCost returns the per-invocation price of a built-in tool.
func (t *Table) ToolCost(tool string) (decimal.Decimal, bool) {
	c, ok := t.toolCosts[tool]
	return c, ok
}

// Models returns the priced model ids in sorted order.
func (t *Table) Models() []string {
	out := make([]string, 0, len(t.models))
	for m := range t.models {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func validate(p Price) error {
	switch p.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
	default:
		return fmt.Errorf("%w: %q for model %s", ErrUnknownProvider, p.Provider, p.Model)
	}
	for _, d := range []decimal.Decimal{p.InputCostPerToken, p.OutputCostPerToken, p.PerCharacter, p.PerSecond} {
		if d.IsNegative() {
			return fmt.Errorf("%w: model %s", ErrNegativePrice, p.Model)
		}
	}
	for _, d := range p.PerImage {
		if d.IsNegative() {
			return fmt.Errorf("%w: model %s", ErrNegativePrice, p.Model)
		}
	}
	if !p.IsTokenPriced() && len(p.PerImage) == 0 && p.PerCharacter.IsZero() && p.PerSecond.IsZero() {
		return fmt.Errorf("%w: %s", ErrNoPriceDefined, p.Model)
	}
	return nil
}
