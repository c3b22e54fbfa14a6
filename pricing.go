package relay

import "github.com/shopspring/decimal"

var perMillion = decimal.NewFromInt(1_000_000)

// Pricing is a backend's list price in USD per million tokens.
type Pricing struct {
	InputPerMTok  decimal.Decimal `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok decimal.Decimal `yaml:"output_per_mtok" json:"output_per_mtok"`
}

// Cost computes the dollar cost of a call.
func (p Pricing) Cost(u Usage) decimal.Decimal {
	in := decimal.NewFromInt(u.InputTokens).Mul(p.InputPerMTok)
	out := decimal.NewFromInt(u.OutputTokens).Mul(p.OutputPerMTok)
	return in.Add(out).Div(perMillion)
}
