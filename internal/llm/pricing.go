package llm

import "fmt"

// Pricing is a model's token prices in micro-USD per million tokens
// (1 USD = 1e6 micro-USD), kept as integers so cost computation never
// touches floating point.
type Pricing struct {
	InputPerMillionMicroUSD  int64
	OutputPerMillionMicroUSD int64
}

// pricingTable maps model names to prices. Unknown models fall back to
// defaultPricing, which is deliberately on the expensive side so unpriced
// models burn budget faster rather than slower.
var pricingTable = map[string]Pricing{
	"gpt-3.5-turbo":  {InputPerMillionMicroUSD: 500_000, OutputPerMillionMicroUSD: 1_500_000},
	"gpt-4o-mini":    {InputPerMillionMicroUSD: 150_000, OutputPerMillionMicroUSD: 600_000},
	"gpt-4o":         {InputPerMillionMicroUSD: 2_500_000, OutputPerMillionMicroUSD: 10_000_000},
	"gemini-2.0-flash": {InputPerMillionMicroUSD: 100_000, OutputPerMillionMicroUSD: 400_000},
}

var defaultPricing = Pricing{
	InputPerMillionMicroUSD:  2_500_000,
	OutputPerMillionMicroUSD: 10_000_000,
}

// Cost computes the nano-USD cost of a completion. With prices expressed
// per million tokens in micro-USD, tokens * price / 1000 is exact in
// nano-USD for any whole-tenth-of-a-cent price; sub-nano remainders
// truncate.
func Cost(model string, u Usage) int64 {
	p, ok := pricingTable[model]
	if !ok {
		p = defaultPricing
	}
	in := int64(u.PromptTokens) * p.InputPerMillionMicroUSD / 1000
	out := int64(u.CompletionTokens) * p.OutputPerMillionMicroUSD / 1000
	return in + out
}

// FormatUSD renders a nano-USD amount as a dollar string with six decimal
// places, rounding half up, e.g. 12500 -> "0.000013".
func FormatUSD(nanoUSD int64) string {
	micro := (nanoUSD + 500) / 1000
	return fmt.Sprintf("%d.%06d", micro/1_000_000, micro%1_000_000)
}
