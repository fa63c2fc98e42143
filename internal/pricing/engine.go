package pricing

import (
	"math/big"
	"strconv"

	"github.com/agenttrade/gateway/internal/usage"
)

var tokensPerMillion = big.NewRat(1_000_000, 1)

// Rates are the per-million-token USD rates charged for agent work.
type Rates struct {
	InputPerMillionUSD  float64 `json:"input_cost_per_million_usd"`
	OutputPerMillionUSD float64 `json:"output_cost_per_million_usd"`
}

// Quote is the priced, fee-split payout for one usage report. Amounts are
// integers in the token's smallest unit; FeeUnits + RecipientUnits always
// equals PayoutTotalUnits.
type Quote struct {
	USDCost       float64 `json:"usd_cost"`
	InputCostUSD  float64 `json:"input_cost_usd"`
	OutputCostUSD float64 `json:"output_cost_usd"`
	UnitPriceUSD  float64 `json:"unit_price_usd"`

	PayoutTotalUnits *big.Int `json:"payout_total_units"`
	FeeUnits         *big.Int `json:"fee_units"`
	RecipientUnits   *big.Int `json:"recipient_units"`
	FeeBps           int64    `json:"fee_bps"`

	Token    string `json:"token"`
	Decimals uint8  `json:"decimals"`
}

// Compute prices a normalized usage report. The fee is carved out of the
// total, never added on top: fee = floor(total * feeBps / 10000), recipient
// gets the remainder. A zero-cost report yields a valid zero quote.
//
// The conversion runs in exact rational arithmetic over the decimal
// renderings of the rates and price, flooring once at the end. Seeding
// from raw float64 bits instead would make quotes like $0.0075 land one
// smallest unit short.
func Compute(u usage.Report, rates Rates, token Token, unitPriceUSD float64, feeBps int64) Quote {
	inputCost := tokenCost(u.InputTokens, rates.InputPerMillionUSD)
	outputCost := tokenCost(u.OutputTokens, rates.OutputPerMillionUSD)
	usdCost := new(big.Rat).Add(inputCost, outputCost)

	total := usdToUnits(usdCost, decimalRat(unitPriceUSD), token.Decimals)

	// Integer division floors, which keeps the split exact.
	fee := new(big.Int).Mul(total, big.NewInt(feeBps))
	fee.Quo(fee, big.NewInt(10000))
	recipient := new(big.Int).Sub(total, fee)

	inF, _ := inputCost.Float64()
	outF, _ := outputCost.Float64()
	usdF, _ := usdCost.Float64()
	return Quote{
		USDCost:          usdF,
		InputCostUSD:     inF,
		OutputCostUSD:    outF,
		UnitPriceUSD:     unitPriceUSD,
		PayoutTotalUnits: total,
		FeeUnits:         fee,
		RecipientUnits:   recipient,
		FeeBps:           feeBps,
		Token:            token.Symbol,
		Decimals:         token.Decimals,
	}
}

// tokenCost is tokens * ratePerMillion / 1e6 as an exact rational.
func tokenCost(tokens uint64, ratePerMillionUSD float64) *big.Rat {
	cost := new(big.Rat).Mul(
		new(big.Rat).SetUint64(tokens),
		decimalRat(ratePerMillionUSD),
	)
	return cost.Quo(cost, tokensPerMillion)
}

// decimalRat reads a float by its shortest decimal rendering, so a
// configured rate of 2.50 means exactly 5/2.
func decimalRat(x float64) *big.Rat {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(x, 'f', -1, 64))
	if !ok {
		return new(big.Rat)
	}
	return r
}

// usdToUnits converts a USD cost into the token's smallest unit, rounding
// down on the final integer conversion.
func usdToUnits(usdCost, unitPriceUSD *big.Rat, decimals uint8) *big.Int {
	if usdCost.Sign() <= 0 || unitPriceUSD.Sign() <= 0 {
		return new(big.Int)
	}
	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	amount := new(big.Rat).Quo(usdCost, unitPriceUSD)
	amount.Mul(amount, new(big.Rat).SetInt(multiplier))

	// Both operands are non-negative, so Quo floors.
	return new(big.Int).Quo(amount.Num(), amount.Denom())
}

// DisplayAmount renders an integer unit amount in whole-token units for
// payment instructions (e.g. wei -> ETH).
func DisplayAmount(units *big.Int, decimals uint8) float64 {
	if units == nil {
		return 0
	}
	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	f := new(big.Float).SetInt(units)
	f.Quo(f, new(big.Float).SetInt(multiplier))
	out, _ := f.Float64()
	return out
}
