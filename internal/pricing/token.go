package pricing

import (
	"fmt"
	"strings"
)

// Token describes a payment token kind: the chain's native coin or a
// USD-pegged stable unit.
type Token struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	// Pegged tokens are fixed at $1.00 and never hit the price feed.
	Pegged bool `json:"pegged"`
	// FeedID is the CoinGecko asset id for non-pegged tokens.
	FeedID string `json:"feed_id,omitempty"`
}

// NativeToken returns the chain's native coin at the given decimal precision.
func NativeToken(decimals uint8) Token {
	return Token{Symbol: "ETH", Decimals: decimals, FeedID: "ethereum"}
}

// StableToken returns the USD-pegged unit at the given decimal precision.
func StableToken(decimals uint8) Token {
	return Token{Symbol: "USDC", Decimals: decimals, Pegged: true}
}

// ParseToken resolves a caller-supplied symbol to a supported token kind.
func ParseToken(symbol string, nativeDecimals, stableDecimals uint8) (Token, error) {
	switch strings.ToUpper(strings.TrimSpace(symbol)) {
	case "", "ETH", "NATIVE":
		return NativeToken(nativeDecimals), nil
	case "USDC", "STABLE":
		return StableToken(stableDecimals), nil
	default:
		return Token{}, fmt.Errorf("unsupported payment token: %q", symbol)
	}
}
