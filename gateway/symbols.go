package gateway

import "strings"

// NormalizeSymbol converts exchange-specific instrument names to the common
// Binance-style format used throughout the pipeline.
// Example: okx BTC-USDT-SWAP -> BTCUSDT.
func NormalizeSymbol(exchange, sym string) string {
	switch strings.ToLower(exchange) {
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	}
	return strings.ToUpper(sym)
}

// ExchangeSymbol converts a common symbol back to the instrument name the
// exchange expects on its API.
func ExchangeSymbol(exchange, sym string) string {
	switch strings.ToLower(exchange) {
	case "okx":
		// BTCUSDT -> BTC-USDT-SWAP
		for _, quote := range []string{"USDT", "USDC", "USD"} {
			if strings.HasSuffix(sym, quote) {
				return strings.TrimSuffix(sym, quote) + "-" + quote + "-SWAP"
			}
		}
	}
	return sym
}
