package domain

import "strings"

var DefaultSupportedSymbols = []string{
	"BTCUSDT",
	"ETHUSDT",
	"SOLUSDT",
	"BNBUSDT",
	"XRPUSDT",
	"ADAUSDT",
	"DOGEUSDT",
	"AVAXUSDT",
	"LINKUSDT",
	"DOTUSDT",
}

var symbolReplacer = strings.NewReplacer("/", "", "-", "", "_", "", " ", "")

// NormalizeSymbol upper-cases and strips separators: "btc/usdt" -> "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(symbolReplacer.Replace(strings.TrimSpace(symbol)))
}
