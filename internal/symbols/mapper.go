package symbols

import "strings"

// usdQuotes are quote assets valued at one US dollar.
var usdQuotes = map[string]bool{
	"USD":  true,
	"USDT": true,
	"USDC": true,
	"BUSD": true,
	"TUSD": true,
	"DAI":  true,
	"PAX":  true,
}

// Split breaks a ProBit market id such as "BTC-USDT" into base and quote.
func Split(pair string) (base, quote string, ok bool) {
	base, quote, ok = strings.Cut(strings.ToUpper(strings.TrimSpace(pair)), "-")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "-") {
		return "", "", false
	}
	return base, quote, true
}

// Join builds a ProBit market id from its assets.
func Join(base, quote string) string {
	return strings.ToUpper(base) + "-" + strings.ToUpper(quote)
}

// Compact converts "BTC-USDT" to "BTCUSDT", the form used in archive keys.
func Compact(pair string) string {
	return strings.ReplaceAll(strings.ToUpper(pair), "-", "")
}

// IsUSDQuote reports whether asset trades at par with the US dollar.
func IsUSDQuote(asset string) bool {
	return usdQuotes[strings.ToUpper(asset)]
}

// USDReferencePairs lists the markets that can price asset in dollars,
// most liquid first.
func USDReferencePairs(asset string) []string {
	asset = strings.ToUpper(asset)
	return []string{Join(asset, "USDT"), Join(asset, "USDC"), Join(asset, "USD")}
}
