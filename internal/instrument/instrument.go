// Package instrument handles asset identifier parsing and validation for
// the instruments contracts can be opened on.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported asset classes.
const (
	ClassCrypto    = "CRYPTO"
	ClassStock     = "STOCK"
	ClassForex     = "FOREX"
	ClassCommodity = "COMMODITY"
)

var validClasses = map[string]bool{
	ClassCrypto:    true,
	ClassStock:     true,
	ClassForex:     true,
	ClassCommodity: true,
}

// assetRegex matches: {CLASS}-{SYMBOL}
// Example: CRYPTO-BTCUSD, STOCK-AAPL, FOREX-EURUSD, COMMODITY-XAUUSD
var assetRegex = regexp.MustCompile(`^([A-Z]+)-([A-Z0-9]{1,12})$`)

var (
	ErrInvalidAsset = errors.New("instrument: invalid asset id format")
	ErrInvalidClass = errors.New("instrument: unsupported asset class")
)

// Asset is a parsed instrument identifier.
type Asset struct {
	ID     string `json:"id"`
	Class  string `json:"class"`
	Symbol string `json:"symbol"`
}

// Parse parses and validates an asset identifier.
// Format: {CLASS}-{SYMBOL}
func Parse(id string) (*Asset, error) {
	matches := assetRegex.FindStringSubmatch(id)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {CLASS}-{SYMBOL})", ErrInvalidAsset, id)
	}

	class := matches[1]
	if !validClasses[class] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidClass, class)
	}

	return &Asset{
		ID:     id,
		Class:  class,
		Symbol: matches[2],
	}, nil
}

// DisplayName renders a human readable name, splitting six-letter
// currency pairs (BTCUSD -> BTC/USD) for crypto and forex.
func (a *Asset) DisplayName() string {
	if (a.Class == ClassCrypto || a.Class == ClassForex) && len(a.Symbol) == 6 {
		return a.Symbol[:3] + "/" + a.Symbol[3:]
	}
	if a.Class == ClassCrypto && strings.HasSuffix(a.Symbol, "USDT") && len(a.Symbol) > 4 {
		return strings.TrimSuffix(a.Symbol, "USDT") + "/USDT"
	}
	return a.Symbol
}

// ClassOf returns the asset class prefix of id without full validation.
// Used to group exposures; returns "" for malformed ids.
func ClassOf(id string) string {
	i := strings.IndexByte(id, '-')
	if i <= 0 {
		return ""
	}
	return id[:i]
}
