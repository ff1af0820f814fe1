package instrument

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	a, err := Parse("CRYPTO-BTCUSD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Class != ClassCrypto {
		t.Errorf("expected class=CRYPTO, got %s", a.Class)
	}
	if a.Symbol != "BTCUSD" {
		t.Errorf("expected symbol=BTCUSD, got %s", a.Symbol)
	}
	if a.ID != "CRYPTO-BTCUSD" {
		t.Errorf("expected id to round-trip, got %s", a.ID)
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"INVALID",
		"CRYPTO-",
		"-BTCUSD",
		"crypto-btcusd",
		"CRYPTO-BTC-USD",
		"CRYPTO-WAYTOOLONGSYMBOL1",
	}
	for _, id := range tests {
		_, err := Parse(id)
		if err == nil {
			t.Errorf("expected error for asset id %q", id)
		}
	}
}

func TestParse_InvalidClass(t *testing.T) {
	_, err := Parse("BOND-US10Y")
	if !errors.Is(err, ErrInvalidClass) {
		t.Errorf("expected ErrInvalidClass, got %v", err)
	}
}

func TestParse_AllClasses(t *testing.T) {
	classes := []string{"CRYPTO", "STOCK", "FOREX", "COMMODITY"}
	for _, class := range classes {
		a, err := Parse(class + "-XAUUSD")
		if err != nil {
			t.Errorf("unexpected error for class %s: %v", class, err)
			continue
		}
		if a.Class != class {
			t.Errorf("expected class=%s, got %s", class, a.Class)
		}
	}
}

func TestDisplayName(t *testing.T) {
	tests := map[string]string{
		"CRYPTO-BTCUSD":    "BTC/USD",
		"FOREX-EURUSD":     "EUR/USD",
		"CRYPTO-SOLUSDT":   "SOL/USDT",
		"STOCK-AAPL":       "AAPL",
		"COMMODITY-XAUUSD": "XAUUSD",
	}
	for id, want := range tests {
		a, err := Parse(id)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", id, err)
		}
		if got := a.DisplayName(); got != want {
			t.Errorf("%s: expected %s, got %s", id, want, got)
		}
	}
}

func TestClassOf(t *testing.T) {
	if got := ClassOf("STOCK-AAPL"); got != "STOCK" {
		t.Errorf("expected STOCK, got %s", got)
	}
	if got := ClassOf("nodash"); got != "" {
		t.Errorf("expected empty class, got %s", got)
	}
}
