package pairs

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestIsValid(t *testing.T) {
	valid := []string{"BTC/USD", "ETH/USD", "ETH/STRK:MARK", "1INCH/USDT"}
	for _, pair := range valid {
		if !IsValid(pair) {
			t.Errorf("%s should be valid", pair)
		}
	}

	invalid := []string{"", "btc/usd", "BTCUSD", "BTC/", "/USD", "BTC/USD:", "BTC USD", "BTC/USD:MARK:X"}
	for _, pair := range invalid {
		if IsValid(pair) {
			t.Errorf("%s should be invalid", pair)
		}
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize([]string{" btc/usd ", "ETH/usd", "btc/usd", "", "garbage", "sol/usd:mark"})
	want := []string{"BTC/USD", "ETH/USD", "SOL/USD:MARK"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Normalize returned %v, want %v", got, want)
	}
}

func TestLoadKnownPairsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairs.yaml")
	content := []byte("pairs:\n  - ticker: btc/usd\n    name: Bitcoin\n  - ticker: STRK/USD\n    name: Starknet\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	known, err := LoadKnownPairsFromYAML(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(known) != 2 {
		t.Fatalf("Expected 2 pairs, got %d", len(known))
	}
	if known[0].Ticker != "BTC/USD" {
		t.Errorf("Ticker not normalized: %s", known[0].Ticker)
	}
	if known[1].Name != "Starknet" {
		t.Errorf("Name lost: %s", known[1].Name)
	}
}

func TestLoadKnownPairsWithFallback(t *testing.T) {
	if got := LoadKnownPairsWithFallback(""); !reflect.DeepEqual(got, DefaultKnownPairs) {
		t.Errorf("Empty path should fall back to defaults, got %v", got)
	}
	if got := LoadKnownPairsWithFallback("/does/not/exist.yaml"); !reflect.DeepEqual(got, DefaultKnownPairs) {
		t.Errorf("Missing file should fall back to defaults, got %v", got)
	}
}
