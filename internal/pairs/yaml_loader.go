package pairs

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// KnownPair describes a pair the gateway advertises to clients.
type KnownPair struct {
	Ticker string `yaml:"ticker" json:"ticker"`
	Name   string `yaml:"name" json:"name"`
	Icon   string `yaml:"icon,omitempty" json:"icon,omitempty"`
}

// PairsConfig represents the YAML configuration structure
type PairsConfig struct {
	Pairs []KnownPair `yaml:"pairs"`
}

// DefaultKnownPairs is used when no pairs file is configured or readable.
var DefaultKnownPairs = []KnownPair{
	{Ticker: "BTC/USD", Name: "Bitcoin"},
	{Ticker: "ETH/USD", Name: "Ethereum"},
}

// LoadKnownPairsFromYAML loads the advertised pair list from a YAML file
func LoadKnownPairsFromYAML(filePath string) ([]KnownPair, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read pairs file: %w", err)
	}

	var config PairsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse pairs YAML: %w", err)
	}

	if len(config.Pairs) == 0 {
		return nil, fmt.Errorf("no pairs found in config file")
	}

	for i := range config.Pairs {
		norm := Normalize([]string{config.Pairs[i].Ticker})
		if len(norm) == 0 {
			return nil, fmt.Errorf("invalid pair ticker %q in config file", config.Pairs[i].Ticker)
		}
		config.Pairs[i].Ticker = norm[0]
	}

	return config.Pairs, nil
}

// LoadKnownPairsWithFallback tries to load from YAML, falls back to defaults
func LoadKnownPairsWithFallback(filePath string) []KnownPair {
	if filePath == "" {
		return DefaultKnownPairs
	}
	known, err := LoadKnownPairsFromYAML(filePath)
	if err != nil {
		return DefaultKnownPairs
	}
	return known
}
