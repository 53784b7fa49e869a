package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

type BinConfig struct {
	Multiplier string `yaml:"multiplier" validate:"required,numeric"`
	Weight     string `yaml:"weight" validate:"required,numeric"`
}

type PaytableConfig struct {
	Name string      `yaml:"name" validate:"required"`
	Bins []BinConfig `yaml:"bins" validate:"required,min=2,dive"`
}

// DefaultPaytable mirrors the classic five-slot board: 0.5x, 1x, 2x, 5x, 10x with a 1% edge.
func DefaultPaytable() *PaytableConfig {
	return &PaytableConfig{
		Name: "classic",
		Bins: []BinConfig{
			{Multiplier: "0.5", Weight: "0.74"},
			{Multiplier: "1", Weight: "0.15"},
			{Multiplier: "2", Weight: "0.06"},
			{Multiplier: "5", Weight: "0.03"},
			{Multiplier: "10", Weight: "0.02"},
		},
	}
}

// LoadPaytable reads a paytable YAML file. An empty path yields the default table.
func LoadPaytable(path string) (*PaytableConfig, error) {
	if path == "" {
		return DefaultPaytable(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParsePaytable(data)
}

func ParsePaytable(data []byte) (*PaytableConfig, error) {
	var cfg PaytableConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("paytable validation failed: %w", err)
	}

	return &cfg, nil
}

// Decimals converts the textual table into exact multipliers and weights.
func (p *PaytableConfig) Decimals() (multipliers, weights []decimal.Decimal, err error) {
	multipliers = make([]decimal.Decimal, 0, len(p.Bins))
	weights = make([]decimal.Decimal, 0, len(p.Bins))

	for i, bin := range p.Bins {
		m, err := decimal.NewFromString(bin.Multiplier)
		if err != nil {
			return nil, nil, fmt.Errorf("bin %d multiplier: %w", i, err)
		}
		w, err := decimal.NewFromString(bin.Weight)
		if err != nil {
			return nil, nil, fmt.Errorf("bin %d weight: %w", i, err)
		}
		multipliers = append(multipliers, m)
		weights = append(weights, w)
	}

	return multipliers, weights, nil
}
