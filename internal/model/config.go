// Package model holds the automated strategy configuration handed to the
// engine on START_AUTO. The engine treats it as opaque JSON.
package model

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parameter is one tunable of a feature.
type Parameter struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Type        string   `yaml:"type" json:"type"`
	Value       any      `yaml:"value" json:"value"`
	Min         *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Options     []string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Feature is a model component that can be switched on or off.
type Feature struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     bool        `yaml:"enabled" json:"enabled"`
	Parameters  []Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// TradingHours limits when the model may open trades.
type TradingHours struct {
	Start    string `yaml:"start" json:"start"`
	End      string `yaml:"end" json:"end"`
	Timezone string `yaml:"timezone" json:"timezone"`
}

// RiskSettings bound the model's exposure.
type RiskSettings struct {
	MaxRiskPerTrade  float64      `yaml:"max_risk_per_trade" json:"maxRiskPerTrade"`
	MaxOpenTrades    int          `yaml:"max_open_trades" json:"maxOpenTrades"`
	MaxDailyDrawdown float64      `yaml:"max_daily_drawdown" json:"maxDailyDrawdown"`
	TradingHours     TradingHours `yaml:"trading_hours" json:"tradingHours"`
	WeekendTrading   bool         `yaml:"weekend_trading" json:"weekendTrading"`
}

// Config is the full model configuration.
type Config struct {
	Features     []Feature    `yaml:"features" json:"features"`
	Symbols      []string     `yaml:"symbols" json:"symbols"`
	Timeframes   []string     `yaml:"timeframes" json:"timeframes"`
	RiskSettings RiskSettings `yaml:"risk_settings" json:"riskSettings"`
}

func ptr(f float64) *float64 { return &f }

// Default returns the configuration used when a user supplies none.
func Default() Config {
	return Config{
		Features: []Feature{
			{
				Name:        "Deep Learning",
				Description: "Neural network models for price prediction",
				Enabled:     true,
				Parameters: []Parameter{
					{Name: "modelType", Type: "select", Value: "LSTM", Options: []string{"LSTM", "Transformer", "Ensemble"}},
					{Name: "lookbackPeriod", Type: "number", Value: 60, Min: ptr(10), Max: ptr(200)},
					{Name: "confidenceThreshold", Type: "number", Value: 0.7, Min: ptr(0.5), Max: ptr(0.95)},
				},
			},
			{
				Name:        "Sentiment Analysis",
				Description: "Market sentiment from news and social media",
				Enabled:     true,
				Parameters: []Parameter{
					{Name: "includeSocialMedia", Type: "boolean", Value: true},
					{Name: "includeNewsEvents", Type: "boolean", Value: true},
					{Name: "sentimentWeight", Type: "number", Value: 0.3, Min: ptr(0.1), Max: ptr(0.5)},
				},
			},
			{
				Name:        "Advanced Risk Management",
				Description: "Dynamic position sizing and risk control",
				Enabled:     true,
				Parameters: []Parameter{
					{Name: "useKellyCriterion", Type: "boolean", Value: true},
					{Name: "dynamicStopLoss", Type: "boolean", Value: true},
					{Name: "riskRewardMinimum", Type: "number", Value: 1.5, Min: ptr(1), Max: ptr(3)},
				},
			},
			{
				Name:        "Adaptive Parameters",
				Description: "Self-adjusting parameters based on market conditions",
				Enabled:     true,
				Parameters: []Parameter{
					{Name: "marketRegimeDetection", Type: "boolean", Value: true},
					{Name: "volatilityAdjustment", Type: "boolean", Value: true},
					{Name: "adaptationSpeed", Type: "number", Value: 0.5, Min: ptr(0.1), Max: ptr(1)},
				},
			},
		},
		Symbols:    []string{"EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "USDCAD", "USDCHF", "NZDUSD"},
		Timeframes: []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d"},
		RiskSettings: RiskSettings{
			MaxRiskPerTrade:  2.0,
			MaxOpenTrades:    5,
			MaxDailyDrawdown: 5.0,
			TradingHours:     TradingHours{Start: "00:00", End: "23:59", Timezone: "UTC"},
		},
	}
}

// LoadFile reads a YAML config. Fields the file omits keep their defaults.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse model config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the risk bounds.
func (c Config) Validate() error {
	r := c.RiskSettings
	switch {
	case r.MaxOpenTrades < 0:
		return fmt.Errorf("max_open_trades must not be negative")
	case r.MaxRiskPerTrade < 0 || r.MaxRiskPerTrade > 100:
		return fmt.Errorf("max_risk_per_trade must be a percentage")
	case r.MaxDailyDrawdown < 0 || r.MaxDailyDrawdown > 100:
		return fmt.Errorf("max_daily_drawdown must be a percentage")
	}
	return nil
}

// JSON encodes the config as the blob sent to the engine.
func (c Config) JSON() (json.RawMessage, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode model config: %w", err)
	}
	return b, nil
}

// MaxOpenTrades reads riskSettings.maxOpenTrades from an opaque config blob.
// ok is false when the blob does not carry the setting.
func MaxOpenTrades(raw json.RawMessage) (n int, ok bool) {
	var probe struct {
		RiskSettings struct {
			MaxOpenTrades *int `json:"maxOpenTrades"`
		} `json:"riskSettings"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &probe) != nil || probe.RiskSettings.MaxOpenTrades == nil {
		return 0, false
	}
	return *probe.RiskSettings.MaxOpenTrades, true
}
