package engine

import "encoding/json"

// AccountInfo is the CONNECT / ACCOUNT_INFO payload.
type AccountInfo struct {
	Login       Ticket  `json:"login"`
	Name        string  `json:"name"`
	Server      string  `json:"server"`
	Currency    string  `json:"currency"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	MarginFree  float64 `json:"margin_free"`
	MarginLevel float64 `json:"margin_level"`
	Leverage    int     `json:"leverage"`
}

// Bar is one MARKET_DATA candle.
type Bar struct {
	Time       string  `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TickVolume float64 `json:"tick_volume"`
	Spread     float64 `json:"spread"`
	RealVolume float64 `json:"real_volume"`
}

// Position is one POSITIONS entry.
type Position struct {
	Ticket       Ticket  `json:"ticket"`
	Time         string  `json:"time"`
	Type         string  `json:"type"`
	Symbol       string  `json:"symbol"`
	Volume       float64 `json:"volume"`
	OpenPrice    float64 `json:"open_price"`
	CurrentPrice float64 `json:"current_price"`
	StopLoss     float64 `json:"sl"`
	TakeProfit   float64 `json:"tp"`
	Profit       float64 `json:"profit"`
	Swap         float64 `json:"swap"`
	Commission   float64 `json:"commission"`
}

// TradeFill is the TRADE payload.
type TradeFill struct {
	Ticket     Ticket  `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"`
	Volume     float64 `json:"volume"`
	OpenPrice  float64 `json:"open_price"`
	StopLoss   float64 `json:"sl"`
	TakeProfit float64 `json:"tp"`
}

// CloseFill is the CLOSE payload.
type CloseFill struct {
	Ticket     Ticket  `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Volume     float64 `json:"volume"`
	ClosePrice float64 `json:"close_price"`
	Profit     float64 `json:"profit"`
	Commission float64 `json:"commission"`
	Swap       float64 `json:"swap"`
}

// ModifyAck is the MODIFY payload.
type ModifyAck struct {
	Ticket     Ticket  `json:"ticket"`
	StopLoss   float64 `json:"sl"`
	TakeProfit float64 `json:"tp"`
}

// MarketData bundles a MARKET_DATA response.
type MarketData struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Bars      []Bar           `json:"data"`
	Raw       json.RawMessage `json:"-"`
}
