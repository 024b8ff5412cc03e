package events

import (
	"encoding/json"
	"time"
)

// TradeExecutedEvent is published on the user topic after a TRADE fill.
type TradeExecutedEvent struct {
	TradeID    string    `json:"tradeId"`
	Ticket     string    `json:"ticket"`
	Account    string    `json:"account"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"type"`
	Volume     float64   `json:"volume"`
	OpenPrice  float64   `json:"openPrice"`
	StopLoss   float64   `json:"stopLoss"`
	TakeProfit float64   `json:"takeProfit"`
	OpenTime   time.Time `json:"openTime"`
	// Persisted is false when the fill could not be recorded.
	Persisted bool `json:"persisted"`
}

// TradeClosedEvent is published on the user topic after a CLOSE.
type TradeClosedEvent struct {
	TradeID    string    `json:"tradeId,omitempty"`
	Ticket     string    `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Volume     float64   `json:"volume"`
	ClosePrice float64   `json:"closePrice"`
	Profit     float64   `json:"profit"`
	Commission float64   `json:"commission"`
	Swap       float64   `json:"swap"`
	CloseTime  time.Time `json:"closeTime"`
	Persisted  bool      `json:"persisted"`
}

// TradeModifiedEvent is published on the user topic after a MODIFY.
type TradeModifiedEvent struct {
	Ticket     string  `json:"ticket"`
	StopLoss   float64 `json:"stopLoss"`
	TakeProfit float64 `json:"takeProfit"`
	Persisted  bool    `json:"persisted"`
}

// ModelEvent is published on the user topic when automation starts or stops.
type ModelEvent struct {
	SessionID  string          `json:"sessionId"`
	Connection string          `json:"connectionId"`
	Config     json.RawMessage `json:"config,omitempty"`
	Time       time.Time       `json:"time"`
}

// ConnectionLostEvent is published on the user topic when a transport failure
// drops a connection.
type ConnectionLostEvent struct {
	Connection string `json:"connectionId"`
	Command    string `json:"command"`
	Reason     string `json:"reason"`
}
