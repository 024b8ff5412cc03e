package events

import (
	"strings"
	"time"
)

// Event names carried inside topics.
const (
	TradeExecuted  = "trade_executed"
	TradeClosed    = "trade_closed"
	TradeModified  = "trade_modified"
	ModelStarted   = "model_started"
	ModelStopped   = "model_stopped"
	ConnectionLost = "connection_lost"
	MarketData     = "market_data"
	Prediction     = "prediction"
)

// Event is one published message.
type Event struct {
	Topic   string    `json:"topic"`
	Name    string    `json:"event"`
	Payload any       `json:"data"`
	Time    time.Time `json:"time"`
}

// UserTopic carries trade, model and connection events for one user.
func UserTopic(userID string) string { return "user:" + userID }

// MarketTopic carries market data for one symbol.
func MarketTopic(symbol string) string { return "market:" + strings.ToUpper(symbol) }

// PredictionTopic carries model predictions for one symbol.
func PredictionTopic(symbol string) string { return "predictions:" + strings.ToUpper(symbol) }
