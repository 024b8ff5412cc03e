package db

import (
	"errors"
	"fmt"
	"time"
)

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// TradeStatus moves OPEN -> CLOSED once.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// Direction is a prediction signal.
type Direction string

const (
	DirectionBuy     Direction = "BUY"
	DirectionSell    Direction = "SELL"
	DirectionNeutral Direction = "NEUTRAL"
)

func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell || d == DirectionNeutral
}

// Outcome leaves PENDING exactly once.
type Outcome string

const (
	OutcomePending Outcome = "PENDING"
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeUnknown Outcome = "UNKNOWN"
)

var ErrInvalidRecord = errors.New("invalid record")

// PredictionRef links a trade to the signal that produced it.
type PredictionRef struct {
	ID         string    `json:"id,omitempty"`
	Direction  Direction `json:"direction,omitempty"`
	Confidence float64   `json:"confidence"`
}

// TradeRecord is one brokerage position.
type TradeRecord struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	Account    string         `json:"account"`
	Server     string         `json:"server"`
	Symbol     string         `json:"symbol"`
	Side       Side           `json:"type"`
	Volume     float64        `json:"volume"`
	OpenPrice  float64        `json:"openPrice"`
	StopLoss   float64        `json:"stopLoss"`
	TakeProfit float64        `json:"takeProfit"`
	OpenTime   time.Time      `json:"openTime"`
	ClosePrice float64        `json:"closePrice,omitempty"`
	CloseTime  *time.Time     `json:"closeTime,omitempty"`
	Profit     float64        `json:"profit"`
	Commission float64        `json:"commission"`
	Swap       float64        `json:"swap"`
	Status     TradeStatus    `json:"status"`
	Ticket     string         `json:"ticket"`
	Prediction *PredictionRef `json:"prediction,omitempty"`
}

// Validate checks required fields and time ordering.
func (t *TradeRecord) Validate() error {
	switch {
	case t.UserID == "":
		return ErrUserIDRequired
	case t.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidRecord)
	case !t.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidRecord, t.Side)
	case t.Volume <= 0:
		return fmt.Errorf("%w: volume must be positive", ErrInvalidRecord)
	case t.Status != TradeOpen && t.Status != TradeClosed:
		return fmt.Errorf("%w: status %q", ErrInvalidRecord, t.Status)
	case t.CloseTime != nil && t.CloseTime.Before(t.OpenTime):
		return fmt.Errorf("%w: close time before open time", ErrInvalidRecord)
	case t.Status == TradeClosed && t.CloseTime == nil:
		return fmt.Errorf("%w: closed trade without close time", ErrInvalidRecord)
	}
	if t.Prediction != nil && (t.Prediction.Confidence < 0 || t.Prediction.Confidence > 1) {
		return fmt.Errorf("%w: prediction confidence out of range", ErrInvalidRecord)
	}
	return nil
}

// PredictionRecord is one strategy signal.
type PredictionRecord struct {
	ID           string     `json:"id"`
	Symbol       string     `json:"symbol"`
	Timeframe    string     `json:"timeframe"`
	Time         time.Time  `json:"time"`
	Direction    Direction  `json:"direction"`
	Confidence   float64    `json:"confidence"`
	EntryPrice   float64    `json:"entryPrice"`
	StopLoss     float64    `json:"stopLoss"`
	TakeProfit   float64    `json:"takeProfit"`
	RiskReward   float64    `json:"riskReward"`
	MarketRegime string     `json:"marketRegime,omitempty"`
	Outcome      Outcome    `json:"outcome"`
	ProfitUnits  float64    `json:"profitPips"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}

// Validate checks the direction and the confidence bound.
func (p *PredictionRecord) Validate() error {
	switch {
	case p.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidRecord)
	case !p.Direction.Valid():
		return fmt.Errorf("%w: direction %q", ErrInvalidRecord, p.Direction)
	case p.Confidence < 0 || p.Confidence > 1:
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidRecord, p.Confidence)
	}
	switch p.Outcome {
	case OutcomePending, OutcomeSuccess, OutcomeFailure, OutcomeUnknown:
	default:
		return fmt.Errorf("%w: outcome %q", ErrInvalidRecord, p.Outcome)
	}
	return nil
}

// TradeFilter selects trade records. Zero fields do not filter.
type TradeFilter struct {
	ID      string
	UserID  string
	Account string
	Symbol  string
	Status  TradeStatus
	Ticket  string
	// From/To bound the close time for closed trades and the open time otherwise.
	From  time.Time
	To    time.Time
	Limit int
}

// PredictionFilter selects prediction records. Zero fields do not filter.
type PredictionFilter struct {
	ID            string
	Symbol        string
	Timeframe     string
	Direction     Direction
	MinConfidence *float64
	MaxConfidence *float64
	Outcomes      []Outcome
	Before        time.Time // strictly before
	From          time.Time
	To            time.Time
	Limit         int
	Desc          bool
}
