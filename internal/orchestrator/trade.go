package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-core/internal/engine"
	"session-core/internal/events"
	"session-core/internal/model"
	"session-core/internal/session"
	"session-core/pkg/db"
)

// TradeParams describe a market or pending order. Zero price, stop loss and
// take profit mean "market" and "none".
type TradeParams struct {
	Symbol       string
	Side         db.Side
	Volume       float64
	Price        float64
	StopLoss     float64
	TakeProfit   float64
	PredictionID string
}

func (p *TradeParams) validate() error {
	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	p.Side = db.Side(strings.ToUpper(string(p.Side)))
	switch {
	case p.Symbol == "":
		return invalid("symbol is required")
	case p.Side == "":
		return invalid("side is required")
	case !p.Side.Valid():
		return invalid("side %q must be BUY or SELL", p.Side)
	case p.Volume <= 0:
		return invalid("volume is required")
	case p.Price < 0 || p.StopLoss < 0 || p.TakeProfit < 0:
		return invalid("price, stop loss and take profit must not be negative")
	}
	return nil
}

// PlaceTrade opens a position. The record is persisted OPEN and
// trade_executed is published. A store failure after the fill returns the
// record together with a *PersistenceError.
func (o *Orchestrator) PlaceTrade(ctx context.Context, key session.ConnectionKey, p TradeParams) (*db.TradeRecord, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if _, ok := o.registry.Connection(key); !ok {
		return nil, fmt.Errorf("%s %s: %w", engine.CmdTrade, key, ErrNotConnected)
	}
	if err := o.checkOpenTrades(ctx, key); err != nil {
		return nil, err
	}

	var ref *db.PredictionRef
	if p.PredictionID != "" {
		preds, err := o.store.QueryPredictions(ctx, db.PredictionFilter{ID: p.PredictionID, Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("load prediction %s: %w", p.PredictionID, err)
		}
		if len(preds) == 0 {
			return nil, invalid("unknown prediction %q", p.PredictionID)
		}
		ref = &db.PredictionRef{ID: preds[0].ID, Direction: preds[0].Direction, Confidence: preds[0].Confidence}
	}

	res, err := o.call(ctx, key, engine.CmdTrade,
		p.Symbol, string(p.Side), formatFloat(p.Volume),
		formatFloat(p.Price), formatFloat(p.StopLoss), formatFloat(p.TakeProfit))
	if err != nil {
		return nil, err
	}

	var fill engine.TradeFill
	if err := res.Decode("trade", &fill); err != nil {
		o.log.Warn("trade filled without readable payload",
			zap.Bool("reconcile", true),
			zap.String("connection", key.String()),
			zap.Error(err))
	}

	rec := &db.TradeRecord{
		ID:         uuid.NewString(),
		UserID:     key.UserID,
		Account:    key.Login,
		Server:     key.Server,
		Symbol:     firstString(fill.Symbol, p.Symbol),
		Side:       p.Side,
		Volume:     firstFloat(fill.Volume, p.Volume),
		OpenPrice:  firstFloat(fill.OpenPrice, p.Price),
		StopLoss:   firstFloat(fill.StopLoss, p.StopLoss),
		TakeProfit: firstFloat(fill.TakeProfit, p.TakeProfit),
		OpenTime:   o.now(),
		Status:     db.TradeOpen,
		Ticket:     fill.Ticket.String(),
		Prediction: ref,
	}

	// Without a ticket the row could never be closed, so it is not stored.
	var perr error
	if rec.Ticket == "" {
		perr = &PersistenceError{Op: "save trade", Err: ErrNoTicket}
		o.log.Warn("trade executed without ticket, not recorded",
			zap.Bool("reconcile", true),
			zap.String("user_id", key.UserID),
			zap.String("symbol", rec.Symbol))
	} else if err := o.store.SaveTrade(ctx, rec); err != nil {
		perr = &PersistenceError{Op: "save trade " + rec.Ticket, Err: err}
		o.log.Warn("trade executed but not recorded",
			zap.Bool("reconcile", true),
			zap.String("user_id", key.UserID),
			zap.String("ticket", rec.Ticket),
			zap.Error(err))
	}

	o.bus.Publish(events.UserTopic(key.UserID), events.TradeExecuted, events.TradeExecutedEvent{
		TradeID:    rec.ID,
		Ticket:     rec.Ticket,
		Account:    rec.Account,
		Symbol:     rec.Symbol,
		Side:       string(rec.Side),
		Volume:     rec.Volume,
		OpenPrice:  rec.OpenPrice,
		StopLoss:   rec.StopLoss,
		TakeProfit: rec.TakeProfit,
		OpenTime:   rec.OpenTime,
		Persisted:  perr == nil,
	})
	o.log.Info("trade executed",
		zap.String("user_id", key.UserID),
		zap.String("ticket", rec.Ticket),
		zap.String("symbol", rec.Symbol),
		zap.String("side", string(rec.Side)),
		zap.Float64("volume", rec.Volume))
	return rec, perr
}

// openTradeLimit prefers the running session's risk settings.
func (o *Orchestrator) openTradeLimit(userID string) int {
	if sess, ok := o.registry.Session(userID); ok {
		if n, ok := model.MaxOpenTrades(sess.Config); ok {
			return n
		}
	}
	return o.opts.MaxOpenTrades
}

func (o *Orchestrator) checkOpenTrades(ctx context.Context, key session.ConnectionKey) error {
	limit := o.openTradeLimit(key.UserID)
	if limit <= 0 {
		return nil
	}
	open, err := o.store.QueryTrades(ctx, db.TradeFilter{
		UserID:  key.UserID,
		Account: key.Login,
		Status:  db.TradeOpen,
	})
	if err != nil {
		return fmt.Errorf("count open trades: %w", err)
	}
	if len(open) >= limit {
		return fmt.Errorf("%w (%d)", ErrRiskLimit, limit)
	}
	return nil
}

// CloseResult is the outcome of CloseTrade.
type CloseResult struct {
	Fill       engine.CloseFill     `json:"result"`
	Trade      *db.TradeRecord      `json:"trade,omitempty"`
	Prediction *db.PredictionRecord `json:"prediction,omitempty"`
}

// CloseTrade closes the position with ticket. The stored OPEN record, if any,
// becomes CLOSED and its linked prediction is resolved.
func (o *Orchestrator) CloseTrade(ctx context.Context, key session.ConnectionKey, ticket string) (*CloseResult, error) {
	if ticket == "" {
		return nil, invalid("ticket is required")
	}
	if _, ok := o.registry.Connection(key); !ok {
		return nil, fmt.Errorf("%s %s: %w", engine.CmdClose, key, ErrNotConnected)
	}

	rec, lookupErr := o.openTrade(ctx, key, ticket)
	if lookupErr != nil {
		o.log.Warn("open trade lookup failed, closing anyway",
			zap.String("ticket", ticket),
			zap.Error(lookupErr))
	}

	res, err := o.call(ctx, key, engine.CmdClose, ticket)
	if err != nil {
		return nil, err
	}

	out := &CloseResult{}
	if err := res.Decode("result", &out.Fill); err != nil {
		o.log.Warn("close without readable payload",
			zap.Bool("reconcile", true),
			zap.String("ticket", ticket),
			zap.Error(err))
	}
	if out.Fill.Ticket == "" {
		out.Fill.Ticket = engine.Ticket(ticket)
	}

	closeTime := o.now()
	var perr error
	if rec != nil {
		if closeTime.Before(rec.OpenTime) {
			closeTime = rec.OpenTime
		}
		rec.Status = db.TradeClosed
		rec.CloseTime = &closeTime
		rec.ClosePrice = out.Fill.ClosePrice
		rec.Profit = out.Fill.Profit
		rec.Commission = out.Fill.Commission
		rec.Swap = out.Fill.Swap
		out.Trade = rec

		if err := o.store.UpdateTrade(ctx, rec); err != nil {
			perr = &PersistenceError{Op: "close trade " + ticket, Err: err}
		} else {
			pred, err := o.resolvePrediction(ctx, rec)
			if err != nil {
				perr = &PersistenceError{Op: "resolve prediction for " + ticket, Err: err}
			}
			out.Prediction = pred
		}
		if perr != nil {
			o.log.Warn("trade closed but not recorded",
				zap.Bool("reconcile", true),
				zap.String("user_id", key.UserID),
				zap.String("ticket", ticket),
				zap.Error(perr))
		}
	} else if lookupErr == nil {
		o.log.Info("closed trade has no stored record",
			zap.String("user_id", key.UserID),
			zap.String("ticket", ticket))
	}

	evt := events.TradeClosedEvent{
		Ticket:     out.Fill.Ticket.String(),
		Symbol:     out.Fill.Symbol,
		Volume:     out.Fill.Volume,
		ClosePrice: out.Fill.ClosePrice,
		Profit:     out.Fill.Profit,
		Commission: out.Fill.Commission,
		Swap:       out.Fill.Swap,
		CloseTime:  closeTime,
		Persisted:  rec != nil && perr == nil,
	}
	if rec != nil {
		evt.TradeID = rec.ID
	}
	o.bus.Publish(events.UserTopic(key.UserID), events.TradeClosed, evt)
	return out, perr
}

func (o *Orchestrator) openTrade(ctx context.Context, key session.ConnectionKey, ticket string) (*db.TradeRecord, error) {
	trades, err := o.store.QueryTrades(ctx, db.TradeFilter{
		UserID:  key.UserID,
		Account: key.Login,
		Ticket:  ticket,
		Status:  db.TradeOpen,
		Limit:   1,
	})
	if err != nil || len(trades) == 0 {
		return nil, err
	}
	return &trades[0], nil
}

// resolvePrediction settles the prediction linked to a closed trade. An
// explicit id wins; a snapshot without id falls back to the latest pending
// prediction with the same symbol, direction and confidence opened before
// the trade.
func (o *Orchestrator) resolvePrediction(ctx context.Context, t *db.TradeRecord) (*db.PredictionRecord, error) {
	if t.Prediction == nil {
		return nil, nil
	}
	filter := db.PredictionFilter{Limit: 1}
	if t.Prediction.ID != "" {
		filter.ID = t.Prediction.ID
	} else {
		conf := t.Prediction.Confidence
		filter.Symbol = t.Symbol
		filter.Direction = t.Prediction.Direction
		filter.MinConfidence = &conf
		filter.MaxConfidence = &conf
		filter.Before = t.OpenTime
		filter.Outcomes = []db.Outcome{db.OutcomePending}
		filter.Desc = true
	}
	preds, err := o.store.QueryPredictions(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(preds) == 0 {
		o.log.Debug("no prediction to resolve", zap.String("trade_id", t.ID))
		return nil, nil
	}

	p := preds[0]
	if p.Outcome != db.OutcomePending {
		return &p, nil
	}
	p.Outcome = db.OutcomeFailure
	if t.Profit > 0 {
		p.Outcome = db.OutcomeSuccess
	}
	p.ProfitUnits = PipUnits(t.Profit, t.Volume)
	if err := o.store.UpdatePrediction(ctx, &p); err != nil {
		if errors.Is(err, db.ErrPredictionResolved) {
			return &p, nil
		}
		return nil, err
	}
	return &p, nil
}

// PipUnits normalizes profit by volume into approximate pips.
func PipUnits(profit, volume float64) float64 {
	if volume <= 0 {
		return 0
	}
	return profit / volume / 10
}

// ModifyResult is the outcome of ModifyTrade.
type ModifyResult struct {
	Ack   engine.ModifyAck `json:"result"`
	Trade *db.TradeRecord  `json:"trade,omitempty"`
}

// ModifyTrade changes stop loss and take profit of an open position. A zero
// value keeps the stored level when the trade is known; both zero is rejected.
func (o *Orchestrator) ModifyTrade(ctx context.Context, key session.ConnectionKey, ticket string, stopLoss, takeProfit float64) (*ModifyResult, error) {
	switch {
	case ticket == "":
		return nil, invalid("ticket is required")
	case stopLoss < 0 || takeProfit < 0:
		return nil, invalid("stop loss and take profit must not be negative")
	case stopLoss == 0 && takeProfit == 0:
		return nil, invalid("stop loss or take profit is required")
	}
	if _, ok := o.registry.Connection(key); !ok {
		return nil, fmt.Errorf("%s %s: %w", engine.CmdModify, key, ErrNotConnected)
	}

	rec, lookupErr := o.openTrade(ctx, key, ticket)
	if lookupErr != nil {
		o.log.Warn("open trade lookup failed, modifying anyway",
			zap.String("ticket", ticket),
			zap.Error(lookupErr))
	}
	if rec != nil {
		stopLoss = firstFloat(stopLoss, rec.StopLoss)
		takeProfit = firstFloat(takeProfit, rec.TakeProfit)
	}

	res, err := o.call(ctx, key, engine.CmdModify, ticket, formatFloat(stopLoss), formatFloat(takeProfit))
	if err != nil {
		return nil, err
	}

	out := &ModifyResult{}
	if err := res.Decode("result", &out.Ack); err != nil {
		o.log.Warn("modify without readable payload",
			zap.String("ticket", ticket),
			zap.Error(err))
		out.Ack = engine.ModifyAck{Ticket: engine.Ticket(ticket), StopLoss: stopLoss, TakeProfit: takeProfit}
	}

	var perr error
	if rec != nil {
		rec.StopLoss = firstFloat(out.Ack.StopLoss, stopLoss)
		rec.TakeProfit = firstFloat(out.Ack.TakeProfit, takeProfit)
		out.Trade = rec
		if err := o.store.UpdateTrade(ctx, rec); err != nil {
			perr = &PersistenceError{Op: "modify trade " + ticket, Err: err}
			o.log.Warn("trade modified but not recorded",
				zap.Bool("reconcile", true),
				zap.String("user_id", key.UserID),
				zap.String("ticket", ticket),
				zap.Error(err))
		}
	}

	o.bus.Publish(events.UserTopic(key.UserID), events.TradeModified, events.TradeModifiedEvent{
		Ticket:     ticket,
		StopLoss:   firstFloat(out.Ack.StopLoss, stopLoss),
		TakeProfit: firstFloat(out.Ack.TakeProfit, takeProfit),
		Persisted:  rec != nil && perr == nil,
	})
	return out, perr
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstFloat(vals ...float64) float64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
