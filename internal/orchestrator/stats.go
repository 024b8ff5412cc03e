package orchestrator

import (
	"context"
	"fmt"

	"session-core/internal/analytics"
	"session-core/pkg/db"
)

// TradeStats reports on the user's trades closed within period. account
// narrows to one brokerage login when set.
func (o *Orchestrator) TradeStats(ctx context.Context, userID, account string, period analytics.Period) (analytics.TradeReport, error) {
	if userID == "" {
		return analytics.TradeReport{}, invalid("user id is required")
	}
	start, end := period.Range(o.now())
	trades, err := o.store.QueryTrades(ctx, db.TradeFilter{
		UserID:  userID,
		Account: account,
		Status:  db.TradeClosed,
		From:    start,
		To:      end,
	})
	if err != nil {
		return analytics.TradeReport{}, fmt.Errorf("query trades: %w", err)
	}
	return analytics.TradeStats(trades, period, start, end, o.opts.Location), nil
}

// PredictionStats reports on predictions resolved within period. symbol
// narrows to one instrument when set.
func (o *Orchestrator) PredictionStats(ctx context.Context, symbol string, period analytics.Period) (analytics.PredictionReport, error) {
	start, end := period.Range(o.now())
	preds, err := o.store.QueryPredictions(ctx, db.PredictionFilter{
		Symbol:   symbol,
		Outcomes: []db.Outcome{db.OutcomeSuccess, db.OutcomeFailure},
		From:     start,
		To:       end,
	})
	if err != nil {
		return analytics.PredictionReport{}, fmt.Errorf("query predictions: %w", err)
	}
	return analytics.PredictionStats(preds, period, start, end, o.opts.Location), nil
}
