package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserIDRequired     = errors.New("user_id is required for data isolation")
	ErrNotFound           = errors.New("record not found")
	ErrTradeClosed        = errors.New("trade already closed")
	ErrPredictionResolved = errors.New("prediction already resolved")
)

// Queries is the trade and prediction store.
type Queries struct {
	db  *sql.DB
	now func() time.Time
}

// NewQueries creates a new Queries instance.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db, now: time.Now}
}

// Queries returns the store bound to this database.
func (d *Database) Queries() *Queries {
	return NewQueries(d.DB)
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// ----------------------------------------
// Trade Queries
// ----------------------------------------

// SaveTrade inserts a new trade record. An empty ID is filled in.
func (q *Queries) SaveTrade(ctx context.Context, t *TradeRecord) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TradeOpen
	}
	if err := t.Validate(); err != nil {
		return err
	}

	var predID, predDir sql.NullString
	var predConf sql.NullFloat64
	if t.Prediction != nil {
		predID = sql.NullString{String: t.Prediction.ID, Valid: t.Prediction.ID != ""}
		predDir = sql.NullString{String: string(t.Prediction.Direction), Valid: t.Prediction.Direction != ""}
		predConf = sql.NullFloat64{Float64: t.Prediction.Confidence, Valid: true}
	}
	var closePrice sql.NullFloat64
	if t.CloseTime != nil {
		closePrice = sql.NullFloat64{Float64: t.ClosePrice, Valid: true}
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trade_records (
			id, user_id, account, server, symbol, side, volume, open_price, stop_loss, take_profit,
			open_time, close_price, close_time, profit, commission, swap, status, ticket,
			prediction_id, prediction_direction, prediction_confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.Account, t.Server, t.Symbol, string(t.Side), t.Volume, t.OpenPrice, t.StopLoss, t.TakeProfit,
		toMillis(t.OpenTime), closePrice, nullMillis(t.CloseTime), t.Profit, t.Commission, t.Swap, string(t.Status), t.Ticket,
		predID, predDir, predConf)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// UpdateTrade writes the mutable fields of an OPEN trade. Once a trade is
// CLOSED it cannot be updated again.
func (q *Queries) UpdateTrade(ctx context.Context, t *TradeRecord) error {
	if t.ID == "" {
		return ErrNotFound
	}
	if err := t.Validate(); err != nil {
		return err
	}
	var closePrice sql.NullFloat64
	if t.CloseTime != nil {
		closePrice = sql.NullFloat64{Float64: t.ClosePrice, Valid: true}
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE trade_records SET
			stop_loss = ?, take_profit = ?, close_price = ?, close_time = ?,
			profit = ?, commission = ?, swap = ?, status = ?
		WHERE id = ? AND user_id = ? AND status = 'OPEN'
	`, t.StopLoss, t.TakeProfit, closePrice, nullMillis(t.CloseTime),
		t.Profit, t.Commission, t.Swap, string(t.Status), t.ID, t.UserID)
	if err != nil {
		return fmt.Errorf("update trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trade: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = q.db.QueryRowContext(ctx, `SELECT status FROM trade_records WHERE id = ? AND user_id = ?`, t.ID, t.UserID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup trade: %w", err)
	}
	return ErrTradeClosed
}

// QueryTrades returns trades matching f ordered by close time (open time for
// open trades), oldest first.
func (q *Queries) QueryTrades(ctx context.Context, f TradeFilter) ([]TradeRecord, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.ID != "" {
		add("id = ?", f.ID)
	}
	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.Account != "" {
		add("account = ?", f.Account)
	}
	if f.Symbol != "" {
		add("symbol = ?", f.Symbol)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Ticket != "" {
		add("ticket = ?", f.Ticket)
	}
	if !f.From.IsZero() {
		add("COALESCE(close_time, open_time) >= ?", toMillis(f.From))
	}
	if !f.To.IsZero() {
		add("COALESCE(close_time, open_time) <= ?", toMillis(f.To))
	}

	query := `
		SELECT id, user_id, account, server, symbol, side, volume, open_price, stop_loss, take_profit,
			open_time, close_price, close_time, profit, commission, swap, status, ticket,
			prediction_id, prediction_direction, prediction_confidence
		FROM trade_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY COALESCE(close_time, open_time) ASC, open_time ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var (
			t          TradeRecord
			side       string
			status     string
			openTime   int64
			closePrice sql.NullFloat64
			closeTime  sql.NullInt64
			predID     sql.NullString
			predDir    sql.NullString
			predConf   sql.NullFloat64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Account, &t.Server, &t.Symbol, &side, &t.Volume, &t.OpenPrice,
			&t.StopLoss, &t.TakeProfit, &openTime, &closePrice, &closeTime, &t.Profit, &t.Commission, &t.Swap,
			&status, &t.Ticket, &predID, &predDir, &predConf); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = Side(side)
		t.Status = TradeStatus(status)
		t.OpenTime = fromMillis(openTime)
		if closeTime.Valid {
			ct := fromMillis(closeTime.Int64)
			t.CloseTime = &ct
			t.ClosePrice = closePrice.Float64
		}
		if predID.Valid || predDir.Valid || predConf.Valid {
			t.Prediction = &PredictionRef{
				ID:         predID.String,
				Direction:  Direction(predDir.String),
				Confidence: predConf.Float64,
			}
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ----------------------------------------
// Prediction Queries
// ----------------------------------------

// SavePrediction inserts a new prediction. An empty ID is filled in and an
// empty outcome defaults to PENDING.
func (q *Queries) SavePrediction(ctx context.Context, p *PredictionRecord) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Outcome == "" {
		p.Outcome = OutcomePending
	}
	if p.Time.IsZero() {
		p.Time = q.now()
	}
	if err := p.Validate(); err != nil {
		return err
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO prediction_records (
			id, symbol, timeframe, time, direction, confidence, entry_price, stop_loss, take_profit,
			risk_reward, market_regime, outcome, profit_units, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Symbol, p.Timeframe, toMillis(p.Time), string(p.Direction), p.Confidence, p.EntryPrice,
		p.StopLoss, p.TakeProfit, p.RiskReward, p.MarketRegime, string(p.Outcome), p.ProfitUnits, nullMillis(p.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	return nil
}

// UpdatePrediction records the outcome of a PENDING prediction.
func (q *Queries) UpdatePrediction(ctx context.Context, p *PredictionRecord) error {
	if p.ID == "" {
		return ErrNotFound
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Outcome != OutcomePending && p.ResolvedAt == nil {
		now := q.now()
		p.ResolvedAt = &now
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE prediction_records SET outcome = ?, profit_units = ?, resolved_at = ?
		WHERE id = ? AND outcome = 'PENDING'
	`, string(p.Outcome), p.ProfitUnits, nullMillis(p.ResolvedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update prediction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update prediction: %w", err)
	}
	if n > 0 {
		return nil
	}

	var outcome string
	err = q.db.QueryRowContext(ctx, `SELECT outcome FROM prediction_records WHERE id = ?`, p.ID).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup prediction: %w", err)
	}
	return ErrPredictionResolved
}

// QueryPredictions returns predictions matching f ordered by time, oldest
// first unless f.Desc is set.
func (q *Queries) QueryPredictions(ctx context.Context, f PredictionFilter) ([]PredictionRecord, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.ID != "" {
		add("id = ?", f.ID)
	}
	if f.Symbol != "" {
		add("symbol = ?", f.Symbol)
	}
	if f.Timeframe != "" {
		add("timeframe = ?", f.Timeframe)
	}
	if f.Direction != "" {
		add("direction = ?", string(f.Direction))
	}
	if f.MinConfidence != nil {
		add("confidence >= ?", *f.MinConfidence)
	}
	if f.MaxConfidence != nil {
		add("confidence <= ?", *f.MaxConfidence)
	}
	if len(f.Outcomes) > 0 {
		marks := make([]string, len(f.Outcomes))
		for i, o := range f.Outcomes {
			marks[i] = "?"
			args = append(args, string(o))
		}
		where = append(where, "outcome IN ("+strings.Join(marks, ",")+")")
	}
	if !f.Before.IsZero() {
		add("time < ?", toMillis(f.Before))
	}
	if !f.From.IsZero() {
		add("time >= ?", toMillis(f.From))
	}
	if !f.To.IsZero() {
		add("time <= ?", toMillis(f.To))
	}

	query := `
		SELECT id, symbol, timeframe, time, direction, confidence, entry_price, stop_loss, take_profit,
			risk_reward, market_regime, outcome, profit_units, resolved_at
		FROM prediction_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Desc {
		query += " ORDER BY time DESC, id DESC"
	} else {
		query += " ORDER BY time ASC, id ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query predictions: %w", err)
	}
	defer rows.Close()

	var preds []PredictionRecord
	for rows.Next() {
		var (
			p          PredictionRecord
			ts         int64
			direction  string
			outcome    string
			resolvedAt sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Timeframe, &ts, &direction, &p.Confidence, &p.EntryPrice,
			&p.StopLoss, &p.TakeProfit, &p.RiskReward, &p.MarketRegime, &outcome, &p.ProfitUnits, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		p.Time = fromMillis(ts)
		p.Direction = Direction(direction)
		p.Outcome = Outcome(outcome)
		if resolvedAt.Valid {
			r := fromMillis(resolvedAt.Int64)
			p.ResolvedAt = &r
		}
		preds = append(preds, p)
	}
	return preds, rows.Err()
}
