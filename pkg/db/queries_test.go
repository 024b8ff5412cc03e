package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestQueries(t *testing.T) *Queries {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database.Queries()
}

func openTrade(userID, ticket string, openTime time.Time) *TradeRecord {
	return &TradeRecord{
		UserID:    userID,
		Account:   "1001",
		Server:    "Demo",
		Symbol:    "EURUSD",
		Side:      SideBuy,
		Volume:    0.1,
		OpenPrice: 1.1,
		OpenTime:  openTime,
		Ticket:    ticket,
	}
}

func TestSaveAndQueryTrades(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	first := openTrade("u1", "100", base)
	first.Prediction = &PredictionRef{ID: "p1", Direction: DirectionBuy, Confidence: 0.8}
	if err := q.SaveTrade(ctx, first); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if first.ID == "" || first.Status != TradeOpen {
		t.Fatalf("defaults not applied: %+v", first)
	}
	if err := q.SaveTrade(ctx, openTrade("u1", "101", base.Add(time.Hour))); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if err := q.SaveTrade(ctx, openTrade("u2", "200", base)); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	trades, err := q.QueryTrades(ctx, TradeFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("QueryTrades: %v", err)
	}
	if len(trades) != 2 || trades[0].Ticket != "100" || trades[1].Ticket != "101" {
		t.Fatalf("unexpected trades: %+v", trades)
	}
	got := trades[0]
	if got.Prediction == nil || got.Prediction.ID != "p1" || got.Prediction.Confidence != 0.8 {
		t.Fatalf("prediction ref lost: %+v", got.Prediction)
	}
	if !got.OpenTime.Equal(base) {
		t.Fatalf("open time = %v, want %v", got.OpenTime, base)
	}

	byTicket, err := q.QueryTrades(ctx, TradeFilter{UserID: "u2", Ticket: "200", Limit: 1})
	if err != nil || len(byTicket) != 1 {
		t.Fatalf("by ticket: %v %+v", err, byTicket)
	}
}

func TestUpdateTradeClosesOnce(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	tr := openTrade("u1", "100", base)
	if err := q.SaveTrade(ctx, tr); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	closeTime := base.Add(2 * time.Hour)
	tr.Status = TradeClosed
	tr.CloseTime = &closeTime
	tr.ClosePrice = 1.12
	tr.Profit = 20
	if err := q.UpdateTrade(ctx, tr); err != nil {
		t.Fatalf("UpdateTrade: %v", err)
	}

	tr.Status = TradeOpen
	tr.CloseTime = nil
	if err := q.UpdateTrade(ctx, tr); !errors.Is(err, ErrTradeClosed) {
		t.Fatalf("expected ErrTradeClosed, got %v", err)
	}

	missing := openTrade("u1", "999", base)
	missing.ID = "nope"
	if err := q.UpdateTrade(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	closed, err := q.QueryTrades(ctx, TradeFilter{UserID: "u1", Status: TradeClosed})
	if err != nil || len(closed) != 1 {
		t.Fatalf("closed trades: %v %+v", err, closed)
	}
	if closed[0].CloseTime == nil || !closed[0].CloseTime.Equal(closeTime) || closed[0].Profit != 20 {
		t.Fatalf("unexpected closed trade: %+v", closed[0])
	}
}

func TestTradeValidation(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()
	base := time.Now()

	t.Run("requires userID", func(t *testing.T) {
		if err := q.SaveTrade(ctx, openTrade("", "1", base)); err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})

	t.Run("close before open", func(t *testing.T) {
		tr := openTrade("u1", "1", base)
		before := base.Add(-time.Minute)
		tr.Status = TradeClosed
		tr.CloseTime = &before
		if err := q.SaveTrade(ctx, tr); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("expected ErrInvalidRecord, got %v", err)
		}
	})

	t.Run("zero volume", func(t *testing.T) {
		tr := openTrade("u1", "1", base)
		tr.Volume = 0
		if err := q.SaveTrade(ctx, tr); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("expected ErrInvalidRecord, got %v", err)
		}
	})
}

func TestPredictionLifecycle(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, conf := range []float64{0.55, 0.7, 0.9} {
		p := &PredictionRecord{
			Symbol:     "EURUSD",
			Timeframe:  "H1",
			Time:       base.Add(time.Duration(i) * time.Hour),
			Direction:  DirectionBuy,
			Confidence: conf,
		}
		if err := q.SavePrediction(ctx, p); err != nil {
			t.Fatalf("SavePrediction: %v", err)
		}
	}

	if err := q.SavePrediction(ctx, &PredictionRecord{Symbol: "EURUSD", Direction: DirectionSell, Confidence: 1.5}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected confidence rejection, got %v", err)
	}

	minConf := 0.6
	latest, err := q.QueryPredictions(ctx, PredictionFilter{
		Symbol:        "EURUSD",
		Direction:     DirectionBuy,
		MinConfidence: &minConf,
		Before:        base.Add(3 * time.Hour),
		Desc:          true,
		Limit:         1,
	})
	if err != nil || len(latest) != 1 {
		t.Fatalf("QueryPredictions: %v %+v", err, latest)
	}
	if latest[0].Confidence != 0.9 || latest[0].Outcome != OutcomePending {
		t.Fatalf("unexpected prediction: %+v", latest[0])
	}

	p := latest[0]
	p.Outcome = OutcomeSuccess
	p.ProfitUnits = 12.5
	if err := q.UpdatePrediction(ctx, &p); err != nil {
		t.Fatalf("UpdatePrediction: %v", err)
	}
	p.Outcome = OutcomeFailure
	if err := q.UpdatePrediction(ctx, &p); !errors.Is(err, ErrPredictionResolved) {
		t.Fatalf("expected ErrPredictionResolved, got %v", err)
	}

	resolved, err := q.QueryPredictions(ctx, PredictionFilter{Outcomes: []Outcome{OutcomeSuccess, OutcomeFailure}})
	if err != nil || len(resolved) != 1 || resolved[0].ProfitUnits != 12.5 || resolved[0].ResolvedAt == nil {
		t.Fatalf("resolved predictions: %v %+v", err, resolved)
	}
}
