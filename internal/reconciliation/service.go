package reconciliation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"session-core/internal/engine"
	"session-core/internal/session"
	"session-core/pkg/db"
)

// volumeTolerance absorbs float noise between engine and stored volumes.
const volumeTolerance = 0.0001

// PositionSource lists open positions at the engine.
type PositionSource interface {
	Positions(ctx context.Context, key session.ConnectionKey) ([]engine.Position, error)
}

// TradeSource lists stored trades.
type TradeSource interface {
	QueryTrades(ctx context.Context, f db.TradeFilter) ([]db.TradeRecord, error)
}

// Service compares engine positions with stored OPEN trades.
type Service struct {
	positions PositionSource
	trades    TradeSource
	log       *zap.Logger
	now       func() time.Time
	mu        sync.Mutex
	last      map[session.ConnectionKey]*Report
}

// Report lists the differences found for one connection.
type Report struct {
	Connection      string            `json:"connectionId"`
	Timestamp       time.Time         `json:"timestamp"`
	MissingLocally  []engine.Position `json:"missingLocally"`
	MissingAtEngine []db.TradeRecord  `json:"missingAtEngine"`
	VolumeDiffs     []VolumeDiff      `json:"volumeDiffs"`
	HasDiffs        bool              `json:"hasDiffs"`
}

// VolumeDiff is a ticket present on both sides with different volumes.
type VolumeDiff struct {
	Ticket       string  `json:"ticket"`
	Symbol       string  `json:"symbol"`
	LocalVolume  float64 `json:"localVolume"`
	EngineVolume float64 `json:"engineVolume"`
	Difference   float64 `json:"difference"`
}

// NewService creates a reconciliation service.
func NewService(positions PositionSource, trades TradeSource, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		positions: positions,
		trades:    trades,
		log:       log.Named("reconcile"),
		now:       time.Now,
		last:      make(map[session.ConnectionKey]*Report),
	}
}

// Reconcile checks one connection. Differences are logged, never repaired.
func (s *Service) Reconcile(ctx context.Context, key session.ConnectionKey) (*Report, error) {
	positions, err := s.positions.Positions(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", key, err)
	}
	open, err := s.trades.QueryTrades(ctx, db.TradeFilter{
		UserID:  key.UserID,
		Account: key.Login,
		Status:  db.TradeOpen,
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", key, err)
	}

	report := compare(positions, open)
	report.Connection = key.String()
	report.Timestamp = s.now()

	s.mu.Lock()
	s.last[key] = report
	s.mu.Unlock()

	s.handleReport(report)
	return report, nil
}

// Last returns the latest report for a connection.
func (s *Service) Last(key session.ConnectionKey) (*Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.last[key]
	return r, ok
}

func compare(positions []engine.Position, open []db.TradeRecord) *Report {
	report := &Report{
		MissingLocally:  []engine.Position{},
		MissingAtEngine: []db.TradeRecord{},
		VolumeDiffs:     []VolumeDiff{},
	}

	local := make(map[string]db.TradeRecord, len(open))
	for _, t := range open {
		if t.Ticket != "" {
			local[t.Ticket] = t
		}
	}
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		ticket := p.Ticket.String()
		seen[ticket] = true
		t, ok := local[ticket]
		if !ok {
			report.MissingLocally = append(report.MissingLocally, p)
			continue
		}
		if math.Abs(t.Volume-p.Volume) > volumeTolerance {
			report.VolumeDiffs = append(report.VolumeDiffs, VolumeDiff{
				Ticket:       ticket,
				Symbol:       p.Symbol,
				LocalVolume:  t.Volume,
				EngineVolume: p.Volume,
				Difference:   t.Volume - p.Volume,
			})
		}
	}
	for _, t := range open {
		if !seen[t.Ticket] {
			report.MissingAtEngine = append(report.MissingAtEngine, t)
		}
	}
	sort.Slice(report.MissingLocally, func(i, j int) bool {
		return report.MissingLocally[i].Ticket < report.MissingLocally[j].Ticket
	})

	report.HasDiffs = len(report.MissingLocally) > 0 || len(report.MissingAtEngine) > 0 || len(report.VolumeDiffs) > 0
	return report
}

func (s *Service) handleReport(report *Report) {
	if !report.HasDiffs {
		s.log.Debug("positions match", zap.String("connection", report.Connection))
		return
	}
	for _, p := range report.MissingLocally {
		s.log.Warn("position not recorded",
			zap.Bool("reconcile", true),
			zap.String("connection", report.Connection),
			zap.String("ticket", p.Ticket.String()),
			zap.String("symbol", p.Symbol),
			zap.Float64("volume", p.Volume))
	}
	for _, t := range report.MissingAtEngine {
		s.log.Warn("recorded trade not open at engine",
			zap.Bool("reconcile", true),
			zap.String("connection", report.Connection),
			zap.String("trade_id", t.ID),
			zap.String("ticket", t.Ticket))
	}
	for _, d := range report.VolumeDiffs {
		s.log.Warn("volume mismatch",
			zap.Bool("reconcile", true),
			zap.String("connection", report.Connection),
			zap.String("ticket", d.Ticket),
			zap.Float64("local", d.LocalVolume),
			zap.Float64("engine", d.EngineVolume))
	}
}
