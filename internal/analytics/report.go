package analytics

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"session-core/pkg/db"
)

// Period is a reporting window ending now.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
	PeriodAll   Period = "all"
)

// ParsePeriod accepts the known names; empty means all.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear, PeriodAll:
		return p, nil
	case "":
		return PeriodAll, nil
	default:
		return "", fmt.Errorf("unknown period %q", s)
	}
}

// Range returns the [start, end] window for p ending at now. PeriodAll starts
// at the Unix epoch.
func (p Period) Range(now time.Time) (time.Time, time.Time) {
	switch p {
	case PeriodDay:
		return now.AddDate(0, 0, -1), now
	case PeriodWeek:
		return now.AddDate(0, 0, -7), now
	case PeriodMonth:
		return now.AddDate(0, -1, 0), now
	case PeriodYear:
		return now.AddDate(-1, 0, 0), now
	default:
		return time.Unix(0, 0).UTC(), now
	}
}

// Report bundles the performance metrics of one sample set.
type Report struct {
	Total              int     `json:"total"`
	Wins               int     `json:"wins"`
	WinRate            float64 `json:"winRate"`
	GrossProfit        float64 `json:"grossProfit"`
	GrossLoss          float64 `json:"grossLoss"`
	AverageProfit      float64 `json:"averageProfit"`
	AverageLoss        float64 `json:"averageLoss"`
	ProfitFactor       Ratio   `json:"profitFactor"`
	SharpeRatio        float64 `json:"sharpeRatio"`
	MaxDrawdown        float64 `json:"maxDrawdown"`
	MaxDrawdownPercent float64 `json:"maxDrawdownPercent"`
}

// Summarize computes every metric over samples. loc sets the day boundary for
// the Sharpe ratio.
func Summarize(samples []Sample, loc *time.Location) Report {
	samples = ordered(samples)
	profit, loss := grossProfitLoss(samples)
	r := Report{
		Total:         len(samples),
		WinRate:       WinRate(samples),
		GrossProfit:   profit.InexactFloat64(),
		GrossLoss:     loss.InexactFloat64(),
		AverageProfit: AverageProfit(samples),
		AverageLoss:   AverageLoss(samples),
		ProfitFactor:  ProfitFactor(samples),
		SharpeRatio:   SharpeRatio(samples, loc),
	}
	for _, s := range samples {
		if s.Win {
			r.Wins++
		}
	}
	r.MaxDrawdown, r.MaxDrawdownPercent = MaxDrawdown(samples)
	return r
}

// FromTrades converts closed trades to samples at their close time. Open
// trades are skipped. A trade wins when its profit is positive.
func FromTrades(trades []db.TradeRecord) []Sample {
	out := make([]Sample, 0, len(trades))
	for _, t := range trades {
		if t.Status != db.TradeClosed || t.CloseTime == nil {
			continue
		}
		out = append(out, Sample{Time: *t.CloseTime, Profit: t.Profit, Win: t.Profit > 0})
	}
	return out
}

// FromPredictions converts resolved predictions to samples. Only SUCCESS and
// FAILURE count; profit is the pip-unit result.
func FromPredictions(preds []db.PredictionRecord) []Sample {
	out := make([]Sample, 0, len(preds))
	for _, p := range preds {
		switch p.Outcome {
		case db.OutcomeSuccess, db.OutcomeFailure:
			out = append(out, Sample{Time: p.Time, Profit: p.ProfitUnits, Win: p.Outcome == db.OutcomeSuccess})
		}
	}
	return out
}

// TradeReport is the trade statistics view.
type TradeReport struct {
	Report
	Period          Period    `json:"period"`
	TotalProfit     float64   `json:"totalProfit"`
	TotalCommission float64   `json:"totalCommission"`
	TotalSwap       float64   `json:"totalSwap"`
	NetProfit       float64   `json:"netProfit"`
	StartDate       time.Time `json:"startDate"`
	EndDate         time.Time `json:"endDate"`
}

// TradeStats summarizes closed trades. Net profit subtracts commission and
// swap from the total.
func TradeStats(trades []db.TradeRecord, period Period, start, end time.Time, loc *time.Location) TradeReport {
	var total, commission, swap decimal.Decimal
	for _, t := range trades {
		if t.Status != db.TradeClosed {
			continue
		}
		total = total.Add(decimal.NewFromFloat(t.Profit))
		commission = commission.Add(decimal.NewFromFloat(t.Commission))
		swap = swap.Add(decimal.NewFromFloat(t.Swap))
	}
	return TradeReport{
		Report:          Summarize(FromTrades(trades), loc),
		Period:          period,
		TotalProfit:     total.InexactFloat64(),
		TotalCommission: commission.InexactFloat64(),
		TotalSwap:       swap.InexactFloat64(),
		NetProfit:       total.Sub(commission).Sub(swap).InexactFloat64(),
		StartDate:       start,
		EndDate:         end,
	}
}

// PredictionReport is the model performance view.
type PredictionReport struct {
	Report
	Period    Period    `json:"period"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
}

// PredictionStats summarizes resolved predictions.
func PredictionStats(preds []db.PredictionRecord, period Period, start, end time.Time, loc *time.Location) PredictionReport {
	return PredictionReport{
		Report:    Summarize(FromPredictions(preds), loc),
		Period:    period,
		StartDate: start,
		EndDate:   end,
	}
}
