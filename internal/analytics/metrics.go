// Package analytics computes performance and risk statistics over closed
// trades and resolved predictions. Every function is pure and returns defined
// values for empty input.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// TradingDaysPerYear annualizes the daily Sharpe ratio.
const TradingDaysPerYear = 252

// Sample is one realized outcome.
type Sample struct {
	Time   time.Time
	Profit float64
	Win    bool
}

// ordered returns samples sorted by time, keeping input order for ties.
func ordered(samples []Sample) []Sample {
	if sort.SliceIsSorted(samples, func(i, j int) bool { return samples[i].Time.Before(samples[j].Time) }) {
		return samples
	}
	out := make([]Sample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// WinRate is wins / total, 0 for no samples.
func WinRate(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	wins := 0
	for _, s := range samples {
		if s.Win {
			wins++
		}
	}
	return float64(wins) / float64(len(samples))
}

// toDecimal converts a profit to decimal. Non-finite values count as zero.
func toDecimal(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f)
}

func grossProfitLoss(samples []Sample) (profit, loss decimal.Decimal) {
	for _, s := range samples {
		d := toDecimal(s.Profit)
		if s.Win {
			profit = profit.Add(d)
		} else {
			loss = loss.Add(d)
		}
	}
	return profit, loss.Abs()
}

// ProfitFactor is gross profit over gross loss. With no losses it is +Inf if
// there was any profit and 0 otherwise.
func ProfitFactor(samples []Sample) Ratio {
	profit, loss := grossProfitLoss(samples)
	if loss.IsZero() {
		if profit.IsPositive() {
			return Ratio(math.Inf(1))
		}
		return 0
	}
	f, _ := profit.Div(loss).Float64()
	return Ratio(f)
}

// AverageProfit is the mean profit of winning samples.
func AverageProfit(samples []Sample) float64 {
	return mean(samples, true)
}

// AverageLoss is the mean profit of losing samples. It is zero or negative.
func AverageLoss(samples []Sample) float64 {
	return mean(samples, false)
}

func mean(samples []Sample, win bool) float64 {
	sum := decimal.Zero
	n := 0
	for _, s := range samples {
		if s.Win == win {
			sum = sum.Add(toDecimal(s.Profit))
			n++
		}
	}
	if n == 0 {
		return 0
	}
	f, _ := sum.Div(decimal.NewFromInt(int64(n))).Float64()
	return f
}

// DrawdownPoint is one step of the cumulative profit walk.
type DrawdownPoint struct {
	Time         time.Time `json:"time"`
	RunningTotal float64   `json:"runningTotal"`
	Peak         float64   `json:"peak"`
	Drawdown     float64   `json:"drawdown"`
	MaxDrawdown  float64   `json:"maxDrawdown"`
}

// DrawdownCurve walks samples in time order. The peak starts at zero, so
// early losses count as drawdown. MaxDrawdown never decreases along the curve.
func DrawdownCurve(samples []Sample) []DrawdownPoint {
	samples = ordered(samples)
	curve := make([]DrawdownPoint, 0, len(samples))
	running, peak, maxDD := decimal.Zero, decimal.Zero, decimal.Zero
	for _, s := range samples {
		running = running.Add(toDecimal(s.Profit))
		peak = decimal.Max(peak, running)
		dd := peak.Sub(running)
		maxDD = decimal.Max(maxDD, dd)
		curve = append(curve, DrawdownPoint{
			Time:         s.Time,
			RunningTotal: running.InexactFloat64(),
			Peak:         peak.InexactFloat64(),
			Drawdown:     dd.InexactFloat64(),
			MaxDrawdown:  maxDD.InexactFloat64(),
		})
	}
	return curve
}

// MaxDrawdown returns the largest peak-to-trough decline of cumulative profit
// and that decline as a percentage of the final peak (0 when the peak is 0).
func MaxDrawdown(samples []Sample) (amount, percent float64) {
	curve := DrawdownCurve(samples)
	if len(curve) == 0 {
		return 0, 0
	}
	last := curve[len(curve)-1]
	if last.Peak > 0 {
		percent = last.MaxDrawdown / last.Peak * 100
	}
	return last.MaxDrawdown, percent
}

// DailyReturns sums profit per calendar day in loc, in day order.
func DailyReturns(samples []Sample, loc *time.Location) []float64 {
	if loc == nil {
		loc = time.Local
	}
	var (
		returns []float64
		day     time.Time
		sum     decimal.Decimal
		open    bool
	)
	for _, s := range ordered(samples) {
		t := s.Time.In(loc)
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		if open && !d.Equal(day) {
			returns = append(returns, sum.InexactFloat64())
			sum = decimal.Zero
		}
		day, open = d, true
		sum = sum.Add(toDecimal(s.Profit))
	}
	if open {
		returns = append(returns, sum.InexactFloat64())
	}
	return returns
}

// SharpeRatio annualizes mean/stddev of daily returns with a zero risk-free
// rate. It is 0 when the population std dev is 0, including a single day.
func SharpeRatio(samples []Sample, loc *time.Location) float64 {
	returns := DailyReturns(samples, loc)
	if len(returns) == 0 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	avg := sum / float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - avg) * (r - avg)
	}
	std := math.Sqrt(variance / float64(len(returns)))
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return avg / std * math.Sqrt(TradingDaysPerYear)
}
