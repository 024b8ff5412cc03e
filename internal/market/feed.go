package market

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"session-core/internal/engine"
	"session-core/internal/orchestrator"
	"session-core/internal/session"
)

// Source is the slice of the orchestrator the feed drives.
type Source interface {
	StartMarketStream(ctx context.Context, key session.ConnectionKey, symbol string) error
	StopMarketStream(ctx context.Context, key session.ConnectionKey, symbol string) error
	MarketData(ctx context.Context, key session.ConnectionKey, symbol, timeframe string, count int) (engine.MarketData, error)
	PublishMarketData(symbol string, data any)
}

// Config tunes polling.
type Config struct {
	Interval  time.Duration
	Timeframe string
	Bars      int
}

// DefaultConfig polls the last two hourly bars every five seconds.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second, Timeframe: "1h", Bars: 2}
}

// Watch is one streamed (connection, symbol) pair.
type Watch struct {
	Connection session.ConnectionKey `json:"connection"`
	Symbol     string                `json:"symbol"`
	Watchers   int                   `json:"watchers"`
}

type watchKey struct {
	conn   session.ConnectionKey
	symbol string
}

// Feed keeps engine streams open for watched symbols and polls MARKET_DATA,
// publishing each snapshot on the symbol's market topic.
type Feed struct {
	src Source
	cfg Config
	log *zap.Logger

	// mu is held across STREAM_START/STREAM_STOP so a pair never has two
	// calls in flight.
	mu      sync.Mutex
	watches map[watchKey]int
}

// NewFeed creates a feed.
func NewFeed(src Source, cfg Config, log *zap.Logger) *Feed {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = def.Timeframe
	}
	if cfg.Bars <= 0 {
		cfg.Bars = def.Bars
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		src:     src,
		cfg:     cfg,
		log:     log.Named("market"),
		watches: make(map[watchKey]int),
	}
}

// Watch adds a watcher for symbol on the connection. The first watcher
// starts the engine stream.
func (f *Feed) Watch(ctx context.Context, key session.ConnectionKey, symbol string) error {
	wk := watchKey{conn: key, symbol: strings.ToUpper(symbol)}
	f.mu.Lock()
	defer f.mu.Unlock()

	if n := f.watches[wk]; n > 0 {
		f.watches[wk] = n + 1
		return nil
	}
	if err := f.src.StartMarketStream(ctx, key, wk.symbol); err != nil {
		return err
	}
	f.watches[wk] = 1
	f.log.Info("stream started",
		zap.String("connection", key.String()),
		zap.String("symbol", wk.symbol))
	return nil
}

// Unwatch removes a watcher. The last one stops the engine stream.
func (f *Feed) Unwatch(ctx context.Context, key session.ConnectionKey, symbol string) error {
	wk := watchKey{conn: key, symbol: strings.ToUpper(symbol)}
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.watches[wk]
	switch {
	case n == 0:
		return nil
	case n > 1:
		f.watches[wk] = n - 1
		return nil
	}
	delete(f.watches, wk)
	err := f.src.StopMarketStream(ctx, key, wk.symbol)
	if errors.Is(err, orchestrator.ErrNotConnected) {
		return nil
	}
	return err
}

// Watching lists the active pairs ordered by connection and symbol.
func (f *Feed) Watching() []Watch {
	f.mu.Lock()
	out := make([]Watch, 0, len(f.watches))
	for wk, n := range f.watches {
		out = append(out, Watch{Connection: wk.conn, Symbol: wk.symbol, Watchers: n})
	}
	f.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Connection.String(), out[j].Connection.String()
		if a != b {
			return a < b
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Start polls until ctx is done.
func (f *Feed) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(f.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Poll(ctx)
			}
		}
	}()
}

// Poll fetches one snapshot per watched pair and returns how many were
// published. Pairs whose connection is gone are forgotten.
func (f *Feed) Poll(ctx context.Context) int {
	published := 0
	for _, w := range f.Watching() {
		md, err := f.src.MarketData(ctx, w.Connection, w.Symbol, f.cfg.Timeframe, f.cfg.Bars)
		if err != nil {
			if errors.Is(err, orchestrator.ErrNotConnected) || engine.IsTransport(err) {
				f.forget(w.Connection, w.Symbol)
			}
			f.log.Warn("market snapshot failed",
				zap.String("connection", w.Connection.String()),
				zap.String("symbol", w.Symbol),
				zap.Error(err))
			continue
		}
		f.src.PublishMarketData(w.Symbol, md)
		published++
	}
	return published
}

func (f *Feed) forget(key session.ConnectionKey, symbol string) {
	f.mu.Lock()
	delete(f.watches, watchKey{conn: key, symbol: symbol})
	f.mu.Unlock()
}

// Close stops every stream still open.
func (f *Feed) Close(ctx context.Context) {
	f.mu.Lock()
	pairs := make([]watchKey, 0, len(f.watches))
	for wk := range f.watches {
		pairs = append(pairs, wk)
	}
	f.watches = make(map[watchKey]int)
	f.mu.Unlock()

	for _, wk := range pairs {
		if err := f.src.StopMarketStream(ctx, wk.conn, wk.symbol); err != nil && !errors.Is(err, orchestrator.ErrNotConnected) {
			f.log.Warn("stop stream failed",
				zap.String("connection", wk.conn.String()),
				zap.String("symbol", wk.symbol),
				zap.Error(err))
		}
	}
}
