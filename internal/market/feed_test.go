package market

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"session-core/internal/engine"
	"session-core/internal/orchestrator"
	"session-core/internal/session"
)

type fakeSource struct {
	mu        sync.Mutex
	starts    int
	stops     int
	published map[string]int
	dataErr   error
}

func (s *fakeSource) StartMarketStream(context.Context, session.ConnectionKey, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return nil
}

func (s *fakeSource) StopMarketStream(context.Context, session.ConnectionKey, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSource) MarketData(_ context.Context, _ session.ConnectionKey, symbol, timeframe string, count int) (engine.MarketData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dataErr != nil {
		return engine.MarketData{}, s.dataErr
	}
	return engine.MarketData{Symbol: symbol, Timeframe: timeframe, Bars: make([]engine.Bar, count)}, nil
}

func (s *fakeSource) PublishMarketData(symbol string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.published == nil {
		s.published = make(map[string]int)
	}
	if md, ok := data.(engine.MarketData); ok && len(md.Bars) == 2 {
		s.published[symbol]++
	}
}

var key = session.ConnectionKey{UserID: "u1", Login: "1001", Server: "Demo"}

func TestWatchRefCounts(t *testing.T) {
	src := &fakeSource{}
	f := NewFeed(src, Config{}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.Watch(ctx, key, "eurusd"); err != nil {
			t.Fatalf("Watch: %v", err)
		}
	}
	if src.starts != 1 {
		t.Fatalf("STREAM_START issued %d times, want 1", src.starts)
	}
	w := f.Watching()
	if len(w) != 1 || w[0].Symbol != "EURUSD" || w[0].Watchers != 3 {
		t.Fatalf("watching = %+v", w)
	}

	for i := 0; i < 3; i++ {
		if err := f.Unwatch(ctx, key, "EURUSD"); err != nil {
			t.Fatalf("Unwatch: %v", err)
		}
	}
	if src.stops != 1 {
		t.Fatalf("STREAM_STOP issued %d times, want 1", src.stops)
	}
	if err := f.Unwatch(ctx, key, "EURUSD"); err != nil || src.stops != 1 {
		t.Fatalf("extra unwatch: err=%v stops=%d", err, src.stops)
	}
}

func TestPollPublishesSnapshots(t *testing.T) {
	src := &fakeSource{}
	f := NewFeed(src, Config{}, nil)
	ctx := context.Background()
	_ = f.Watch(ctx, key, "EURUSD")
	_ = f.Watch(ctx, key, "XAUUSD")

	if n := f.Poll(ctx); n != 2 {
		t.Fatalf("published %d, want 2", n)
	}
	if src.published["EURUSD"] != 1 || src.published["XAUUSD"] != 1 {
		t.Fatalf("published = %v", src.published)
	}
}

func TestPollForgetsDroppedConnections(t *testing.T) {
	src := &fakeSource{dataErr: fmt.Errorf("MARKET_DATA %s: %w", key, orchestrator.ErrNotConnected)}
	f := NewFeed(src, Config{}, nil)
	ctx := context.Background()
	_ = f.Watch(ctx, key, "EURUSD")

	if n := f.Poll(ctx); n != 0 {
		t.Fatalf("published %d, want 0", n)
	}
	if len(f.Watching()) != 0 {
		t.Fatal("watch should be forgotten")
	}
}

func TestPollKeepsWatchOnRejection(t *testing.T) {
	src := &fakeSource{dataErr: &engine.RejectedError{Command: engine.CmdMarketData, Message: "unknown symbol"}}
	f := NewFeed(src, Config{}, nil)
	_ = f.Watch(context.Background(), key, "EURUSD")

	f.Poll(context.Background())
	if len(f.Watching()) != 1 {
		t.Fatal("a rejection must not forget the watch")
	}
}

func TestCloseStopsAllStreams(t *testing.T) {
	src := &fakeSource{}
	f := NewFeed(src, Config{}, nil)
	ctx := context.Background()
	_ = f.Watch(ctx, key, "EURUSD")
	_ = f.Watch(ctx, key, "EURUSD")
	_ = f.Watch(ctx, key, "GBPUSD")

	f.Close(ctx)
	if src.stops != 2 || len(f.Watching()) != 0 {
		t.Fatalf("stops=%d watching=%v", src.stops, f.Watching())
	}
}
