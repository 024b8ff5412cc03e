package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"session-core/internal/events"
	"session-core/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient serializes writes to one websocket connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsClient) write(fn func() error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return fn()
}

// splitList reads a repeatable, comma separated query parameter.
func splitList(values []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part != "" && !seen[part] {
				seen[part] = true
				out = append(out, part)
			}
		}
	}
	return out
}

// websocket streams the caller's user topic plus any market and prediction
// topics named with ?market= and ?predictions=.
func (s *Server) websocket(c *gin.Context) {
	tok, err := bearerToken(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "MISSING_TOKEN", "error": err.Error()})
		return
	}
	userID, err := parseToken(tok, s.opts.JWTSecret)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "INVALID_TOKEN", "error": "invalid or expired token"})
		return
	}

	markets := splitList(c.QueryArray("market"))
	topics := []string{events.UserTopic(userID)}
	for _, sym := range markets {
		topics = append(topics, events.MarketTopic(sym))
	}
	for _, sym := range splitList(c.QueryArray("predictions")) {
		topics = append(topics, events.PredictionTopic(sym))
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{conn: conn}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.closing:
			cancel()
		}
		conn.Close()
	}()

	// Subscribe before watching so the first snapshot is not missed.
	var wg sync.WaitGroup
	for _, topic := range topics {
		stream, unsub := s.Bus.Subscribe(topic, s.opts.EventBuffer)
		defer unsub()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.forward(ctx, cancel, client, stream)
		}()
	}
	defer wg.Wait()

	if s.Feed != nil && len(markets) > 0 {
		if key, ok := s.userConnection(userID, c.Query("connection")); ok {
			for _, sym := range markets {
				if err := s.Feed.Watch(ctx, key, sym); err != nil {
					s.log.Warn("market watch failed",
						zap.String("connection", key.String()),
						zap.String("symbol", sym),
						zap.Error(err))
					continue
				}
				defer s.unwatch(key, sym)
			}
		}
	}

	s.log.Info("ws client connected",
		zap.String("user_id", userID),
		zap.Strings("topics", topics))
	go s.ping(ctx, cancel, client)
	s.readLoop(cancel, conn)
	s.log.Info("ws client disconnected", zap.String("user_id", userID))
}

func (s *Server) unwatch(key session.ConnectionKey, symbol string) {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
	defer cancel()
	if err := s.Feed.Unwatch(ctx, key, symbol); err != nil {
		s.log.Warn("market unwatch failed",
			zap.String("connection", key.String()),
			zap.String("symbol", symbol),
			zap.Error(err))
	}
}

func (s *Server) forward(ctx context.Context, cancel context.CancelFunc, client *wsClient, stream <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-stream:
			if !ok {
				return
			}
			if err := client.write(func() error { return client.conn.WriteJSON(evt) }); err != nil {
				s.log.Debug("ws write failed", zap.Error(err))
				cancel()
				return
			}
		}
	}
}

func (s *Server) ping(ctx context.Context, cancel context.CancelFunc, client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.write(func() error {
				return client.conn.WriteMessage(websocket.PingMessage, nil)
			}); err != nil {
				cancel()
				return
			}
		}
	}
}

// readLoop drains client frames until the connection fails. Clients only
// send control frames; anything else is ignored.
func (s *Server) readLoop(cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
