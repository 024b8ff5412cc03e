package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"session-core/internal/events"
	"session-core/internal/monitor"
	"session-core/internal/session"
)

// MarketWatcher keeps engine market streams open while clients watch them.
type MarketWatcher interface {
	Watch(ctx context.Context, key session.ConnectionKey, symbol string) error
	Unwatch(ctx context.Context, key session.ConnectionKey, symbol string) error
}

// Options tune the HTTP surface.
type Options struct {
	JWTSecret   string
	RateLimit   float64 // requests per second per IP
	RateBurst   int
	EventBuffer int
	Version     string
}

// Server wires HTTP endpoints around the event bus.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	Registry *session.Registry
	Feed     MarketWatcher
	Metrics  *monitor.Metrics

	opts      Options
	log       *zap.Logger
	mu        sync.Mutex
	http      *http.Server
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer builds the router. feed and metrics may be nil.
func NewServer(bus *events.Bus, registry *session.Registry, feed MarketWatcher, metrics *monitor.Metrics, opts Options, log *zap.Logger) *Server {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("api")

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, metrics))
	r.Use(RateLimitMiddleware(newIPLimiters(opts.RateLimit, opts.RateBurst), log))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:   r,
		Bus:      bus,
		Registry: registry,
		Feed:     feed,
		Metrics:  metrics,
		opts:     opts,
		log:      log,
		closing:  make(chan struct{}),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}
	s.Router.GET("/ws", s.websocket)

	protected := s.Router.Group("/api")
	protected.Use(TimeoutMiddleware(30*time.Second), AuthMiddleware(s.opts.JWTSecret))
	{
		protected.GET("/session", s.getSession)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"version":     s.opts.Version,
		"connections": s.Registry.ConnectionCount(),
		"sessions":    s.Registry.SessionCount(),
		"subscribers": s.Bus.SubscriberCount(),
	})
}

// getSession lists the caller's connections and automated session.
func (s *Server) getSession(c *gin.Context) {
	userID := CurrentUserID(c)

	conns := []session.Connection{}
	for _, conn := range s.Registry.Connections() {
		if conn.Key.UserID == userID {
			conns = append(conns, conn)
		}
	}
	resp := gin.H{
		"connections": conns,
		"state":       s.Registry.SessionState(userID),
	}
	if sess, ok := s.Registry.Session(userID); ok {
		resp["session"] = sess
	}
	c.JSON(http.StatusOK, resp)
}

// userConnection picks the caller's connection: the one named by id, or
// the first registered one.
func (s *Server) userConnection(userID, id string) (session.ConnectionKey, bool) {
	for _, conn := range s.Registry.Connections() {
		if conn.Key.UserID != userID {
			continue
		}
		if id == "" || conn.Key.String() == id {
			return conn.Key, true
		}
	}
	return session.ConnectionKey{}, false
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.log.Info("http server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes websocket clients, stops accepting requests and waits for
// handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
