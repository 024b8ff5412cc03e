package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the session core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Logging
	Log LogConfig

	// Trading engine
	Engine EngineConfig

	// Orchestration
	ShutdownTimeout time.Duration
	MaxOpenTrades   int
	ModelConfigPath string

	// Event delivery
	EventBuffer int
	JWTSecret   string
	WSRateLimit float64

	// Background jobs
	HeartbeatSchedule  string
	HeartbeatIdle      time.Duration
	ReconcileSchedule  string
	MarketPollInterval time.Duration
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string
	Encoding    string // "json" or "console"
	Development bool
}

// EngineConfig selects and tunes the trading engine transport.
type EngineConfig struct {
	Transport      string // "process" (default) or "grpc"
	Command        string
	Script         string
	GRPCAddr       string
	Timeout        time.Duration
	MaxConcurrency int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/sessions.db")
	}

	return &Config{
		Port:   getEnv("PORT", "8080"),
		DBPath: dbPath,
		Log: LogConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Encoding:    getEnv("LOG_ENCODING", "json"),
			Development: getEnv("LOG_DEVELOPMENT", "false") == "true",
		},
		Engine: EngineConfig{
			Transport:      strings.ToLower(getEnv("ENGINE_TRANSPORT", "process")),
			Command:        getEnv("ENGINE_COMMAND", "python3"),
			Script:         getEnv("ENGINE_SCRIPT", "./scripts/mt5_connection.py"),
			GRPCAddr:       getEnv("ENGINE_GRPC_ADDR", "localhost:50051"),
			Timeout:        getEnvDuration("ENGINE_TIMEOUT", 30*time.Second),
			MaxConcurrency: getEnvInt("ENGINE_MAX_CONCURRENCY", 8),
		},
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 60*time.Second),
		MaxOpenTrades:      getEnvInt("MAX_OPEN_TRADES", 0),
		ModelConfigPath:    getEnv("MODEL_CONFIG_PATH", ""),
		EventBuffer:        getEnvInt("EVENT_BUFFER", 64),
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
		WSRateLimit:        getEnvFloat("WS_RATE_LIMIT", 20),
		HeartbeatSchedule:  getEnv("HEARTBEAT_SCHEDULE", "@every 1m"),
		HeartbeatIdle:      getEnvDuration("HEARTBEAT_IDLE", 5*time.Minute),
		ReconcileSchedule:  getEnv("RECONCILE_SCHEDULE", "@every 10m"),
		MarketPollInterval: getEnvDuration("MARKET_POLL_INTERVAL", 5*time.Second),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("30s") or bare seconds ("30").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
