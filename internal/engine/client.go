package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Transport performs one raw round trip and returns the engine's response
// bytes. Implementations must honor ctx cancellation.
type Transport interface {
	RoundTrip(ctx context.Context, req Request) ([]byte, error)
}

// Observer receives one sample per engine call.
type Observer interface {
	ObserveEngineCall(cmd Command, outcome string, d time.Duration)
}

// Call outcomes reported to the Observer.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeTransport = "transport_error"
)

// Config tunes the client.
type Config struct {
	Timeout        time.Duration // per-call deadline
	MaxConcurrency int           // simultaneous in-flight calls
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		MaxConcurrency: 8,
	}
}

// Client executes engine commands. It holds no session state and never retries.
type Client struct {
	transport Transport
	cfg       Config
	slots     chan struct{}
	observer  Observer
	log       *zap.Logger
}

// NewClient creates a client over the given transport.
func NewClient(transport Transport, cfg Config, observer Observer, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		transport: transport,
		cfg:       cfg,
		slots:     make(chan struct{}, cfg.MaxConcurrency),
		observer:  observer,
		log:       log,
	}
}

// Execute runs cmd with positional args. Transport-level problems come back
// as *TransportError, in-band refusals as *RejectedError.
func (c *Client) Execute(ctx context.Context, cmd Command, args ...string) (*Result, error) {
	if !cmd.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	// Acquire worker slot
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, c.fail(cmd, 0, timeoutCause(ctx.Err()))
	}
	defer func() { <-c.slots }()

	start := time.Now()
	raw, err := c.transport.RoundTrip(ctx, Request{
		Version: ProtocolVersion,
		Command: cmd,
		Args:    args,
	})
	elapsed := time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", timeoutCause(ctxErr), err)
		}
		return nil, c.fail(cmd, elapsed, err)
	}

	res, err := parseResult(raw)
	if err != nil {
		return nil, c.fail(cmd, elapsed, err)
	}
	if !res.Success {
		c.observe(cmd, OutcomeRejected, elapsed)
		c.log.Info("engine rejected command",
			zap.String("command", string(cmd)),
			zap.String("message", res.Message),
			zap.Duration("elapsed", elapsed))
		return nil, &RejectedError{Command: cmd, Message: res.Message}
	}

	c.observe(cmd, OutcomeOK, elapsed)
	c.log.Debug("engine command ok",
		zap.String("command", string(cmd)),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

func (c *Client) fail(cmd Command, elapsed time.Duration, err error) error {
	c.observe(cmd, OutcomeTransport, elapsed)
	c.log.Warn("engine transport failure",
		zap.String("command", string(cmd)),
		zap.Duration("elapsed", elapsed),
		zap.Error(err))
	return &TransportError{Command: cmd, Err: err}
}

func (c *Client) observe(cmd Command, outcome string, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveEngineCall(cmd, outcome, d)
	}
}

func timeoutCause(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
