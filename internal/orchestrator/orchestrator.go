// Package orchestrator drives brokerage connections, trades and automated
// sessions through the trading engine, keeping the session registry, the
// store and the event bus in step.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"session-core/internal/engine"
	"session-core/internal/events"
	"session-core/internal/session"
	"session-core/pkg/db"
)

// Executor runs one engine command.
type Executor interface {
	Execute(ctx context.Context, cmd engine.Command, args ...string) (*engine.Result, error)
}

// Store persists trades and predictions.
type Store interface {
	SaveTrade(ctx context.Context, t *db.TradeRecord) error
	UpdateTrade(ctx context.Context, t *db.TradeRecord) error
	SavePrediction(ctx context.Context, p *db.PredictionRecord) error
	UpdatePrediction(ctx context.Context, p *db.PredictionRecord) error
	QueryTrades(ctx context.Context, f db.TradeFilter) ([]db.TradeRecord, error)
	QueryPredictions(ctx context.Context, f db.PredictionFilter) ([]db.PredictionRecord, error)
}

// Publisher fans events out by topic.
type Publisher interface {
	Publish(topic, name string, payload any)
}

// Options tune the orchestrator.
type Options struct {
	MaxOpenTrades       int             // fallback when the session config has none; 0 disables
	DefaultModelConfig  json.RawMessage // used when StartAutomatedTrading gets no config
	ShutdownConcurrency int
	DropTimeout         time.Duration // bound on cleanup after a transport failure
	Location            *time.Location
	Now                 func() time.Time
}

// Orchestrator composes the engine client, the registry, the store and the bus.
type Orchestrator struct {
	exec     Executor
	registry *session.Registry
	store    Store
	bus      Publisher
	opts     Options
	log      *zap.Logger
}

// New creates an orchestrator.
func New(exec Executor, registry *session.Registry, store Store, bus Publisher, opts Options, log *zap.Logger) *Orchestrator {
	if opts.ShutdownConcurrency <= 0 {
		opts.ShutdownConcurrency = 8
	}
	if opts.DropTimeout <= 0 {
		opts.DropTimeout = 5 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		exec:     exec,
		registry: registry,
		store:    store,
		bus:      bus,
		opts:     opts,
		log:      log.Named("orchestrator"),
	}
}

// Registry exposes the session registry for read access.
func (o *Orchestrator) Registry() *session.Registry { return o.registry }

func (o *Orchestrator) now() time.Time { return o.opts.Now() }

// call runs a command bound to a registered connection. Arguments are
// prefixed with server and login. A transport failure drops the connection.
func (o *Orchestrator) call(ctx context.Context, key session.ConnectionKey, cmd engine.Command, args ...string) (*engine.Result, error) {
	if _, ok := o.registry.Connection(key); !ok {
		return nil, fmt.Errorf("%s %s: %w", cmd, key, ErrNotConnected)
	}
	full := make([]string, 0, len(args)+2)
	full = append(full, key.Server, key.Login)
	full = append(full, args...)

	res, err := o.exec.Execute(ctx, cmd, full...)
	if err != nil {
		if engine.IsTransport(err) {
			o.dropConnection(ctx, key, cmd, err)
		}
		return nil, fmt.Errorf("%s %s: %w", cmd, key, err)
	}
	o.registry.TouchConnection(key)
	return res, nil
}

// dropConnection removes a connection after a transport failure. It runs
// detached from the caller's cancellation so cleanup still happens.
func (o *Orchestrator) dropConnection(ctx context.Context, key session.ConnectionKey, cmd engine.Command, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.DropTimeout)
	defer cancel()

	_, existed, err := o.registry.RemoveConnection(ctx, key, nil)
	if err != nil {
		o.log.Warn("drop connection failed",
			zap.String("connection", key.String()),
			zap.Error(err))
		return
	}
	if !existed {
		return
	}
	o.log.Warn("connection lost",
		zap.String("connection", key.String()),
		zap.String("command", string(cmd)),
		zap.Error(cause))
	o.bus.Publish(events.UserTopic(key.UserID), events.ConnectionLost, events.ConnectionLostEvent{
		Connection: key.String(),
		Command:    string(cmd),
		Reason:     cause.Error(),
	})
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
