package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-core/internal/engine"
	"session-core/internal/events"
	"session-core/internal/session"
	"session-core/pkg/db"
)

// StartResult is the outcome of StartAutomatedTrading.
type StartResult struct {
	SessionID string `json:"sessionId"`
	// Created is false when a running session was returned.
	Created bool `json:"created"`
}

// StartAutomatedTrading starts the user's automated session on the
// connection. If one is already running its id is returned without another
// START_AUTO; concurrent starts for a user share one engine call.
func (o *Orchestrator) StartAutomatedTrading(ctx context.Context, userID string, key session.ConnectionKey, config json.RawMessage) (StartResult, error) {
	switch {
	case userID == "":
		return StartResult{}, invalid("user id is required")
	case key.UserID != userID:
		return StartResult{}, invalid("connection %s does not belong to user %s", key, userID)
	}
	if len(config) == 0 {
		config = o.opts.DefaultModelConfig
	}
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	if !json.Valid(config) {
		return StartResult{}, invalid("model config is not valid JSON")
	}
	if _, ok := o.registry.Connection(key); !ok {
		return StartResult{}, fmt.Errorf("%s %s: %w", engine.CmdStartAuto, key, ErrNotConnected)
	}

	sess, created, err := o.registry.GetOrCreateSession(ctx, userID, func(ctx context.Context) (session.AutomatedSession, error) {
		id := uuid.NewString()
		if _, err := o.exec.Execute(ctx, engine.CmdStartAuto, key.String(), userID, string(config)); err != nil {
			return session.AutomatedSession{}, err
		}
		return session.AutomatedSession{
			ID:            id,
			UserID:        userID,
			ConnectionKey: key,
			Config:        config,
			StartTime:     o.now(),
		}, nil
	})
	if err != nil {
		o.log.Info("start automated trading failed",
			zap.String("user_id", userID),
			zap.String("connection", key.String()),
			zap.Error(err))
		return StartResult{}, fmt.Errorf("%s %s: %w", engine.CmdStartAuto, key, err)
	}
	if !created {
		return StartResult{SessionID: sess.ID}, nil
	}

	o.registry.TouchConnection(key)
	o.bus.Publish(events.UserTopic(userID), events.ModelStarted, events.ModelEvent{
		SessionID:  sess.ID,
		Connection: key.String(),
		Config:     sess.Config,
		Time:       sess.StartTime,
	})
	o.log.Info("automated trading started",
		zap.String("user_id", userID),
		zap.String("session_id", sess.ID),
		zap.String("connection", key.String()))
	return StartResult{SessionID: sess.ID, Created: true}, nil
}

// StopAutomatedTrading stops the user's session. Without a session it is a
// successful no-op. If STOP_AUTO fails the session stays registered so the
// caller may retry. A start in flight for the user is waited for.
func (o *Orchestrator) StopAutomatedTrading(ctx context.Context, userID string) error {
	if userID == "" {
		return invalid("user id is required")
	}
	sess, existed, err := o.registry.RemoveSession(ctx, userID, func(ctx context.Context, s session.AutomatedSession) (bool, error) {
		if _, err := o.exec.Execute(ctx, engine.CmdStopAuto, s.ConnectionKey.String(), userID); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		o.log.Warn("stop automated trading failed",
			zap.String("user_id", userID),
			zap.Error(err))
		if existed {
			return fmt.Errorf("%s %s: %w", engine.CmdStopAuto, sess.ConnectionKey, err)
		}
		return fmt.Errorf("%s %s: %w", engine.CmdStopAuto, userID, err)
	}
	if !existed {
		return nil
	}

	o.bus.Publish(events.UserTopic(userID), events.ModelStopped, events.ModelEvent{
		SessionID:  sess.ID,
		Connection: sess.ConnectionKey.String(),
		Time:       o.now(),
	})
	o.log.Info("automated trading stopped",
		zap.String("user_id", userID),
		zap.String("session_id", sess.ID))
	return nil
}

// ModelStatus describes a user's automated session.
type ModelStatus struct {
	Running    bool                 `json:"isRunning"`
	State      session.SessionState `json:"state"`
	SessionID  string               `json:"sessionId,omitempty"`
	Connection string               `json:"connectionId,omitempty"`
	StartTime  *time.Time           `json:"startTime,omitempty"`
	Config     json.RawMessage      `json:"config,omitempty"`
}

// ModelStatus reports the user's session state.
func (o *Orchestrator) ModelStatus(userID string) ModelStatus {
	st := ModelStatus{State: o.registry.SessionState(userID)}
	sess, ok := o.registry.Session(userID)
	if !ok {
		return st
	}
	start := sess.StartTime
	st.Running = st.State == session.SessionRunning
	st.SessionID = sess.ID
	st.Connection = sess.ConnectionKey.String()
	st.StartTime = &start
	st.Config = sess.Config
	return st
}

// RecordPrediction stores a model prediction and publishes it on the
// symbol's prediction topic.
func (o *Orchestrator) RecordPrediction(ctx context.Context, p *db.PredictionRecord) error {
	if p == nil {
		return invalid("prediction is required")
	}
	p.Symbol = strings.ToUpper(p.Symbol)
	if p.Time.IsZero() {
		p.Time = o.now()
	}
	if p.Outcome == "" {
		p.Outcome = db.OutcomePending
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := o.store.SavePrediction(ctx, p); err != nil {
		return fmt.Errorf("save prediction: %w", err)
	}
	o.bus.Publish(events.PredictionTopic(p.Symbol), events.Prediction, *p)
	return nil
}

// PublishMarketData fans market data out on the symbol's market topic.
func (o *Orchestrator) PublishMarketData(symbol string, data any) {
	o.bus.Publish(events.MarketTopic(symbol), events.MarketData, data)
}
