package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"session-core/internal/engine"
	"session-core/internal/session"
)

// ConnectRequest carries already-authenticated connect parameters.
type ConnectRequest struct {
	UserID   string
	Server   string
	Login    string
	Password string
}

// ConnectionHandle identifies a registered connection.
type ConnectionHandle struct {
	ID          string                `json:"connectionId"`
	Key         session.ConnectionKey `json:"key"`
	AccountInfo json.RawMessage       `json:"accountInfo,omitempty"`
	// Created is false when an existing connection was returned.
	Created bool `json:"created"`
}

// Connect registers a connection, issuing CONNECT only if the key is not
// already connected. Concurrent calls for one key share a single CONNECT.
func (o *Orchestrator) Connect(ctx context.Context, req ConnectRequest) (ConnectionHandle, error) {
	switch {
	case req.UserID == "":
		return ConnectionHandle{}, invalid("user id is required")
	case req.Server == "":
		return ConnectionHandle{}, invalid("server is required")
	case req.Login == "":
		return ConnectionHandle{}, invalid("login is required")
	}
	key := session.ConnectionKey{UserID: req.UserID, Login: req.Login, Server: req.Server}

	conn, created, err := o.registry.GetOrCreateConnection(ctx, key, func(ctx context.Context) (session.Connection, error) {
		res, err := o.exec.Execute(ctx, engine.CmdConnect, req.Server, req.Login, req.Password)
		if err != nil {
			return session.Connection{}, err
		}
		now := o.now()
		return session.Connection{
			Key:          key,
			Connected:    true,
			ConnectedAt:  now,
			LastActivity: now,
			AccountInfo:  res.Payload(engine.CmdConnect),
		}, nil
	})
	if err != nil {
		o.log.Info("connect failed",
			zap.String("connection", key.String()),
			zap.Error(err))
		return ConnectionHandle{}, fmt.Errorf("%s %s: %w", engine.CmdConnect, key, err)
	}
	if created {
		o.log.Info("connected",
			zap.String("user_id", key.UserID),
			zap.String("connection", key.String()))
	}
	return ConnectionHandle{ID: key.String(), Key: key, AccountInfo: conn.AccountInfo, Created: created}, nil
}

// Disconnect issues DISCONNECT and removes the connection whatever the engine
// answers. A missing connection is a no-op. An automated session riding on
// the connection is stopped first.
func (o *Orchestrator) Disconnect(ctx context.Context, key session.ConnectionKey) error {
	if _, ok := o.registry.Connection(key); !ok {
		return nil
	}
	if sess, ok := o.registry.Session(key.UserID); ok && sess.ConnectionKey == key {
		if err := o.StopAutomatedTrading(ctx, key.UserID); err != nil {
			o.log.Warn("stop automation before disconnect failed",
				zap.String("user_id", key.UserID),
				zap.Error(err))
		}
	}

	_, existed, err := o.registry.RemoveConnection(ctx, key, func(ctx context.Context, _ session.Connection) (bool, error) {
		_, err := o.exec.Execute(ctx, engine.CmdDisconnect, key.Server, key.Login)
		return true, err
	})
	if !existed {
		return err
	}
	if err != nil {
		o.log.Warn("disconnect reported failure, connection removed",
			zap.String("connection", key.String()),
			zap.Error(err))
		return fmt.Errorf("%s %s: %w", engine.CmdDisconnect, key, err)
	}
	o.log.Info("disconnected", zap.String("connection", key.String()))
	return nil
}

// AccountInfo refreshes and returns the account info of a connection.
func (o *Orchestrator) AccountInfo(ctx context.Context, key session.ConnectionKey) (engine.AccountInfo, error) {
	res, err := o.call(ctx, key, engine.CmdAccountInfo)
	if err != nil {
		return engine.AccountInfo{}, err
	}
	var info engine.AccountInfo
	if err := res.Decode("accountInfo", &info); err != nil {
		return engine.AccountInfo{}, fmt.Errorf("%s %s: %w", engine.CmdAccountInfo, key, err)
	}
	o.registry.SetAccountInfo(key, res.Payload(engine.CmdAccountInfo))
	return info, nil
}

// MarketData fetches the latest bars of symbol.
func (o *Orchestrator) MarketData(ctx context.Context, key session.ConnectionKey, symbol, timeframe string, count int) (engine.MarketData, error) {
	if symbol == "" {
		return engine.MarketData{}, invalid("symbol is required")
	}
	if timeframe == "" {
		timeframe = "1h"
	}
	if count <= 0 {
		count = 100
	}
	symbol = strings.ToUpper(symbol)
	res, err := o.call(ctx, key, engine.CmdMarketData, symbol, timeframe, strconv.Itoa(count))
	if err != nil {
		return engine.MarketData{}, err
	}
	md := engine.MarketData{Symbol: symbol, Timeframe: timeframe, Raw: res.Payload(engine.CmdMarketData)}
	if err := res.Decode("data", &md.Bars); err != nil {
		return engine.MarketData{}, fmt.Errorf("%s %s: %w", engine.CmdMarketData, key, err)
	}
	return md, nil
}

// Positions lists open positions at the engine.
func (o *Orchestrator) Positions(ctx context.Context, key session.ConnectionKey) ([]engine.Position, error) {
	res, err := o.call(ctx, key, engine.CmdPositions)
	if err != nil {
		return nil, err
	}
	var positions []engine.Position
	if err := res.Decode("positions", &positions); err != nil {
		return nil, fmt.Errorf("%s %s: %w", engine.CmdPositions, key, err)
	}
	return positions, nil
}

// StartMarketStream asks the engine to stream symbol.
func (o *Orchestrator) StartMarketStream(ctx context.Context, key session.ConnectionKey, symbol string) error {
	if symbol == "" {
		return invalid("symbol is required")
	}
	_, err := o.call(ctx, key, engine.CmdStreamStart, strings.ToUpper(symbol))
	return err
}

// StopMarketStream stops streaming symbol.
func (o *Orchestrator) StopMarketStream(ctx context.Context, key session.ConnectionKey, symbol string) error {
	if symbol == "" {
		return invalid("symbol is required")
	}
	_, err := o.call(ctx, key, engine.CmdStreamStop, strings.ToUpper(symbol))
	return err
}
