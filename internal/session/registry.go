// Package session tracks live brokerage connections and automated-trading
// sessions. Create and remove are single-flight per key; unrelated keys never
// contend on a shared lock.
package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// ConnectionKey identifies one brokerage link of a user.
type ConnectionKey struct {
	UserID string `json:"userId"`
	Login  string `json:"login"`
	Server string `json:"server"`
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, "_", `\_`)

// String joins the fields with "_". Backslashes and underscores inside a field
// are escaped, so distinct keys never share an id.
func (k ConnectionKey) String() string {
	return keyEscaper.Replace(k.UserID) + "_" + keyEscaper.Replace(k.Login) + "_" + keyEscaper.Replace(k.Server)
}

// Connection is an established link through the trading engine.
type Connection struct {
	Key          ConnectionKey   `json:"key"`
	Connected    bool            `json:"connected"`
	ConnectedAt  time.Time       `json:"connectedAt"`
	LastActivity time.Time       `json:"lastActivity"`
	AccountInfo  json.RawMessage `json:"accountInfo,omitempty"`
}

// AutomatedSession is one running strategy instance. At most one per user.
type AutomatedSession struct {
	ID            string          `json:"sessionId"`
	UserID        string          `json:"userId"`
	ConnectionKey ConnectionKey   `json:"connectionKey"`
	Config        json.RawMessage `json:"config"`
	StartTime     time.Time       `json:"startTime"`
}

// ConnState is the lifecycle state of a connection key.
type ConnState string

const (
	ConnDisconnected  ConnState = "disconnected"
	ConnConnecting    ConnState = "connecting"
	ConnConnected     ConnState = "connected"
	ConnDisconnecting ConnState = "disconnecting"
)

// SessionState is the lifecycle state of a user's automated session.
type SessionState string

const (
	SessionStopped  SessionState = "stopped"
	SessionStarting SessionState = "starting"
	SessionRunning  SessionState = "running"
	SessionStopping SessionState = "stopping"
)

// Registry is the process-wide store of connections and sessions.
type Registry struct {
	conns    *table[Connection]
	sessions *table[AutomatedSession]
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:    newTable[Connection](),
		sessions: newTable[AutomatedSession](),
		now:      time.Now,
	}
}

// GetOrCreateConnection returns the connection for key, calling factory only
// if none exists. created reports whether this call ran the factory.
func (r *Registry) GetOrCreateConnection(ctx context.Context, key ConnectionKey, factory func(context.Context) (Connection, error)) (Connection, bool, error) {
	return r.conns.getOrCreate(ctx, key.String(), factory)
}

// RemoveConnection runs teardown under the key lock and drops the entry when
// teardown returns true (or when teardown is nil). existed is false when there
// was nothing to remove.
func (r *Registry) RemoveConnection(ctx context.Context, key ConnectionKey, teardown func(context.Context, Connection) (bool, error)) (conn Connection, existed bool, err error) {
	return r.conns.remove(ctx, key.String(), teardown)
}

// TouchConnection refreshes the last activity time. It reports whether the
// connection is registered.
func (r *Registry) TouchConnection(key ConnectionKey) bool {
	now := r.now()
	return r.conns.update(key.String(), func(c *Connection) {
		c.LastActivity = now
	})
}

// SetAccountInfo replaces the cached account info and counts as activity.
func (r *Registry) SetAccountInfo(key ConnectionKey, info json.RawMessage) bool {
	now := r.now()
	return r.conns.update(key.String(), func(c *Connection) {
		c.AccountInfo = info
		c.LastActivity = now
	})
}

// Connection returns the registered connection for key.
func (r *Registry) Connection(key ConnectionKey) (Connection, bool) {
	c, ph, ok := r.conns.get(key.String())
	if !ok || ph == phaseCreating {
		return Connection{}, false
	}
	return c, true
}

// ConnectionState reports where key is in its lifecycle.
func (r *Registry) ConnectionState(key ConnectionKey) ConnState {
	_, ph, ok := r.conns.get(key.String())
	switch {
	case ph == phaseCreating:
		return ConnConnecting
	case ph == phaseRemoving:
		return ConnDisconnecting
	case ok:
		return ConnConnected
	default:
		return ConnDisconnected
	}
}

// Connections lists registered connections ordered by key.
func (r *Registry) Connections() []Connection { return r.conns.snapshot() }

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int { return r.conns.len() }

// GetOrCreateSession returns the user's session, calling factory only if none
// exists. The session is not visible as running until factory succeeds.
func (r *Registry) GetOrCreateSession(ctx context.Context, userID string, factory func(context.Context) (AutomatedSession, error)) (AutomatedSession, bool, error) {
	return r.sessions.getOrCreate(ctx, userID, factory)
}

// RemoveSession runs teardown under the user's lock, waiting for any start in
// flight, and drops the session when teardown returns true.
func (r *Registry) RemoveSession(ctx context.Context, userID string, teardown func(context.Context, AutomatedSession) (bool, error)) (sess AutomatedSession, existed bool, err error) {
	return r.sessions.remove(ctx, userID, teardown)
}

// Session returns the user's session if it is running or being stopped.
func (r *Registry) Session(userID string) (AutomatedSession, bool) {
	s, ph, ok := r.sessions.get(userID)
	if !ok || ph == phaseCreating {
		return AutomatedSession{}, false
	}
	return s, true
}

// SessionState reports where the user's session is in its lifecycle.
func (r *Registry) SessionState(userID string) SessionState {
	_, ph, ok := r.sessions.get(userID)
	switch {
	case ph == phaseCreating:
		return SessionStarting
	case ph == phaseRemoving:
		return SessionStopping
	case ok:
		return SessionRunning
	default:
		return SessionStopped
	}
}

// Sessions lists registered sessions ordered by user id.
func (r *Registry) Sessions() []AutomatedSession { return r.sessions.snapshot() }

// SessionCount returns the number of running sessions.
func (r *Registry) SessionCount() int { return r.sessions.len() }
