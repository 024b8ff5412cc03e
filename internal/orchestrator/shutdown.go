package orchestrator

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Shutdown stops every automated session and then disconnects every
// connection. Failures are logged and skipped so each entry gets an attempt.
// Each engine call stays bounded by the client timeout and by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	sessions := o.registry.Sessions()
	conns := o.registry.Connections()
	o.log.Info("shutting down",
		zap.Int("sessions", len(sessions)),
		zap.Int("connections", len(conns)))

	var stops errgroup.Group
	stops.SetLimit(o.opts.ShutdownConcurrency)
	for _, s := range sessions {
		userID := s.UserID
		stops.Go(func() error {
			if err := o.StopAutomatedTrading(ctx, userID); err != nil {
				o.log.Warn("shutdown: stop session failed",
					zap.String("user_id", userID),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = stops.Wait()

	var disconnects errgroup.Group
	disconnects.SetLimit(o.opts.ShutdownConcurrency)
	for _, c := range conns {
		key := c.Key
		disconnects.Go(func() error {
			if err := o.Disconnect(ctx, key); err != nil {
				o.log.Warn("shutdown: disconnect failed",
					zap.String("connection", key.String()),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = disconnects.Wait()

	o.log.Info("shutdown complete",
		zap.Int("sessions_left", o.registry.SessionCount()),
		zap.Int("connections_left", o.registry.ConnectionCount()))
}
