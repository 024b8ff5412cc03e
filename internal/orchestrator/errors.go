package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned before any engine call when parameters are
	// missing or malformed. It is wrapped with the offending field.
	ErrValidation = errors.New("validation failed")
	// ErrNotConnected means the connection key is not registered.
	ErrNotConnected = errors.New("connection not established")
	// ErrRiskLimit means the open-trade limit was reached.
	ErrRiskLimit = errors.New("maximum open trades reached")
	// ErrNoTicket means the engine filled a trade without a usable ticket.
	ErrNoTicket = errors.New("engine returned no ticket")
)

// PersistenceError reports a store failure after the engine action already
// happened. The action is not rolled back; the state needs reconciling.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err carries a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
