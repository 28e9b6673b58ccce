package state

import "errors"

// Caller-correctable failures. They are returned before any state is written.
var (
	ErrZeroSize       = errors.New("position size must be greater than zero")
	ErrPositionExists = errors.New("owner already holds an open position")
	ErrNoPosition     = errors.New("owner has no open position")
)
