package dispatch

import (
	"errors"
	"fmt"
)

var (
	// call-level
	ErrInvalidRequest  = errors.New("invalid broadcast request")
	ErrInvalidSchedule = errors.New("scheduled time must be in the future")
	ErrNotFound        = errors.New("broadcast not found")
	ErrNotPending      = errors.New("broadcast is no longer pending")
	ErrQueueFull       = errors.New("dispatch queue full")
	ErrStopped         = errors.New("dispatcher stopped")

	// per contact
	ErrInvalidAddress = errors.New("invalid address")
	ErrOutsideHours   = errors.New("outside allowed hours")
	ErrCooldownActive = errors.New("cooldown active")
)

// TransportError wraps a failed delivery attempt.
type TransportError struct {
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Address, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
