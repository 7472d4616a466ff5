package query

import (
	"errors"
	"fmt"
)

// Status is the lifecycle of one execution attempt. A rerun starts a new
// cycle from Pending; there is no retrying state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var ErrInvalidTransition = errors.New("invalid status transition")

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Transition checks from -> to. Terminal states may only restart at Pending.
func Transition(from, to Status) error {
	ok := false
	switch from {
	case StatusPending:
		ok = to == StatusRunning || to == StatusFailed
	case StatusRunning:
		ok = to == StatusCompleted || to == StatusFailed
	case StatusCompleted, StatusFailed:
		ok = to == StatusPending
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
