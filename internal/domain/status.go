package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStatus is returned when an unknown status value is provided
	ErrInvalidStatus = errors.New("invalid status value")
	// ErrIllegalTransition is returned for a transition missing from the state machine
	ErrIllegalTransition = errors.New("illegal transition")
)

// Status represents the order lifecycle status
type Status string

const (
	StatusPlaced    Status = "placed"
	StatusClaimed   Status = "claimed"
	StatusShopping  Status = "shopping"
	StatusReady     Status = "ready"
	StatusDelivered Status = "delivered"
	StatusClosed    Status = "closed"
	StatusCanceled  Status = "canceled"
)

// transitions is the single source of truth for legal status changes.
var transitions = map[Status][]Status{
	StatusPlaced:    {StatusClaimed, StatusCanceled},
	StatusClaimed:   {StatusShopping, StatusCanceled},
	StatusShopping:  {StatusReady, StatusCanceled},
	StatusReady:     {StatusDelivered, StatusCanceled},
	StatusDelivered: {StatusClosed},
	StatusClosed:    {},
	StatusCanceled:  {},
}

// ParseStatus validates a raw status value
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if _, ok := transitions[status]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal returns true for closed and canceled
func (s Status) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransitionTo checks if this status can transition to target
func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// NextStatuses returns the statuses reachable from s in one step
func (s Status) NextStatuses() []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// ValidateTransition returns an error wrapping ErrIllegalTransition when
// from -> to is not in the transition table.
func ValidateTransition(from, to Status) error {
	if !from.Valid() {
		return fmt.Errorf("%w: from %q", ErrInvalidStatus, from)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: to %q", ErrInvalidStatus, to)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// ItemStatus is the per-item shopping status
type ItemStatus string

const (
	ItemPending            ItemStatus = "pending"
	ItemFound              ItemStatus = "found"
	ItemSubstitutionNeeded ItemStatus = "substitution_needed"
	ItemSkipped            ItemStatus = "skipped"
)

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemPending:            {ItemFound, ItemSubstitutionNeeded, ItemSkipped},
	ItemSubstitutionNeeded: {ItemFound, ItemSkipped},
	ItemFound:              {},
	ItemSkipped:            {},
}

// Valid reports whether s is a known item status
func (s ItemStatus) Valid() bool {
	_, ok := itemTransitions[s]
	return ok
}

// CanTransitionTo checks if this item status can transition to target
func (s ItemStatus) CanTransitionTo(target ItemStatus) bool {
	for _, allowed := range itemTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// ValidateItemTransition mirrors ValidateTransition for item statuses
func ValidateItemTransition(from, to ItemStatus) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: item %q -> %q", ErrInvalidStatus, from, to)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: item %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
