package db

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateTrigger indicates an executed rule already exists for
	// the same (user, message, rule) trigger.
	ErrDuplicateTrigger = errors.New("rule already executed for this trigger")
	// ErrNotClaimable indicates a conditional status transition found the
	// row in a different state than required.
	ErrNotClaimable = errors.New("action is not in a claimable state")
)
