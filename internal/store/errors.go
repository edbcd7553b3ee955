package store

import "errors"

// ErrNoCredentialAvailable is returned by AcquireLease when no eligible
// credential exists for the requested (provider, tier). This is an
// expected outcome, not a fault: eligibility may be temporarily absent
// (cooldowns, live leases) or permanently absent (quota exhausted until
// the window rolls).
var ErrNoCredentialAvailable = errors.New("no credential available")

// ErrInsufficientBudget is returned by Reserve when the available
// balance cannot cover the requested amount. The run must not be
// dispatched.
var ErrInsufficientBudget = errors.New("insufficient budget")

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")
