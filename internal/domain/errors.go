package domain

import "errors"

// Sentinel errors implementing spec.md §7's error taxonomy. Callers compare
// with errors.Is; the facade (internal/clearing) translates these into the
// exported operation failures of spec.md §6.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrEpochNotActive    = errors.New("epoch not active")
	ErrEpochFull         = errors.New("epoch full")
	ErrNotFound          = errors.New("not found")
	ErrNotOwner          = errors.New("not owner")
	ErrNotCancellable    = errors.New("not cancellable")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrTimeout           = errors.New("timeout")
	ErrClockSkew         = errors.New("clock skew detected")
)
