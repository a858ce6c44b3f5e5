package domain

import "errors"

var (
	// ErrTerminal means the source reports the item cannot be found or is invalid.
	ErrTerminal = errors.New("terminal source error")
	// ErrLostClaim means another worker owns the entity now.
	ErrLostClaim = errors.New("claim lost")
	// ErrStoreUnavailable means the store could not be reached at all.
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrNotFound         = errors.New("not found")
)
