package domain

import "errors"

// Sentinel errors shared by the store and the services.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable wraps any failure to reach or write the event store.
	ErrStoreUnavailable = errors.New("event store unavailable")
	// ErrDuplicateOccurrence is returned when an instance for the same series and date already exists.
	ErrDuplicateOccurrence = errors.New("occurrence already materialized")
)
