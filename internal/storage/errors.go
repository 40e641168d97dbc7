package storage

import "errors"

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrDuplicateKey is returned when a write violates a uniqueness constraint,
// e.g. a second trade for one idempotency key or a second ENTERED position
// for one symbol and mode. Implementations wrap it with query context, so
// match with errors.Is.
var ErrDuplicateKey = errors.New("duplicate key")
