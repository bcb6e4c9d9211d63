package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidID is returned when an id cannot be used as a storage key.
var ErrInvalidID = errors.New("storage: invalid id")
