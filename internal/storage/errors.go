package storage

import "errors"

// Storage errors shared by all store implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// with a key that already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a transaction lost a concurrency race
	// (serialization failure or deadlock) and may succeed if retried.
	ErrConflict = errors.New("transaction conflict")

	// ErrTxClosed is returned when a committed or rolled back transaction is used.
	ErrTxClosed = errors.New("transaction closed")
)
