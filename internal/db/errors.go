package db

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by conditional inserts when the key is taken.
	ErrConflict = errors.New("record already exists")
	// ErrCorruptLedger is returned when a stored ledger payload cannot be decoded.
	ErrCorruptLedger = errors.New("ledger payload is corrupt")
)
