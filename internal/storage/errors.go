package storage

import "errors"

var (
	// ErrNotFound is returned when a row or key does not exist
	ErrNotFound = errors.New("not found")
	// ErrInsufficientBalance is returned by a conditional debit that would go negative
	ErrInsufficientBalance = errors.New("insufficient balance")
)
