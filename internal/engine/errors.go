package engine

import "errors"

var (
	// ErrInvalidOrder is returned when the order inputs themselves are
	// malformed (unknown direction, non-positive amount).
	ErrInvalidOrder = errors.New("engine: invalid order")

	// ErrInsufficientBalance is returned when a BUY would drive the cash
	// balance below zero. No ledger rows are touched.
	ErrInsufficientBalance = errors.New("engine: insufficient balance")

	// ErrChallengeNotTradable is returned when the challenge has already
	// terminated in failed or passed.
	ErrChallengeNotTradable = errors.New("engine: challenge not tradable")

	// ErrAlreadyClosed is returned when closing a position that is
	// already CLOSED without an idempotency key that matches the original
	// close. With a matching key, the original trade is replayed instead.
	ErrAlreadyClosed = errors.New("engine: position already closed")
)
