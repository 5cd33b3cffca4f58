package logic

import "errors"

var (
	// ErrDropped marks an amount outside the record's order-value window.
	// It is an intentional no-report outcome, not a failure.
	ErrDropped = errors.New("amount outside order value window")
	// ErrMalformedAmount is returned when a required amount or rate is not a
	// number.
	ErrMalformedAmount = errors.New("malformed amount")
)
