package schemas

import "errors"

// Driver sentinel errors. Drivers wrap these with detail; callers test with errors.Is.
var (
	ErrElementNotFound  = errors.New("element not found")
	ErrNotInteractable  = errors.New("element not interactable")
	ErrOptionNotFound   = errors.New("option not found")
	ErrContextNotFound  = errors.New("context host not found")
	ErrPageUnavailable  = errors.New("page unavailable")
	ErrContextNotOpened = errors.New("context host has no accessible content")
)

// ErrOracleTimeout is returned when an oracle call exceeds its deadline.
var ErrOracleTimeout = errors.New("oracle timed out")

// ErrInvalidResponse marks an oracle answer that failed schema or semantic validation.
var ErrInvalidResponse = errors.New("invalid oracle response")
