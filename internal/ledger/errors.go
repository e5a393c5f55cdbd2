package ledger

import "errors"

var (
	ErrWalletNotFound        = errors.New("wallet not found")
	ErrWalletExists          = errors.New("wallet already exists for owner")
	ErrEntryNotFound         = errors.New("ledger entry not found")
	ErrPaymentMethodNotFound = errors.New("payment method not found")
	ErrDuplicateEntry        = errors.New("ledger entry already exists for idempotency key")
	ErrInvalidTransition     = errors.New("invalid entry status transition")
	ErrInvalidDraft          = errors.New("invalid entry draft")
	// ErrConflict is returned when the wallet version kept changing under a
	// write for every allowed retry.
	ErrConflict = errors.New("wallet version conflict")

	errVersionMismatch = errors.New("wallet version mismatch")
)
