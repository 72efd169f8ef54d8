package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateID       = errors.New("duplicate request id")
	ErrNotFound          = errors.New("request not found")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidPayee      = errors.New("payee must differ from requester")
	ErrUnauthorized      = errors.New("actor not authorized for this request")
	ErrAlreadyResolved   = errors.New("request already resolved")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrTimeout           = errors.New("operation timed out")

	ErrInvalidIdentity     = errors.New("invalid identity")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with mismatched payload")
	ErrIdempotencyConflict = errors.New("idempotency key already in use")
	ErrImmutableField      = errors.New("mutation touched an immutable field")
)

// ErrApprovalInProgress is returned while another approval holds the
// settlement claim. It matches ErrAlreadyResolved under errors.Is.
var ErrApprovalInProgress = fmt.Errorf("%w: approval in progress", ErrAlreadyResolved)

var kinds = []struct {
	err  error
	kind string
}{
	// ErrApprovalInProgress wraps ErrAlreadyResolved and has to be checked first.
	{ErrApprovalInProgress, "approval_in_progress"},
	{ErrDuplicateID, "duplicate_id"},
	{ErrNotFound, "not_found"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidPayee, "invalid_payee"},
	{ErrUnauthorized, "unauthorized"},
	{ErrAlreadyResolved, "already_resolved"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrTimeout, "timeout"},
	{ErrInvalidIdentity, "invalid_identity"},
	{ErrIdempotencyMismatch, "idempotency_mismatch"},
	{ErrIdempotencyConflict, "idempotency_conflict"},
	{ErrImmutableField, "immutable_field"},
}

// Kind returns a stable label for err: "ok" for nil, "internal" for anything
// that is not a ledger error.
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
