// Package lifecycle holds the payment-request state machine.
//
// Every function here is pure: it validates a transition against the
// current image of a request and mutates that image in place. The store
// applies these functions inside Update, which makes each transition atomic
// per request.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/punchamoorthee/payreq/internal/domain"
)

// New validates the create arguments and returns a pending request without an ID.
func New(requester, payee string, amount int64, description string, now time.Time) (domain.PaymentRequest, error) {
	if amount <= 0 {
		return domain.PaymentRequest{}, domain.ErrInvalidAmount
	}
	if payee == requester {
		return domain.PaymentRequest{}, domain.ErrInvalidPayee
	}
	return domain.PaymentRequest{
		Requester:   requester,
		Payee:       payee,
		Amount:      amount,
		Description: description,
		Status:      domain.StatusPending,
		CreatedAt:   now,
	}, nil
}

// Claim reserves r for an approval by actor until now+lease.
// Only the payee may approve; a live claim held by someone else blocks it.
func Claim(r *domain.PaymentRequest, actor, claimID string, now time.Time, lease time.Duration) error {
	if actor != r.Payee {
		return domain.ErrUnauthorized
	}
	if r.Status.Terminal() {
		return domain.ErrAlreadyResolved
	}
	if r.Claimed(now) {
		return domain.ErrApprovalInProgress
	}
	until := now.Add(lease)
	r.ClaimID = claimID
	r.ClaimedUntil = &until
	return nil
}

// Approve commits the approval held under claimID.
func Approve(r *domain.PaymentRequest, claimID, token string, now time.Time) error {
	if r.Status.Terminal() {
		return domain.ErrAlreadyResolved
	}
	if r.ClaimID != claimID {
		// The lease expired and another approval took over.
		return fmt.Errorf("claim %s no longer held: %w", claimID, domain.ErrApprovalInProgress)
	}
	r.Status = domain.StatusApproved
	r.ConfirmationToken = token
	r.ResolvedAt = &now
	clearClaim(r)
	return nil
}

// Release drops the claim without changing status. Releasing a claim that
// is no longer held is a no-op.
func Release(r *domain.PaymentRequest, claimID string) error {
	if r.ClaimID == claimID {
		clearClaim(r)
	}
	return nil
}

// Cancel moves r to cancelled. Either party may cancel while no approval is in flight.
func Cancel(r *domain.PaymentRequest, actor string, now time.Time) error {
	if actor != r.Requester && actor != r.Payee {
		return domain.ErrUnauthorized
	}
	if r.Status.Terminal() {
		return domain.ErrAlreadyResolved
	}
	if r.Claimed(now) {
		return domain.ErrApprovalInProgress
	}
	r.Status = domain.StatusCancelled
	r.ResolvedAt = &now
	clearClaim(r)
	return nil
}

func clearClaim(r *domain.PaymentRequest) {
	r.ClaimID = ""
	r.ClaimedUntil = nil
}
