package domain

import (
	"time"
)

// Status is the lifecycle state of a payment request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// PaymentRequest asks Payee to move Amount to Requester.
// ID, Requester, Payee, Amount, Description and CreatedAt never change after creation.
type PaymentRequest struct {
	ID                int64      `json:"id"`
	Requester         string     `json:"requester"`
	Payee             string     `json:"payee"`
	Amount            int64      `json:"amount"`
	Description       string     `json:"description"`
	Status            Status     `json:"status"`
	ConfirmationToken string     `json:"confirmation_token,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`

	// Create-retry bookkeeping.
	IdempotencyKey string `json:"-"`
	RequestHash    string `json:"-"`

	// Settlement claim held by an in-flight approval. Status stays pending while held.
	ClaimID      string     `json:"-"`
	ClaimedUntil *time.Time `json:"-"`
}

// Claimed reports whether an approval holds a live claim at now.
func (r *PaymentRequest) Claimed(now time.Time) bool {
	return r.ClaimID != "" && r.ClaimedUntil != nil && now.Before(*r.ClaimedUntil)
}

// Clone returns a deep copy, so pointer fields are never shared between images.
func (r PaymentRequest) Clone() PaymentRequest {
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		r.ResolvedAt = &t
	}
	if r.ClaimedUntil != nil {
		t := *r.ClaimedUntil
		r.ClaimedUntil = &t
	}
	return r
}

// Receipt is the outcome of an approve or cancel call.
type Receipt struct {
	ID                int64      `json:"id"`
	Status            Status     `json:"status"`
	ConfirmationToken string     `json:"confirmation_token,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// ReceiptFor builds a receipt from a resolved request.
func ReceiptFor(r PaymentRequest) Receipt {
	return Receipt{
		ID:                r.ID,
		Status:            r.Status,
		ConfirmationToken: r.ConfirmationToken,
		ResolvedAt:        r.ResolvedAt,
	}
}

// Filter narrows ListRequests. Zero fields match everything.
type Filter struct {
	Requester string
	Payee     string
	Status    Status
}

// Match reports whether r passes the filter.
func (f Filter) Match(r PaymentRequest) bool {
	if f.Requester != "" && r.Requester != f.Requester {
		return false
	}
	if f.Payee != "" && r.Payee != f.Payee {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}
