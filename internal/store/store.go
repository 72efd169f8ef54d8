package store

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/payreq/internal/domain"
)

// Mutation edits a request image in place. Returning an error aborts the
// update without writing anything.
type Mutation func(*domain.PaymentRequest) error

// Store is the durable mapping of request ID to request record.
// Update must be linearizable per ID.
type Store interface {
	// NextID hands out a fresh, never reused request ID.
	NextID(ctx context.Context) (int64, error)
	// Put inserts a new record, failing with domain.ErrDuplicateID if the ID
	// exists or domain.ErrIdempotencyConflict if its idempotency key is taken.
	Put(ctx context.Context, r domain.PaymentRequest) error
	Get(ctx context.Context, id int64) (domain.PaymentRequest, error)
	// Update applies m atomically and returns the post-image.
	Update(ctx context.Context, id int64, m Mutation) (domain.PaymentRequest, error)
	FindByIdempotencyKey(ctx context.Context, key string) (domain.PaymentRequest, error)
	// Scan returns up to limit matching records with ID > afterID, ID ascending.
	Scan(ctx context.Context, afterID int64, limit int, f domain.Filter) ([]domain.PaymentRequest, error)
	Close()
}

// apply runs m on a copy of before and rejects changes to immutable fields.
func apply(before domain.PaymentRequest, m Mutation) (domain.PaymentRequest, error) {
	after := before.Clone()
	if err := m(&after); err != nil {
		return domain.PaymentRequest{}, err
	}
	if after.ID != before.ID ||
		after.Requester != before.Requester ||
		after.Payee != before.Payee ||
		after.Amount != before.Amount ||
		after.Description != before.Description ||
		!after.CreatedAt.Equal(before.CreatedAt) ||
		after.IdempotencyKey != before.IdempotencyKey {
		return domain.PaymentRequest{}, fmt.Errorf("request %d: %w", before.ID, domain.ErrImmutableField)
	}
	if before.ResolvedAt != nil && (after.ResolvedAt == nil || !after.ResolvedAt.Equal(*before.ResolvedAt)) {
		return domain.PaymentRequest{}, fmt.Errorf("request %d resolved_at: %w", before.ID, domain.ErrImmutableField)
	}
	return after, nil
}
