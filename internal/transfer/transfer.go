// Package transfer defines the value-transfer service the ledger calls to
// read balances and move funds, plus an in-process simulation of it.
package transfer

import (
	"context"
)

// Service is the narrow boundary to whatever actually holds the funds.
//
// Transfer returns an opaque confirmation token on success. Implementations
// report a definite failure as domain.ErrTransferFailed and an unknown
// outcome as domain.ErrTimeout.
type Service interface {
	BalanceOf(ctx context.Context, identity string) (int64, error)
	Transfer(ctx context.Context, from, to string, amount int64) (string, error)
}
