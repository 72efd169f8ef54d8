package guard

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/punchamoorthee/payreq/internal/domain"
)

// BalanceReader is the part of the value-transfer service the guard needs.
type BalanceReader interface {
	BalanceOf(ctx context.Context, identity string) (int64, error)
}

// BalanceGuard checks that a payer can cover an amount before an approval
// commits. The check is advisory: funds can still move before the transfer.
type BalanceGuard struct {
	balances BalanceReader
	logger   *zap.Logger
}

func New(balances BalanceReader, logger *zap.Logger) *BalanceGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BalanceGuard{balances: balances, logger: logger}
}

// EnsureSufficient fails with domain.ErrInsufficientFunds when payer holds
// less than amount, and with domain.ErrTimeout when ctx expires first.
func (g *BalanceGuard) EnsureSufficient(ctx context.Context, payer string, amount int64) error {
	balance, err := g.balances.BalanceOf(ctx, payer)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("balance check for %s: %w", payer, domain.ErrTimeout)
		}
		return fmt.Errorf("balance check for %s: %w", payer, err)
	}
	if balance < amount {
		g.logger.Info("balance guard rejected approval",
			zap.String("payer", payer),
			zap.Int64("balance", balance),
			zap.Int64("amount", amount))
		return fmt.Errorf("%s holds %d, needs %d: %w", payer, balance, amount, domain.ErrInsufficientFunds)
	}
	return nil
}
