package transfer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/punchamoorthee/payreq/internal/domain"
)

// Simulated is an in-memory wallet. It backs the development server, the
// benchmark and tests.
type Simulated struct {
	mu       sync.Mutex
	balances map[string]int64
}

func NewSimulated(balances map[string]int64) *Simulated {
	s := &Simulated{balances: make(map[string]int64, len(balances))}
	for id, amount := range balances {
		s.balances[id] = amount
	}
	return s
}

// ParseBalances reads "alice:100,bob:250" into a balance map.
func ParseBalances(list string) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i := strings.LastIndex(part, ":")
		if i <= 0 {
			return nil, fmt.Errorf("balance %q: want identity:amount", part)
		}
		amount, err := strconv.ParseInt(part[i+1:], 10, 64)
		if err != nil || amount < 0 {
			return nil, fmt.Errorf("balance %q: invalid amount", part)
		}
		out[strings.TrimSpace(part[:i])] = amount
	}
	return out, nil
}

// Fund credits identity, as a faucet would.
func (s *Simulated) Fund(identity string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[identity] += amount
}

func (s *Simulated) BalanceOf(ctx context.Context, identity string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[identity], nil
}

func (s *Simulated) Transfer(ctx context.Context, from, to string, amount int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("transfer not submitted: %w", domain.ErrTransferFailed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.balances[from] < amount {
		return "", fmt.Errorf("debit %s: balance below %d: %w", from, amount, domain.ErrTransferFailed)
	}
	s.balances[from] -= amount
	s.balances[to] += amount
	return uuid.NewString(), nil
}
