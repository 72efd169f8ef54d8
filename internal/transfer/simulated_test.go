package transfer

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payreq/internal/domain"
)

func TestParseBalances(t *testing.T) {
	got, err := ParseBalances(" alice:100, bob:0 ,,0xAbC:7")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 100, "bob": 0, "0xAbC": 7}, got)

	empty, err := ParseBalances("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, bad := range []string{"alice", ":5", "alice:-1", "alice:lots"} {
		_, err := ParseBalances(bad)
		assert.Error(t, err, bad)
	}
}

func TestSimulatedTransfer(t *testing.T) {
	ctx := context.Background()
	s := NewSimulated(map[string]int64{"B": 150})

	token, err := s.Transfer(ctx, "B", "A", 100)
	require.NoError(t, err)
	_, err = uuid.Parse(token)
	assert.NoError(t, err, "token is a uuid")

	b, _ := s.BalanceOf(ctx, "B")
	a, _ := s.BalanceOf(ctx, "A")
	assert.Equal(t, int64(50), b)
	assert.Equal(t, int64(100), a)

	_, err = s.Transfer(ctx, "B", "A", 51)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	b, _ = s.BalanceOf(ctx, "B")
	assert.Equal(t, int64(50), b, "failed transfer moves nothing")

	s.Fund("B", 1)
	_, err = s.Transfer(ctx, "B", "A", 51)
	assert.NoError(t, err)
}

func TestSimulatedHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewSimulated(map[string]int64{"B": 10})

	_, err := s.BalanceOf(ctx, "B")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.Transfer(ctx, "B", "A", 1)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	b, _ := s.BalanceOf(context.Background(), "B")
	assert.Equal(t, int64(10), b)
}
