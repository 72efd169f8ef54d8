//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/punchamoorthee/payreq/internal/domain"
)

// setupPostgresContainer starts a disposable PostgreSQL container and
// returns its connection string.
func setupPostgresContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("payreq"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func TestIntegration_PostgresStore(t *testing.T) {
	dsn := setupPostgresContainer(t)
	ctx := context.Background()

	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, s.Migrate(ctx))
		_, err = s.Db.Exec(ctx, "TRUNCATE payment_requests")
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	})
}

func TestIntegration_PostgresBulkInsert(t *testing.T) {
	dsn := setupPostgresContainer(t)
	ctx := context.Background()

	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))

	reqs := []domain.PaymentRequest{
		{Requester: "A", Payee: "B", Amount: 10, Status: domain.StatusPending, CreatedAt: created},
		{Requester: "B", Payee: "C", Amount: 20, Description: "dinner", Status: domain.StatusPending, CreatedAt: created},
	}
	n, err := s.BulkInsert(ctx, reqs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	next, err := s.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), next, "COPY rows take ids from the sequence")

	all, err := s.Scan(ctx, 0, 0, domain.Filter{Requester: "B"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "dinner", all[0].Description)
}
