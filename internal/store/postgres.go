package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/payreq/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const (
	pkConstraint   = "payment_requests_pkey"
	idemConstraint = "payment_requests_idempotency_key_key"

	selectColumns = "id, requester, payee, amount, description, status, confirmation_token, " +
		"created_at, resolved_at, COALESCE(idempotency_key, ''), request_hash, claim_id, claimed_until"
)

// PostgresStore persists requests in the payment_requests table. Updates
// take a row lock with SELECT ... FOR UPDATE for the read-modify-write.
type PostgresStore struct {
	Db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{Db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}

// Migrate creates the schema if it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := s.Db.QueryRow(ctx, "SELECT nextval(pg_get_serial_sequence('payment_requests', 'id'))").Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("id allocation failed: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Put(ctx context.Context, r domain.PaymentRequest) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO payment_requests
		   (id, requester, payee, amount, description, status, confirmation_token,
		    created_at, resolved_at, idempotency_key, request_hash, claim_id, claimed_until)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13)`,
		r.ID, r.Requester, r.Payee, r.Amount, r.Description, string(r.Status), r.ConfirmationToken,
		r.CreatedAt, r.ResolvedAt, r.IdempotencyKey, r.RequestHash, r.ClaimID, r.ClaimedUntil,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case idemConstraint:
				return domain.ErrIdempotencyConflict
			case pkConstraint:
				return fmt.Errorf("request %d: %w", r.ID, domain.ErrDuplicateID)
			}
		}
		return fmt.Errorf("request insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (domain.PaymentRequest, error) {
	r, err := scanRequest(s.Db.QueryRow(ctx, "SELECT "+selectColumns+" FROM payment_requests WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PaymentRequest{}, fmt.Errorf("request %d: %w", id, domain.ErrNotFound)
		}
		return domain.PaymentRequest{}, fmt.Errorf("request query failed: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Update(ctx context.Context, id int64, m Mutation) (domain.PaymentRequest, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.PaymentRequest{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	before, err := scanRequest(tx.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM payment_requests WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PaymentRequest{}, fmt.Errorf("request %d: %w", id, domain.ErrNotFound)
		}
		return domain.PaymentRequest{}, fmt.Errorf("lock acquisition failed: %w", err)
	}

	after, err := apply(before, m)
	if err != nil {
		return domain.PaymentRequest{}, err
	}

	// Only the mutable columns are written.
	_, err = tx.Exec(ctx,
		`UPDATE payment_requests
		    SET status = $1, confirmation_token = $2, resolved_at = $3,
		        request_hash = $4, claim_id = $5, claimed_until = $6
		  WHERE id = $7`,
		string(after.Status), after.ConfirmationToken, after.ResolvedAt,
		after.RequestHash, after.ClaimID, after.ClaimedUntil, id,
	)
	if err != nil {
		return domain.PaymentRequest{}, fmt.Errorf("request update failed: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.PaymentRequest{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return after, nil
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (domain.PaymentRequest, error) {
	r, err := scanRequest(s.Db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM payment_requests WHERE idempotency_key = $1", key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PaymentRequest{}, fmt.Errorf("idempotency key %q: %w", key, domain.ErrNotFound)
		}
		return domain.PaymentRequest{}, fmt.Errorf("idempotency query failed: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Scan(ctx context.Context, afterID int64, limit int, f domain.Filter) ([]domain.PaymentRequest, error) {
	where := []string{"id > $1"}
	args := []any{afterID}
	add := func(col, val string) {
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.Requester != "" {
		add("requester", f.Requester)
	}
	if f.Payee != "" {
		add("payee", f.Payee)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}

	query := "SELECT " + selectColumns + " FROM payment_requests WHERE " + strings.Join(where, " AND ") + " ORDER BY id"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("request scan failed: %w", err)
	}
	defer rows.Close()

	var out []domain.PaymentRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("row scan failed: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BulkInsert loads pre-validated records with COPY. IDs come from the
// column default, so the ID field of each record is ignored.
func (s *PostgresStore) BulkInsert(ctx context.Context, reqs []domain.PaymentRequest) (int64, error) {
	rows := make([][]any, 0, len(reqs))
	for _, r := range reqs {
		rows = append(rows, []any{r.Requester, r.Payee, r.Amount, r.Description, string(r.Status), r.CreatedAt})
	}
	n, err := s.Db.CopyFrom(ctx,
		pgx.Identifier{"payment_requests"},
		[]string{"requester", "payee", "amount", "description", "status", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("bulk insert failed: %w", err)
	}
	return n, nil
}

func scanRequest(row pgx.Row) (domain.PaymentRequest, error) {
	var (
		r      domain.PaymentRequest
		status string
	)
	err := row.Scan(&r.ID, &r.Requester, &r.Payee, &r.Amount, &r.Description, &status, &r.ConfirmationToken,
		&r.CreatedAt, &r.ResolvedAt, &r.IdempotencyKey, &r.RequestHash, &r.ClaimID, &r.ClaimedUntil)
	if err != nil {
		return domain.PaymentRequest{}, err
	}
	r.Status = domain.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	if r.ResolvedAt != nil {
		t := r.ResolvedAt.UTC()
		r.ResolvedAt = &t
	}
	if r.ClaimedUntil != nil {
		t := r.ClaimedUntil.UTC()
		r.ClaimedUntil = &t
	}
	return r, nil
}
