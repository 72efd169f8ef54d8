package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payreq/internal/domain"
	"github.com/punchamoorthee/payreq/internal/guard"
	"github.com/punchamoorthee/payreq/internal/lifecycle"
	"github.com/punchamoorthee/payreq/internal/store"
	"github.com/punchamoorthee/payreq/internal/transfer"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payreq_operations_total",
		Help: "Ledger operations processed, labeled by outcome",
	}, []string{"operation", "outcome"})

	transferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payreq_transfer_duration_seconds",
		Help:    "Latency of value-transfer calls made by approvals",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"outcome"})
)

const (
	defaultClaimLease = 2 * time.Minute
	defaultPageSize   = 100
	releaseTimeout    = 5 * time.Second
)

// IdentityNormalizer canonicalizes an identity so that authorization
// compares like with like.
type IdentityNormalizer func(string) (string, error)

// TrimIdentity is the default normalizer: surrounding space is dropped and
// the result must be non-empty.
func TrimIdentity(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty identity: %w", domain.ErrInvalidIdentity)
	}
	return s, nil
}

type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
	// ClaimLease bounds how long an in-flight approval blocks other
	// transitions. It must outlive ApproveTimeout.
	ClaimLease time.Duration
	// ApproveTimeout caps the guard and transfer calls of one approval. Zero,
	// or a value that does not fit inside ClaimLease, is replaced by one that
	// ends before the claim can expire.
	ApproveTimeout    time.Duration
	NormalizeIdentity IdentityNormalizer
	PageSize          int
}

// CreateInput carries the arguments of CreateRequest.
type CreateInput struct {
	Requester      string
	Payee          string
	Amount         int64
	Description    string
	IdempotencyKey string
}

// LedgerService is what the HTTP layer calls. Every operation
// is one logical unit of work over the store and, for approvals, the
// value-transfer service.
type LedgerService struct {
	store     store.Store
	guard     *guard.BalanceGuard
	transfers transfer.Service
	logger    *zap.Logger

	now            func() time.Time
	claimLease     time.Duration
	approveTimeout time.Duration
	normalize      IdentityNormalizer
	pageSize       int
}

func NewLedgerService(st store.Store, transfers transfer.Service, opts Options) *LedgerService {
	s := &LedgerService{
		store:          st,
		transfers:      transfers,
		logger:         opts.Logger,
		now:            opts.Now,
		claimLease:     opts.ClaimLease,
		approveTimeout: opts.ApproveTimeout,
		normalize:      opts.NormalizeIdentity,
		pageSize:       opts.PageSize,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.claimLease <= 0 {
		s.claimLease = defaultClaimLease
	}
	if s.approveTimeout <= 0 || s.approveTimeout >= s.claimLease {
		s.approveTimeout = s.claimLease - min(releaseTimeout, s.claimLease/4)
	}
	if s.normalize == nil {
		s.normalize = TrimIdentity
	}
	if s.pageSize <= 0 {
		s.pageSize = defaultPageSize
	}
	s.guard = guard.New(transfers, s.logger)
	return s
}

func observe(op string, err error) {
	operationsTotal.WithLabelValues(op, domain.Kind(err)).Inc()
}

// CreateRequest validates and persists a new pending request and returns its ID.
// With an idempotency key, a retry carrying the same payload returns the
// original ID instead of creating a second request.
func (s *LedgerService) CreateRequest(ctx context.Context, in CreateInput) (id int64, err error) {
	defer func() { observe("create", err) }()

	requester, err := s.normalize(in.Requester)
	if err != nil {
		return 0, err
	}
	payee, err := s.normalize(in.Payee)
	if err != nil {
		return 0, err
	}

	rec, err := lifecycle.New(requester, payee, in.Amount, in.Description, s.now())
	if err != nil {
		return 0, err
	}
	rec.RequestHash = requestHash(rec)
	rec.IdempotencyKey = in.IdempotencyKey

	if in.IdempotencyKey != "" {
		id, found, err := s.replay(ctx, in.IdempotencyKey, rec.RequestHash)
		if err != nil || found {
			return id, err
		}
	}

	rec.ID, err = s.store.NextID(ctx)
	if err != nil {
		return 0, err
	}

	if err := s.store.Put(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrIdempotencyConflict) {
			// A concurrent retry with the same key won the insert.
			id, found, rerr := s.replay(ctx, in.IdempotencyKey, rec.RequestHash)
			if rerr != nil || found {
				return id, rerr
			}
		}
		return 0, err
	}

	s.logger.Info("payment request created",
		zap.Int64("id", rec.ID),
		zap.String("requester", rec.Requester),
		zap.String("payee", rec.Payee),
		zap.Int64("amount", rec.Amount))
	return rec.ID, nil
}

func (s *LedgerService) replay(ctx context.Context, key, hash string) (int64, bool, error) {
	existing, err := s.store.FindByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if existing.RequestHash != hash {
		return 0, true, domain.ErrIdempotencyMismatch
	}
	return existing.ID, true, nil
}

func requestHash(r domain.PaymentRequest) string {
	h := sha256.New()
	for _, part := range []string{r.Requester, r.Payee, strconv.FormatInt(r.Amount, 10), r.Description} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ApproveRequest lets the payee approve a pending request: funds are
// checked, transferred from payee to requester, and only then is the
// request marked approved.
//
// Errors other than domain.ErrTimeout leave the request pending and free for
// another attempt. domain.ErrTimeout means the transfer outcome is unknown;
// the request stays pending and blocked until the claim lease runs out, so
// callers should re-check balances and status before retrying.
func (s *LedgerService) ApproveRequest(ctx context.Context, id int64, actor string) (receipt domain.Receipt, err error) {
	defer func() { observe("approve", err) }()

	actor, err = s.normalize(actor)
	if err != nil {
		return domain.Receipt{}, err
	}

	// A transfer still running when the claim expires could be repeated by
	// the next approval.
	ctx, cancel := context.WithTimeout(ctx, s.approveTimeout)
	defer cancel()

	claimID := uuid.NewString()
	now := s.now()
	claimed, err := s.store.Update(ctx, id, func(r *domain.PaymentRequest) error {
		return lifecycle.Claim(r, actor, claimID, now, s.claimLease)
	})
	if err != nil {
		return domain.Receipt{}, err
	}

	if err := s.guard.EnsureSufficient(ctx, claimed.Payee, claimed.Amount); err != nil {
		s.release(ctx, id, claimID)
		return domain.Receipt{}, err
	}

	start := time.Now()
	token, err := s.transfers.Transfer(ctx, claimed.Payee, claimed.Requester, claimed.Amount)
	if err != nil {
		err = classifyTransferError(ctx, err)
		transferDuration.WithLabelValues(domain.Kind(err)).Observe(time.Since(start).Seconds())
		if errors.Is(err, domain.ErrTimeout) {
			s.logger.Warn("transfer outcome unknown, request held until claim expires",
				zap.Int64("id", id),
				zap.Time("claimed_until", *claimed.ClaimedUntil),
				zap.Error(err))
			return domain.Receipt{}, err
		}
		s.release(ctx, id, claimID)
		return domain.Receipt{}, err
	}
	transferDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	// The funds have moved; recording that must not be cut short by the caller.
	approved, err := s.store.Update(context.WithoutCancel(ctx), id, func(r *domain.PaymentRequest) error {
		return lifecycle.Approve(r, claimID, token, s.now())
	})
	if err != nil {
		s.logger.Error("transfer executed but approval not recorded",
			zap.Int64("id", id),
			zap.String("confirmation_token", token),
			zap.Error(err))
		return domain.Receipt{ID: id, Status: domain.StatusPending, ConfirmationToken: token},
			fmt.Errorf("transfer %s executed but approval not recorded: %w", token, err)
	}

	s.logger.Info("payment request approved",
		zap.Int64("id", id),
		zap.String("payee", approved.Payee),
		zap.String("confirmation_token", token))
	return domain.ReceiptFor(approved), nil
}

// classifyTransferError separates a definite failure from an unknown outcome.
func classifyTransferError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, domain.ErrTransferFailed):
		return err
	case ctx.Err() != nil, errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
	}
}

func (s *LedgerService) release(ctx context.Context, id int64, claimID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	_, err := s.store.Update(ctx, id, func(r *domain.PaymentRequest) error {
		return lifecycle.Release(r, claimID)
	})
	if err != nil {
		s.logger.Warn("claim release failed, request blocked until lease expiry",
			zap.Int64("id", id),
			zap.Error(err))
	}
}

// CancelRequest lets the requester or payee cancel a pending request.
func (s *LedgerService) CancelRequest(ctx context.Context, id int64, actor string) (receipt domain.Receipt, err error) {
	defer func() { observe("cancel", err) }()

	actor, err = s.normalize(actor)
	if err != nil {
		return domain.Receipt{}, err
	}

	cancelled, err := s.store.Update(ctx, id, func(r *domain.PaymentRequest) error {
		return lifecycle.Cancel(r, actor, s.now())
	})
	if err != nil {
		return domain.Receipt{}, err
	}

	s.logger.Info("payment request cancelled",
		zap.Int64("id", id),
		zap.String("actor", actor))
	return domain.ReceiptFor(cancelled), nil
}

func (s *LedgerService) GetRequest(ctx context.Context, id int64) (domain.PaymentRequest, error) {
	r, err := s.store.Get(ctx, id)
	observe("get", err)
	return r, err
}

// ListRequests yields every request matching f in ascending ID order.
// The sequence is lazy and can be ranged over again from the start.
func (s *LedgerService) ListRequests(ctx context.Context, f domain.Filter) iter.Seq2[domain.PaymentRequest, error] {
	return s.ListRequestsAfter(ctx, f, 0)
}

// ListRequestsAfter is ListRequests starting past afterID.
func (s *LedgerService) ListRequestsAfter(ctx context.Context, f domain.Filter, afterID int64) iter.Seq2[domain.PaymentRequest, error] {
	return func(yield func(domain.PaymentRequest, error) bool) {
		f, err := s.normalizeFilter(f)
		if err != nil {
			yield(domain.PaymentRequest{}, err)
			return
		}

		cursor := afterID
		for {
			page, err := s.store.Scan(ctx, cursor, s.pageSize, f)
			if err != nil {
				yield(domain.PaymentRequest{}, err)
				return
			}
			for _, r := range page {
				if !yield(r, nil) {
					return
				}
				cursor = r.ID
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

func (s *LedgerService) normalizeFilter(f domain.Filter) (domain.Filter, error) {
	var err error
	if f.Requester != "" {
		if f.Requester, err = s.normalize(f.Requester); err != nil {
			return f, err
		}
	}
	if f.Payee != "" {
		if f.Payee, err = s.normalize(f.Payee); err != nil {
			return f, err
		}
	}
	return f, nil
}

// Balance reports what identity holds on the value-transfer service.
func (s *LedgerService) Balance(ctx context.Context, identity string) (int64, error) {
	identity, err := s.normalize(identity)
	if err != nil {
		return 0, err
	}
	return s.transfers.BalanceOf(ctx, identity)
}
