package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/payreq/internal/domain"
)

const (
	redisSeqKey   = "payreq:seq"
	redisIndexKey = "payreq:ids"

	// Bounded so a hot record cannot spin a caller forever.
	maxCASAttempts = 32
	scanBatch      = 256
)

var ErrTooMuchContention = errors.New("too much contention on request")

// redisRecord carries the hidden fields that the JSON form of
// domain.PaymentRequest leaves out.
type redisRecord struct {
	domain.PaymentRequest
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	RequestHash    string `json:"request_hash,omitempty"`
	ClaimID        string `json:"claim_id,omitempty"`
	ClaimedUntil   *int64 `json:"claimed_until,omitempty"` // unix nanos
}

// RedisStore keeps each request as a JSON string and serializes updates with
// optimistic WATCH/MULTI/EXEC, retrying when another writer got there first.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "payreq:req:"}
}

func (s *RedisStore) key(id int64) string {
	return s.prefix + strconv.FormatInt(id, 10)
}

func idemKey(key string) string {
	return "payreq:idem:" + key
}

func (s *RedisStore) NextID(ctx context.Context) (int64, error) {
	id, err := s.client.Incr(ctx, redisSeqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("id allocation failed: %w", err)
	}
	return id, nil
}

// Put writes the record, its index entry and its idempotency reservation in
// one MULTI/EXEC after checking every precondition, so a rejected Put leaves
// none of the three keys behind. The record and idempotency keys are
// watched; the shared index is only type-checked so concurrent creates do
// not contend on it.
func (s *RedisStore) Put(ctx context.Context, r domain.PaymentRequest) error {
	body, err := encodeRecord(r)
	if err != nil {
		return err
	}

	key := s.key(r.ID)
	watched := []string{key}
	if r.IdempotencyKey != "" {
		watched = append(watched, idemKey(r.IdempotencyKey))
	}

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("request lookup failed: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("request %d: %w", r.ID, domain.ErrDuplicateID)
		}

		if r.IdempotencyKey != "" {
			n, err = tx.Exists(ctx, idemKey(r.IdempotencyKey)).Result()
			if err != nil {
				return fmt.Errorf("idempotency lookup failed: %w", err)
			}
			if n > 0 {
				return domain.ErrIdempotencyConflict
			}
		}

		kind, err := tx.Type(ctx, redisIndexKey).Result()
		if err != nil {
			return fmt.Errorf("index lookup failed: %w", err)
		}
		if kind != "zset" && kind != "none" {
			return fmt.Errorf("index insert failed: %s holds a %s", redisIndexKey, kind)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(r.ID), Member: r.ID})
			if r.IdempotencyKey != "" {
				pipe.Set(ctx, idemKey(r.IdempotencyKey), r.ID, 0)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("request insert failed: %w", err)
		}
		return nil
	}

	for i := 0; i < maxCASAttempts; i++ {
		err := s.client.Watch(ctx, txf, watched...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("request %d: %w", r.ID, ErrTooMuchContention)
}

func (s *RedisStore) Get(ctx context.Context, id int64) (domain.PaymentRequest, error) {
	return s.get(ctx, s.client, id)
}

func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, id int64) (domain.PaymentRequest, error) {
	body, err := c.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PaymentRequest{}, fmt.Errorf("request %d: %w", id, domain.ErrNotFound)
		}
		return domain.PaymentRequest{}, fmt.Errorf("request read failed: %w", err)
	}
	return decodeRecord(body)
}

func (s *RedisStore) Update(ctx context.Context, id int64, m Mutation) (domain.PaymentRequest, error) {
	key := s.key(id)
	var after domain.PaymentRequest

	txf := func(tx *redis.Tx) error {
		before, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		after, err = apply(before, m)
		if err != nil {
			return err
		}
		body, err := encodeRecord(after)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxCASAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return after, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return domain.PaymentRequest{}, err
	}
	return domain.PaymentRequest{}, fmt.Errorf("request %d: %w", id, ErrTooMuchContention)
}

func (s *RedisStore) FindByIdempotencyKey(ctx context.Context, key string) (domain.PaymentRequest, error) {
	id, err := s.client.Get(ctx, idemKey(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PaymentRequest{}, fmt.Errorf("idempotency key %q: %w", key, domain.ErrNotFound)
		}
		return domain.PaymentRequest{}, fmt.Errorf("idempotency query failed: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) Scan(ctx context.Context, afterID int64, limit int, f domain.Filter) ([]domain.PaymentRequest, error) {
	var out []domain.PaymentRequest
	cursor := afterID
	for limit <= 0 || len(out) < limit {
		ids, err := s.client.ZRangeByScore(ctx, redisIndexKey, &redis.ZRangeBy{
			Min:   "(" + strconv.FormatInt(cursor, 10),
			Max:   "+inf",
			Count: scanBatch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("index scan failed: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.prefix + id
		}
		bodies, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("request batch read failed: %w", err)
		}

		for i, b := range bodies {
			id, _ := strconv.ParseInt(ids[i], 10, 64)
			cursor = id
			str, ok := b.(string)
			if !ok {
				continue
			}
			r, err := decodeRecord([]byte(str))
			if err != nil {
				return nil, err
			}
			if f.Match(r) {
				out = append(out, r)
				if limit > 0 && len(out) >= limit {
					break
				}
			}
		}
		if len(ids) < scanBatch {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) Close() {
	s.client.Close()
}

func encodeRecord(r domain.PaymentRequest) ([]byte, error) {
	rec := redisRecord{
		PaymentRequest: r,
		IdempotencyKey: r.IdempotencyKey,
		RequestHash:    r.RequestHash,
		ClaimID:        r.ClaimID,
	}
	if r.ClaimedUntil != nil {
		n := r.ClaimedUntil.UnixNano()
		rec.ClaimedUntil = &n
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("request encode failed: %w", err)
	}
	return body, nil
}

func decodeRecord(body []byte) (domain.PaymentRequest, error) {
	var rec redisRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return domain.PaymentRequest{}, fmt.Errorf("request decode failed: %w", err)
	}
	r := rec.PaymentRequest
	r.IdempotencyKey = rec.IdempotencyKey
	r.RequestHash = rec.RequestHash
	r.ClaimID = rec.ClaimID
	if rec.ClaimedUntil != nil {
		t := time.Unix(0, *rec.ClaimedUntil).UTC()
		r.ClaimedUntil = &t
	}
	return r, nil
}
