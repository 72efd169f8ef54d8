package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/punchamoorthee/payreq/internal/domain"
)

type memRecord struct {
	mu  sync.Mutex
	req domain.PaymentRequest
}

// MemoryStore keeps records in process. Each record has its own lock so
// updates on different IDs never contend.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	records map[int64]*memRecord
	ids     []int64 // ascending
	idem    map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[int64]*memRecord),
		idem:    make(map[string]int64),
	}
}

func (s *MemoryStore) NextID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *MemoryStore) Put(ctx context.Context, r domain.PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.ID]; ok {
		return fmt.Errorf("request %d: %w", r.ID, domain.ErrDuplicateID)
	}
	if r.IdempotencyKey != "" {
		if _, ok := s.idem[r.IdempotencyKey]; ok {
			return domain.ErrIdempotencyConflict
		}
		s.idem[r.IdempotencyKey] = r.ID
	}
	s.records[r.ID] = &memRecord{req: r.Clone()}

	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= r.ID })
	s.ids = append(s.ids, 0)
	copy(s.ids[i+1:], s.ids[i:])
	s.ids[i] = r.ID
	if r.ID > s.seq {
		s.seq = r.ID
	}
	return nil
}

func (s *MemoryStore) record(id int64) (*memRecord, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("request %d: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (domain.PaymentRequest, error) {
	rec, err := s.record(id)
	if err != nil {
		return domain.PaymentRequest{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.req.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id int64, m Mutation) (domain.PaymentRequest, error) {
	rec, err := s.record(id)
	if err != nil {
		return domain.PaymentRequest{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	after, err := apply(rec.req, m)
	if err != nil {
		return domain.PaymentRequest{}, err
	}
	rec.req = after
	return after.Clone(), nil
}

func (s *MemoryStore) FindByIdempotencyKey(ctx context.Context, key string) (domain.PaymentRequest, error) {
	s.mu.RLock()
	id, ok := s.idem[key]
	s.mu.RUnlock()
	if !ok {
		return domain.PaymentRequest{}, fmt.Errorf("idempotency key %q: %w", key, domain.ErrNotFound)
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Scan(ctx context.Context, afterID int64, limit int, f domain.Filter) ([]domain.PaymentRequest, error) {
	s.mu.RLock()
	start := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] > afterID })
	ids := append([]int64(nil), s.ids[start:]...)
	s.mu.RUnlock()

	var out []domain.PaymentRequest
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() {}
