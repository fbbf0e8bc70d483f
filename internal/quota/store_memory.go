package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for single-node deployments and tests.
// Each record has its own lock channel that emulates a row lock: it is held
// for the whole read-modify-write and waiting on it honours ctx.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*Quota
	locks map[uuid.UUID]chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[uuid.UUID]*Quota),
		locks: make(map[uuid.UUID]chan struct{}),
	}
}

func (s *MemoryStore) Create(_ context.Context, q *Quota) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.Status.Live() && s.liveIDLocked(q.UserID) != uuid.Nil {
		return ErrActiveQuotaExists
	}

	now := time.Now()
	q.Version = 1
	q.CreatedAt = now
	q.UpdatedAt = now
	s.byID[q.ID] = q.Clone()
	s.locks[q.ID] = make(chan struct{}, 1)
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Quota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.byID[id]
	if !ok {
		return nil, ErrQuotaNotFound
	}
	return q.Clone(), nil
}

func (s *MemoryStore) FindByUser(_ context.Context, userID uuid.UUID) (*Quota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Quota
	for _, q := range s.byID {
		if q.UserID != userID {
			continue
		}
		if q.Status.Live() {
			return q.Clone(), nil
		}
		if latest == nil || q.CreatedAt.After(latest.CreatedAt) {
			latest = q
		}
	}
	if latest == nil {
		return nil, ErrQuotaNotFound
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) UpdateLocked(ctx context.Context, userID uuid.UUID, fn MutateFunc) (*Quota, error) {
	for {
		s.mu.RLock()
		id := s.liveIDLocked(userID)
		s.mu.RUnlock()
		if id == uuid.Nil {
			return nil, ErrQuotaNotFound
		}

		q, err := s.mutate(ctx, id, func(q *Quota) (bool, error) {
			// The record may have left the live set while we waited.
			if !q.Status.Live() || q.UserID != userID {
				return false, nil
			}
			return true, fn(q)
		})
		if err != nil || q != nil {
			return q, err
		}
	}
}

func (s *MemoryStore) UpdateByIDLocked(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Quota, error) {
	return s.mutate(ctx, id, func(q *Quota) (bool, error) {
		return true, fn(q)
	})
}

// mutate runs fn on a copy of the record while holding its lock. A false
// return from fn means "retry", and mutate returns (nil, nil).
func (s *MemoryStore) mutate(ctx context.Context, id uuid.UUID, fn func(q *Quota) (bool, error)) (*Quota, error) {
	release, err := s.lockRow(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.RLock()
	current, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrQuotaNotFound
	}

	q := current.Clone()
	proceed, err := fn(q)
	if err != nil {
		return nil, err
	}
	if !proceed {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q.Status.Live() && !current.Status.Live() {
		if other := s.liveIDLocked(q.UserID); other != uuid.Nil && other != id {
			return nil, ErrActiveQuotaExists
		}
	}
	q.Version = current.Version + 1
	q.UpdatedAt = time.Now()
	s.byID[id] = q
	return q.Clone(), nil
}

func (s *MemoryStore) lockRow(ctx context.Context, id uuid.UUID) (func(), error) {
	s.mu.RLock()
	ch, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrQuotaNotFound
	}

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MemoryStore) MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	var changed bool
	_, err := s.mutate(ctx, id, func(q *Quota) (bool, error) {
		if !q.Status.Live() {
			return false, nil
		}
		q.Status = StatusExpired
		q.Usage.touch(now)
		changed = true
		return true, nil
	})
	return changed, err
}

func (s *MemoryStore) ListLive(_ context.Context) ([]*Quota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Quota
	for _, q := range s.byID {
		if q.Status.Live() {
			out = append(out, q.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ResetUsage(ctx context.Context, keys []string, now time.Time) ([]*Quota, error) {
	var changed []*Quota
	for _, id := range s.liveIDs() {
		q, err := s.mutate(ctx, id, func(q *Quota) (bool, error) {
			if !q.Status.Live() {
				return false, nil
			}
			for _, k := range keys {
				switch k {
				case usageKeyMonthlyTraffic:
					q.Usage.MonthlyTrafficUsedGB = 0
				case usageKeyMonthlyHours:
					q.Usage.MonthlyUsageHours = 0
				case usageKeyTodayHours:
					q.Usage.TodayUsageHours = 0
				}
			}
			q.Usage.touch(now)
			return true, nil
		})
		if err != nil {
			return changed, err
		}
		if q != nil {
			changed = append(changed, q)
		}
	}
	return changed, nil
}

func (s *MemoryStore) ExpireStale(ctx context.Context, now time.Time) ([]*Quota, error) {
	var expired []*Quota
	for _, id := range s.liveIDs() {
		q, err := s.mutate(ctx, id, func(q *Quota) (bool, error) {
			if !q.Status.Live() || !q.IsExpired(now) {
				return false, nil
			}
			q.Status = StatusExpired
			q.Usage.touch(now)
			return true, nil
		})
		if err != nil {
			return expired, err
		}
		if q != nil {
			expired = append(expired, q)
		}
	}
	return expired, nil
}

func (s *MemoryStore) liveIDs() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []uuid.UUID
	for id, q := range s.byID {
		if q.Status.Live() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *MemoryStore) liveIDLocked(userID uuid.UUID) uuid.UUID {
	for id, q := range s.byID {
		if q.UserID == userID && q.Status.Live() {
			return id
		}
	}
	return uuid.Nil
}
