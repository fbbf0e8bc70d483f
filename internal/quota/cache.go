package quota

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/devicecloud/quotad/internal/cache"
)

const (
	userKeyPrefix  = "quota:user:"
	listKeyPrefix  = "quota:list:"
	floorKeyPrefix = "quota:floor:"

	defaultUserTTL = 5 * time.Minute
	defaultListTTL = time.Minute
)

func userKey(userID uuid.UUID) string  { return userKeyPrefix + userID.String() }
func floorKey(userID uuid.UUID) string { return floorKeyPrefix + userID.String() }

// Cache is the read-through cache in front of quota reads. It is never the
// source of truth: every failure is logged and treated as a miss.
//
// Invalidation records the committed Version as a floor before deleting the
// entry. A reader that loaded an older row concurrently with the mutation
// re-checks the floor after writing and removes its own stale entry. Floors
// live only in the shared tier, so a raise on one instance is seen by all.
type Cache struct {
	c       cache.Cache
	floors  cache.Backend
	userTTL time.Duration
	listTTL time.Duration
	sf      singleflight.Group
}

// NewCache wraps c. A nil c disables caching.
func NewCache(c cache.Cache, userTTL, listTTL time.Duration) *Cache {
	if userTTL <= 0 {
		userTTL = defaultUserTTL
	}
	if listTTL <= 0 {
		listTTL = defaultListTTL
	}
	qc := &Cache{c: c, userTTL: userTTL, listTTL: listTTL}
	if st, ok := c.(cache.SharedTier); ok {
		qc.floors = st.Shared()
	} else if c != nil {
		qc.floors = c
	}
	return qc
}

// GetOrLoad returns the cached live quota for userID, or calls load and
// caches its result when it is live. Concurrent misses for the same user share
// one load.
func (qc *Cache) GetOrLoad(ctx context.Context, userID uuid.UUID, load func(context.Context) (*Quota, error)) (*Quota, error) {
	if q, ok := qc.getUser(ctx, userID); ok {
		return q, nil
	}

	v, err, _ := qc.sf.Do(userID.String(), func() (any, error) {
		q, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if q.Status.Live() {
			qc.putUser(ctx, q)
		}
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Quota).Clone(), nil
}

func (qc *Cache) getUser(ctx context.Context, userID uuid.UUID) (*Quota, bool) {
	if qc.c == nil {
		return nil, false
	}
	data, ok, err := qc.c.Get(ctx, userKey(userID))
	if err != nil {
		slog.Warn("quota cache: get failed", "user_id", userID, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var q Quota
	if err := json.Unmarshal(data, &q); err != nil {
		slog.Warn("quota cache: decoding entry failed", "user_id", userID, "error", err)
		return nil, false
	}
	return &q, true
}

func (qc *Cache) putUser(ctx context.Context, q *Quota) {
	if qc.c == nil {
		return
	}
	if q.Version < qc.floor(ctx, q.UserID) {
		return
	}
	data, err := json.Marshal(q)
	if err != nil {
		slog.Warn("quota cache: encoding entry failed", "user_id", q.UserID, "error", err)
		return
	}
	key := userKey(q.UserID)
	if err := qc.c.Set(ctx, key, data, qc.userTTL); err != nil {
		slog.Warn("quota cache: set failed", "user_id", q.UserID, "error", err)
		return
	}
	if q.Version < qc.floor(ctx, q.UserID) {
		qc.delete(ctx, key)
	}
}

func (qc *Cache) floor(ctx context.Context, userID uuid.UUID) int64 {
	if qc.floors == nil {
		return 0
	}
	data, ok, err := qc.floors.Get(ctx, floorKey(userID))
	if err != nil || !ok {
		return 0
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// InvalidateUser drops the user's entry and every list view. It must only
// be called after the mutation that produced version has committed.
func (qc *Cache) InvalidateUser(ctx context.Context, userID uuid.UUID, version int64) {
	if qc.c == nil {
		return
	}
	qc.raiseFloor(ctx, userID, version)
	qc.delete(ctx, userKey(userID))
	qc.deletePrefix(ctx, listKeyPrefix)
}

// InvalidateAll raises the floor of every quota in changed to its committed
// Version, then drops every per-user entry and list view.
func (qc *Cache) InvalidateAll(ctx context.Context, changed []*Quota) {
	if qc.c == nil {
		return
	}
	for _, q := range changed {
		qc.raiseFloor(ctx, q.UserID, q.Version)
	}
	qc.deletePrefix(ctx, userKeyPrefix)
	qc.deletePrefix(ctx, listKeyPrefix)
}

// raiseFloor moves the floor up to version. Two racing raises can both pass
// the check; the later write then wins, which at worst lets one stale entry
// live until its TTL.
func (qc *Cache) raiseFloor(ctx context.Context, userID uuid.UUID, version int64) {
	if qc.floors == nil || version <= qc.floor(ctx, userID) {
		return
	}
	if err := qc.floors.Set(ctx, floorKey(userID), []byte(strconv.FormatInt(version, 10)), qc.userTTL); err != nil {
		slog.Warn("quota cache: setting version floor failed", "user_id", userID, "error", err)
	}
}

// GetList decodes the cached list view name into dst.
func (qc *Cache) GetList(ctx context.Context, name string, dst any) bool {
	if qc.c == nil {
		return false
	}
	data, ok, err := qc.c.Get(ctx, listKeyPrefix+name)
	if err != nil {
		slog.Warn("quota cache: list get failed", "list", name, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		slog.Warn("quota cache: decoding list failed", "list", name, "error", err)
		return false
	}
	return true
}

func (qc *Cache) PutList(ctx context.Context, name string, v any) {
	if qc.c == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("quota cache: encoding list failed", "list", name, "error", err)
		return
	}
	if err := qc.c.Set(ctx, listKeyPrefix+name, data, qc.listTTL); err != nil {
		slog.Warn("quota cache: list set failed", "list", name, "error", err)
	}
}

func (qc *Cache) delete(ctx context.Context, key string) {
	if err := qc.c.Delete(ctx, key); err != nil {
		slog.Warn("quota cache: delete failed", "key", key, "error", err)
	}
}

func (qc *Cache) deletePrefix(ctx context.Context, prefix string) {
	if err := qc.c.DeleteByPrefix(ctx, prefix); err != nil {
		slog.Warn("quota cache: prefix delete failed", "prefix", prefix, "error", err)
	}
}
