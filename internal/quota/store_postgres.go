package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const quotaColumns = `id, user_id, plan_id, plan_name, status, limits, usage,
	valid_from, valid_until, auto_renew, notes, version, created_at, updated_at`

const liveStatuses = `('active', 'exceeded')`

// PostgresStore persists quotas in the quotas table. Limits and usage are
// JSONB blobs so dimensions can be added without a schema migration.
type PostgresStore struct {
	pool      *pgxpool.Pool
	txTimeout time.Duration
}

// NewPostgresStore creates a PostgresStore. txTimeout bounds every locking
// transaction, including the time spent waiting for the row lock.
func NewPostgresStore(pool *pgxpool.Pool, txTimeout time.Duration) *PostgresStore {
	if txTimeout <= 0 {
		txTimeout = 5 * time.Second
	}
	return &PostgresStore{pool: pool, txTimeout: txTimeout}
}

func (s *PostgresStore) Create(ctx context.Context, q *Quota) error {
	limits, usage, err := marshalBlobs(q)
	if err != nil {
		return err
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO quotas (id, user_id, plan_id, plan_name, status, limits, usage,
		                     valid_from, valid_until, auto_renew, notes, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
		 RETURNING version, created_at, updated_at`,
		q.ID, q.UserID, q.PlanID, q.PlanName, q.Status, limits, usage,
		q.ValidFrom, q.ValidUntil, q.AutoRenew, q.Notes,
	).Scan(&q.Version, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveQuotaExists
		}
		return fmt.Errorf("inserting quota: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*Quota, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+quotaColumns+` FROM quotas WHERE id = $1`, id)
	q, err := scanQuota(row)
	if err != nil {
		return nil, fmt.Errorf("querying quota by id: %w", err)
	}
	return q, nil
}

func (s *PostgresStore) FindByUser(ctx context.Context, userID uuid.UUID) (*Quota, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+quotaColumns+` FROM quotas
		 WHERE user_id = $1
		 ORDER BY (status IN `+liveStatuses+`) DESC, created_at DESC
		 LIMIT 1`, userID)
	q, err := scanQuota(row)
	if err != nil {
		return nil, fmt.Errorf("querying quota by user: %w", err)
	}
	return q, nil
}

func (s *PostgresStore) UpdateLocked(ctx context.Context, userID uuid.UUID, fn MutateFunc) (*Quota, error) {
	return s.updateLocked(ctx,
		`SELECT `+quotaColumns+` FROM quotas
		 WHERE user_id = $1 AND status IN `+liveStatuses+`
		 FOR UPDATE`, userID, fn)
}

func (s *PostgresStore) UpdateByIDLocked(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Quota, error) {
	return s.updateLocked(ctx,
		`SELECT `+quotaColumns+` FROM quotas WHERE id = $1 FOR UPDATE`, id, fn)
}

func (s *PostgresStore) updateLocked(ctx context.Context, query string, arg uuid.UUID, fn MutateFunc) (*Quota, error) {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("beginning quota tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Bound the row lock wait independently of the statement itself.
	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
		fmt.Sprintf("%dms", s.txTimeout.Milliseconds())); err != nil {
		return nil, fmt.Errorf("setting lock timeout: %w", err)
	}

	q, err := scanQuota(tx.QueryRow(ctx, query, arg))
	if err != nil {
		return nil, fmt.Errorf("locking quota: %w", err)
	}

	if err := fn(q); err != nil {
		return nil, err
	}

	limits, usage, err := marshalBlobs(q)
	if err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx,
		`UPDATE quotas
		 SET plan_id = $2, plan_name = $3, status = $4, limits = $5, usage = $6,
		     valid_from = $7, valid_until = $8, auto_renew = $9, notes = $10,
		     version = version + 1, updated_at = NOW()
		 WHERE id = $1
		 RETURNING version, updated_at`,
		q.ID, q.PlanID, q.PlanName, q.Status, limits, usage,
		q.ValidFrom, q.ValidUntil, q.AutoRenew, q.Notes,
	).Scan(&q.Version, &q.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveQuotaExists
		}
		return nil, fmt.Errorf("updating quota: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing quota tx: %w", err)
	}
	return q, nil
}

func (s *PostgresStore) MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quotas
		 SET status = 'expired', version = version + 1, updated_at = NOW(),
		     usage = jsonb_set(usage, '{`+usageKeyLastUpdated+`}', to_jsonb($2::timestamptz))
		 WHERE id = $1 AND status IN `+liveStatuses, id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("marking quota expired: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListLive(ctx context.Context) ([]*Quota, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+quotaColumns+` FROM quotas
		 WHERE status IN `+liveStatuses+`
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing live quotas: %w", err)
	}
	return collectQuotas(rows)
}

func (s *PostgresStore) ResetUsage(ctx context.Context, keys []string, now time.Time) ([]*Quota, error) {
	patch := make(map[string]any, len(keys)+1)
	for _, k := range keys {
		patch[k] = 0
	}
	patch[usageKeyLastUpdated] = now.UTC()
	data, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("marshaling usage reset: %w", err)
	}

	// jsonb || merges only the listed keys, so concurrent writers of other
	// usage fields are not clobbered.
	rows, err := s.pool.Query(ctx,
		`UPDATE quotas
		 SET usage = usage || $1::jsonb,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE status IN `+liveStatuses+`
		 RETURNING `+quotaColumns, string(data))
	if err != nil {
		return nil, fmt.Errorf("resetting quota usage: %w", err)
	}
	return collectQuotas(rows)
}

func (s *PostgresStore) ExpireStale(ctx context.Context, now time.Time) ([]*Quota, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE quotas
		 SET status = 'expired', version = version + 1, updated_at = NOW(),
		     usage = jsonb_set(usage, '{`+usageKeyLastUpdated+`}', to_jsonb($1::timestamptz))
		 WHERE status IN `+liveStatuses+` AND valid_until IS NOT NULL AND valid_until < $1
		 RETURNING `+quotaColumns, now)
	if err != nil {
		return nil, fmt.Errorf("expiring stale quotas: %w", err)
	}
	return collectQuotas(rows)
}

func collectQuotas(rows pgx.Rows) ([]*Quota, error) {
	defer rows.Close()

	var quotas []*Quota
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning quota row: %w", err)
		}
		quotas = append(quotas, q)
	}
	return quotas, rows.Err()
}

func scanQuota(row pgx.Row) (*Quota, error) {
	var (
		q      Quota
		limits []byte
		usage  []byte
	)
	err := row.Scan(&q.ID, &q.UserID, &q.PlanID, &q.PlanName, &q.Status, &limits, &usage,
		&q.ValidFrom, &q.ValidUntil, &q.AutoRenew, &q.Notes, &q.Version, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuotaNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(limits, &q.Limits); err != nil {
		return nil, fmt.Errorf("decoding limits: %w", err)
	}
	if err := json.Unmarshal(usage, &q.Usage); err != nil {
		return nil, fmt.Errorf("decoding usage: %w", err)
	}
	return &q, nil
}

func marshalBlobs(q *Quota) ([]byte, []byte, error) {
	limits, err := json.Marshal(q.Limits)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling limits: %w", err)
	}
	usage, err := json.Marshal(q.Usage)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling usage: %w", err)
	}
	return limits, usage, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
