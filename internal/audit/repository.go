package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles quota_audit_logs PostgreSQL operations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new audit Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists a single audit entry. An entry whose MessageID is already
// stored is skipped and reported as not inserted.
func (r *Repository) Insert(ctx context.Context, e *Entry) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	tag, err := r.pool.Exec(ctx,
		`INSERT INTO quota_audit_logs (id, message_id, user_id, quota_id, action, status, payload, created_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (message_id) DO NOTHING`,
		e.ID, e.MessageID, e.UserID, e.QuotaID, e.Action, e.Status, payload, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("inserting quota audit entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListByUser returns a page of a user's audit entries, newest first, and
// the total number of matching entries.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, params ListParams) ([]Entry, int64, error) {
	params.normalize()

	conditions := []string{"user_id = $1"}
	args := []any{userID}

	if params.Action != "" {
		args = append(args, params.Action)
		conditions = append(conditions, fmt.Sprintf("action = $%d", len(args)))
	}
	if params.From != nil {
		args = append(args, *params.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if params.To != nil {
		args = append(args, *params.To)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	where := strings.Join(conditions, " AND ")

	var total int64
	if err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM quota_audit_logs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting quota audit entries: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	query := fmt.Sprintf(
		`SELECT id, COALESCE(message_id, ''), user_id, quota_id, action, status, payload, created_at
		 FROM quota_audit_logs WHERE %s
		 ORDER BY created_at DESC
		 LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, params.PageSize, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying quota audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.MessageID, &e.UserID, &e.QuotaID, &e.Action, &e.Status, &e.Payload, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning quota audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating quota audit entries: %w", err)
	}

	return entries, total, nil
}
