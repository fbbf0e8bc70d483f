package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entry matches the quota_audit_logs table. Payload is the ledger event as
// it was published.
type Entry struct {
	ID        uuid.UUID       `json:"id"`
	MessageID string          `json:"message_id,omitempty"`
	UserID    uuid.UUID       `json:"user_id"`
	QuotaID   uuid.UUID       `json:"quota_id"`
	Action    string          `json:"action"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListParams holds pagination and filtering parameters for audit queries.
type ListParams struct {
	Action   string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// DefaultListParams returns sensible defaults.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 20,
	}
}

func (p *ListParams) normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 || p.PageSize > 100 {
		p.PageSize = 20
	}
}
