package quota

import "errors"

var (
	// ErrQuotaNotFound means the user has no live quota, or the quota id is unknown.
	ErrQuotaNotFound = errors.New("quota not found")

	// ErrActiveQuotaExists is returned by CreateQuota when the user already has a live quota.
	ErrActiveQuotaExists = errors.New("user already has an active quota")

	// ErrQuotaExpired is returned after a lazy expiry transition.
	ErrQuotaExpired = errors.New("quota has expired")

	ErrInvalidRequest       = errors.New("invalid quota request")
	ErrUnsupportedDimension = errors.New("unsupported quota dimension")
)
