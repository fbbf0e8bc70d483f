package nats

import "time"

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// StreamQuotaEvents holds every ledger event.
const StreamQuotaEvents = "QUOTA_EVENTS"

// Subject constants.
const (
	SubjectQuotaAll = "quota.>" // quota.{action}

	// SubjectCacheInvalidate is core NATS, not JetStream: invalidations are
	// only useful to instances that are running right now.
	SubjectCacheInvalidate = "cache.quota.invalidate"
)
