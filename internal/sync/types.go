package sync

// Task type names, one per SyncJob variant.
const (
	TypeSyncOne    = "email:sync_one"
	TypeSyncBulk   = "email:sync_bulk"
	TypeReconcile  = "email:reconcile"
	TypeReindexAll = "email:reindex_all"
)

// Queue names. Each job variant has a home queue; the worker drains them from
// one shared pool with different priority weights.
const (
	QueueEmailSync      = "email-sync"
	QueueBulkSync       = "bulk-sync"
	QueueReconciliation = "email-reconciliation"
)

// Priority is carried in each job payload for observability; queue weighting
// comes from the job type's home queue, not from this value. Lower value
// means more urgent.
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 5
	PriorityLow    Priority = 10
)

// DefaultBulkBatchSize is how many messages one SyncBulk chunk loads and
// indexes at a time.
const DefaultBulkBatchSize = 100

// SyncOnePayload re-indexes a single message.
type SyncOnePayload struct {
	MessageID string   `json:"message_id"`
	Priority  Priority `json:"priority"`
}

// SyncBulkPayload re-indexes a set of messages in chunks.
type SyncBulkPayload struct {
	MessageIDs []string `json:"message_ids"`
	BatchSize  int      `json:"batch_size"`
	Priority   Priority `json:"priority"`
}

// ReconcilePayload repairs one account's divergence.
type ReconcilePayload struct {
	AccountID string   `json:"account_id"`
	DaysBack  int      `json:"days_back"`
	Priority  Priority `json:"priority"`
}

// ReindexAllPayload rebuilds one account's search documents from the row
// store.
type ReindexAllPayload struct {
	AccountID      string   `json:"account_id"`
	DeleteExisting bool     `json:"delete_existing"`
	Priority       Priority `json:"priority"`
}
