package models

// SyncStatus is the ephemeral per-entity sync state. Recomputed on every
// transition, never persisted.
type SyncStatus struct {
	Entity               string  `json:"entity,omitempty"`
	Syncing              bool    `json:"isSyncing"`
	LastSyncAt           int64   `json:"lastSyncAt,omitempty"`
	LastSuccessfulSyncAt int64   `json:"lastSuccessfulSyncAt,omitempty"`
	PendingChanges       int     `json:"pendingChanges"`
	FailedOperations     int     `json:"failedOperations"`
	Progress             float64 `json:"progress,omitempty"` // 0-100
	Error                string  `json:"error,omitempty"`
}

// SyncDirection selects push, pull or both for an explicit sync call.
type SyncDirection string

const (
	DirectionPush SyncDirection = "push"
	DirectionPull SyncDirection = "pull"
	DirectionBoth SyncDirection = "both"
)

// PullPage is the shape of one delta-pull response page.
type PullPage struct {
	Data    []map[string]interface{} `json:"data"`
	HasMore bool                     `json:"hasMore"`
}

// ChangeNotice is one realtime change-feed message: the server telling us
// an entity instance changed and a pull is worthwhile.
type ChangeNotice struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
	Action string `json:"action"` // create, update, delete
}
