package models

import "encoding/json"

// ConflictStrategy selects how a local/server divergence is resolved.
type ConflictStrategy string

const (
	ServerWins    ConflictStrategy = "server_wins"
	ClientWins    ConflictStrategy = "client_wins"
	LastWriteWins ConflictStrategy = "last_write_wins"
	Manual        ConflictStrategy = "manual"
	MergeFields   ConflictStrategy = "merge"
)

// FieldConflict records one top-level field differing between the local
// and server versions.
type FieldConflict struct {
	Field       string      `json:"field"`
	LocalValue  interface{} `json:"localValue"`
	ServerValue interface{} `json:"serverValue"`
}

// Conflict is a detected divergence between the local and server copy of
// one entity instance. Persisted until resolved and aged out.
type Conflict struct {
	ID              string           `json:"id"`
	Entity          string           `json:"entity"`
	EntityID        string           `json:"entityId"`
	LocalVersion    json.RawMessage  `json:"localVersion"`
	ServerVersion   json.RawMessage  `json:"serverVersion"`
	LocalTimestamp  int64            `json:"localTimestamp"`
	ServerTimestamp int64            `json:"serverTimestamp"`
	Strategy        ConflictStrategy `json:"strategy"`
	Resolved        bool             `json:"resolved"`
	Resolution      json.RawMessage  `json:"resolution,omitempty"`
	ResolvedAt      int64            `json:"resolvedAt,omitempty"`
	FieldConflicts  []FieldConflict  `json:"fieldConflicts,omitempty"`
}

// Resolution is the outcome of DetectAndResolve.
type Resolution struct {
	Resolved       bool
	Data           json.RawMessage
	RequiresManual bool
	Conflict       *Conflict
}

// ConflictStats summarizes stored conflicts.
type ConflictStats struct {
	Total      int            `json:"total"`
	Unresolved int            `json:"unresolved"`
	Resolved   int            `json:"resolved"`
	ByEntity   map[string]int `json:"byEntity"`
	ByStrategy map[string]int `json:"byStrategy"`
}
