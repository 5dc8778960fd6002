package models

import "encoding/json"

// OperationType identifies the kind of remote mutation an operation
// carries.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
	OpUpload OperationType = "upload"
)

// Priority orders queue processing. Lower values run first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Operation is one pending remote mutation, durable across restarts.
type Operation struct {
	ID         string            `json:"id"`
	Type       OperationType     `json:"type"`
	Entity     string            `json:"entity"`
	Priority   Priority          `json:"priority"`
	Data       json.RawMessage   `json:"data,omitempty"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Timestamp  int64             `json:"timestamp"` // enqueue time, ms epoch
	RetryCount int               `json:"retryCount"`
	MaxRetries int               `json:"maxRetries"`
	LastError  string            `json:"lastError,omitempty"`

	// NextAttemptAt is the persisted backoff watermark. A restarted
	// process resumes the retry schedule from here instead of retrying
	// immediately.
	NextAttemptAt int64 `json:"nextAttemptAt,omitempty"`
}

// Exhausted reports whether the operation has used up its retry budget.
func (o *Operation) Exhausted() bool {
	return o.RetryCount >= o.MaxRetries
}

// OperationFilter narrows List results. Zero fields match everything;
// set fields are AND-combined.
type OperationFilter struct {
	Entity    string
	Priority  *Priority
	Type      OperationType
	Exhausted *bool
}

// Matches reports whether the operation satisfies the filter.
func (f OperationFilter) Matches(op *Operation) bool {
	if f.Entity != "" && op.Entity != f.Entity {
		return false
	}
	if f.Exhausted != nil && op.Exhausted() != *f.Exhausted {
		return false
	}
	if f.Priority != nil && op.Priority != *f.Priority {
		return false
	}
	if f.Type != "" && op.Type != f.Type {
		return false
	}
	return true
}

// QueueStats summarizes queue contents.
type QueueStats struct {
	Total      int            `json:"total"`
	Pending    int            `json:"pending"`
	Processing int            `json:"processing"`
	Failed     int            `json:"failed"`
	ByPriority map[string]int `json:"byPriority"`
	ByEntity   map[string]int `json:"byEntity"`
}
