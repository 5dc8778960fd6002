package models

import (
	"encoding/json"
	"fmt"
)

// Metadata is attached to every stored entity record.
type Metadata struct {
	ID         string `json:"id"`
	EntityType string `json:"entityType"`
	CreatedAt  int64  `json:"createdAt"`          // ms epoch, set once
	UpdatedAt  int64  `json:"updatedAt"`          // ms epoch, refreshed on every write
	SyncedAt   int64  `json:"syncedAt,omitempty"` // 0 = never confirmed on server
	Version    int64  `json:"version"`
	Deleted    bool   `json:"deleted,omitempty"`
}

// Record pairs an entity payload with its metadata. Data is the raw
// entity JSON as the caller supplied it; the store never interprets it
// beyond the top-level "id" field.
type Record struct {
	Meta Metadata        `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// Dirty reports whether the record has local changes the server has not
// confirmed.
func (r *Record) Dirty() bool {
	return r.Meta.SyncedAt == 0 || r.Meta.UpdatedAt > r.Meta.SyncedAt
}

// Fields unmarshals the payload into a generic map. Errors degrade to an
// empty map; callers on the read path must not depend on failures here.
func (r *Record) Fields() map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal(r.Data, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}

// EntityID extracts the caller-assigned id from a raw entity payload.
func EntityID(data json.RawMessage) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("parse entity payload: %w", err)
	}
	if probe.ID == "" {
		return "", ErrMissingID
	}
	return probe.ID, nil
}

// QueryOptions control FindAll filtering, ordering and pagination.
type QueryOptions struct {
	Where   map[string]interface{}
	OrderBy *OrderBy
	Limit   int
	Offset  int
}

// OrderBy sorts on a single top-level payload field.
type OrderBy struct {
	Field     string
	Direction SortDirection
}

// SortDirection is asc or desc.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// StoreStats summarizes stored entities.
type StoreStats struct {
	Entities  map[string]int `json:"entities"`
	TotalSize int            `json:"totalSize"`
}
