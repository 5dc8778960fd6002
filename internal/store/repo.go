package store

import (
	"encoding/json"
	"fmt"

	"github.com/unioneyes/claimsync/internal/models"
)

// Repo is a typed view over one entity type. It checks payload shape at
// the serialization boundary instead of passing untyped maps around.
type Repo[T any] struct {
	store  *Store
	entity string
}

// NewRepo creates a typed repository for entity.
func NewRepo[T any](s *Store, entity string) *Repo[T] {
	return &Repo[T]{store: s, entity: entity}
}

// Entity returns the entity type name this repo serves.
func (r *Repo[T]) Entity() string {
	return r.entity
}

// Save marshals and upserts one value. The value's JSON form must carry
// a top-level "id".
func (r *Repo[T]) Save(v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", r.entity, err)
	}
	return r.store.Save(r.entity, data)
}

// SaveMany marshals and upserts a batch.
func (r *Repo[T]) SaveMany(vs []T) error {
	records := make([]json.RawMessage, 0, len(vs))
	for _, v := range vs {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", r.entity, err)
		}
		records = append(records, data)
	}
	return r.store.SaveMany(r.entity, records)
}

// Find returns the decoded value and its metadata, or ok=false when the
// record is absent, soft-deleted, or fails to decode as T.
func (r *Repo[T]) Find(id string) (T, *models.Metadata, bool) {
	var zero T
	rec := r.store.Find(r.entity, id)
	if rec == nil {
		return zero, nil, false
	}

	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return zero, nil, false
	}
	meta := rec.Meta
	return v, &meta, true
}

// FindAll returns all decoded values matching opts. Records failing to
// decode as T are skipped.
func (r *Repo[T]) FindAll(opts *models.QueryOptions) []T {
	recs := r.store.FindAll(r.entity, opts)
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Data, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Count counts live records matching where.
func (r *Repo[T]) Count(where map[string]interface{}) int {
	return r.store.Count(r.entity, where)
}

// Delete removes one record, soft by default.
func (r *Repo[T]) Delete(id string, hard bool) bool {
	return r.store.Delete(r.entity, id, hard)
}
