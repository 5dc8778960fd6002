package conflict

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unioneyes/claimsync/internal/events"
	"github.com/unioneyes/claimsync/internal/models"
	"github.com/unioneyes/claimsync/internal/store"
)

// metadata fields excluded from comparison and field-conflict detection
var volatileFields = map[string]bool{
	"updatedAt": true,
	"createdAt": true,
	"_synced":   true,
}

// Listener observes newly detected conflicts.
type Listener func(*models.Conflict)

// Resolver decides which of a local vs. server entity version survives,
// or flags the divergence for manual intervention. Conflicts persist as
// one serialized list in the store's scalar namespace.
type Resolver struct {
	store  *store.Store
	logger *events.Logger

	mu        sync.Mutex
	conflicts map[string]*models.Conflict
	listeners map[int]Listener
	nextID    int
	now       func() time.Time
}

// New creates a resolver, loading persisted conflicts.
func New(st *store.Store, logger *events.Logger) *Resolver {
	r := &Resolver{
		store:     st,
		logger:    logger.WithField("component", "conflict_resolver"),
		conflicts: make(map[string]*models.Conflict),
		listeners: make(map[int]Listener),
		now:       time.Now,
	}
	r.load()
	return r
}

// SetClock overrides the resolver's clock. Test hook.
func (r *Resolver) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *Resolver) load() {
	raw := r.store.GetSimpleString(store.ConflictsKey)
	if raw == "" {
		return
	}

	var list []*models.Conflict
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		r.logger.WithError(err).Warn("Failed to load persisted conflicts")
		return
	}

	for _, c := range list {
		r.conflicts[c.ID] = c
	}
	r.logger.WithField("count", len(list)).Info("Loaded persisted conflicts")
}

// persistLocked writes the full conflict list. Callers hold r.mu.
func (r *Resolver) persistLocked() {
	list := make([]*models.Conflict, 0, len(r.conflicts))
	for _, c := range r.conflicts {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.Marshal(list)
	if err != nil {
		r.logger.WithError(err).Error("Failed to serialize conflicts")
		return
	}
	if err := r.store.SetSimple(store.ConflictsKey, string(data)); err != nil {
		r.logger.WithError(err).Error("Failed to persist conflicts")
	}
}

// DetectAndResolve compares the local and server versions of one entity
// instance. Equal content (ignoring volatile fields) short-circuits in
// favor of the server value without creating a conflict record.
func (r *Resolver) DetectAndResolve(entity, entityID string, local, server json.RawMessage, strategy models.ConflictStrategy) models.Resolution {
	localMap := decodeObject(local)
	serverMap := decodeObject(server)

	if !hasConflict(localMap, serverMap) {
		return models.Resolution{Resolved: true, Data: server}
	}

	now := r.now().UnixMilli()
	conflict := &models.Conflict{
		ID:              fmt.Sprintf("conflict_%s_%s_%d_%s", entity, entityID, now, uuid.NewString()[:8]),
		Entity:          entity,
		EntityID:        entityID,
		LocalVersion:    local,
		ServerVersion:   server,
		LocalTimestamp:  timestampOf(localMap, now),
		ServerTimestamp: timestampOf(serverMap, now),
		Strategy:        strategy,
		FieldConflicts:  fieldConflicts(localMap, serverMap),
	}

	r.mu.Lock()
	r.conflicts[conflict.ID] = conflict
	r.persistLocked()
	ls := r.snapshotListenersLocked()
	r.mu.Unlock()

	r.logger.WithFields(map[string]interface{}{
		"entity":    entity,
		"entity_id": entityID,
		"strategy":  string(strategy),
		"fields":    len(conflict.FieldConflicts),
	}).Info("Conflict detected")

	for _, l := range ls {
		l(conflict)
	}

	result := r.applyStrategy(conflict, localMap, serverMap)

	if result.Resolved && result.Data != nil {
		r.mu.Lock()
		conflict.Resolved = true
		conflict.Resolution = result.Data
		conflict.ResolvedAt = r.now().UnixMilli()
		r.persistLocked()
		r.mu.Unlock()
	}

	return result
}

// applyStrategy dispatches to the strategy handler.
func (r *Resolver) applyStrategy(c *models.Conflict, localMap, serverMap map[string]interface{}) models.Resolution {
	switch c.Strategy {
	case models.ServerWins:
		return models.Resolution{Resolved: true, Data: c.ServerVersion, Conflict: c}

	case models.ClientWins:
		return models.Resolution{Resolved: true, Data: c.LocalVersion, Conflict: c}

	case models.LastWriteWins:
		// Ties favor the server.
		if c.ServerTimestamp >= c.LocalTimestamp {
			return models.Resolution{Resolved: true, Data: c.ServerVersion, Conflict: c}
		}
		return models.Resolution{Resolved: true, Data: c.LocalVersion, Conflict: c}

	case models.Manual:
		return models.Resolution{RequiresManual: true, Conflict: c}

	case models.MergeFields:
		return r.merge(c, localMap, serverMap)

	default:
		r.logger.WithField("strategy", string(c.Strategy)).Error("Unknown conflict strategy")
		return models.Resolution{RequiresManual: true, Conflict: c}
	}
}

// merge reconciles field by field, taking the newer side's value per
// conflicting field. Object- or array-valued conflicts are refused and
// downgraded to manual resolution; deep merging silently would guess.
func (r *Resolver) merge(c *models.Conflict, localMap, serverMap map[string]interface{}) models.Resolution {
	for _, fc := range c.FieldConflicts {
		if isComposite(fc.LocalValue) || isComposite(fc.ServerValue) {
			r.logger.WithFields(map[string]interface{}{
				"entity": c.Entity,
				"field":  fc.Field,
			}).Info("Merge refused on composite field")
			return models.Resolution{RequiresManual: true, Conflict: c}
		}
	}

	merged := make(map[string]interface{}, len(serverMap))
	for k, v := range serverMap {
		merged[k] = v
	}

	// The newer side's value wins per conflicting field. A field absent
	// on the winning side keeps the other side's value rather than being
	// dropped.
	useLocal := c.LocalTimestamp > c.ServerTimestamp
	for _, fc := range c.FieldConflicts {
		if useLocal {
			if v, ok := localMap[fc.Field]; ok {
				merged[fc.Field] = v
			}
			continue
		}
		if _, ok := serverMap[fc.Field]; !ok {
			merged[fc.Field] = localMap[fc.Field]
		}
	}

	if c.LocalTimestamp > c.ServerTimestamp {
		merged["updatedAt"] = c.LocalTimestamp
	} else {
		merged["updatedAt"] = c.ServerTimestamp
	}

	data, err := json.Marshal(merged)
	if err != nil {
		r.logger.WithError(err).Error("Failed to marshal merged value")
		return models.Resolution{RequiresManual: true, Conflict: c}
	}

	return models.Resolution{Resolved: true, Data: data, Conflict: c}
}

// ResolveManually records the caller's chosen value for a pending
// conflict.
func (r *Resolver) ResolveManually(conflictID string, resolution json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conflicts[conflictID]
	if !ok {
		return models.ErrConflictNotFound
	}

	c.Resolved = true
	c.Resolution = resolution
	c.ResolvedAt = r.now().UnixMilli()
	r.persistLocked()

	r.logger.WithField("id", conflictID).Info("Conflict resolved manually")
	return nil
}

// Unresolved returns pending conflicts, optionally filtered by entity.
func (r *Resolver) Unresolved(entity string) []*models.Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Conflict
	for _, c := range r.conflicts {
		if c.Resolved {
			continue
		}
		if entity != "" && c.Entity != entity {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one conflict by id.
func (r *Resolver) Get(id string) (*models.Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conflicts[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// ClearResolved purges resolved conflicts older than the given number
// of days, measured from resolvedAt. Returns how many were removed.
func (r *Resolver) ClearResolved(olderThanDays int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().UnixMilli() - int64(olderThanDays)*24*60*60*1000

	cleared := 0
	for id, c := range r.conflicts {
		if c.Resolved && c.ResolvedAt > 0 && c.ResolvedAt < cutoff {
			delete(r.conflicts, id)
			cleared++
		}
	}

	if cleared > 0 {
		r.persistLocked()
	}
	return cleared
}

// Stats summarizes stored conflicts.
func (r *Resolver) Stats() models.ConflictStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := models.ConflictStats{
		ByEntity:   make(map[string]int),
		ByStrategy: make(map[string]int),
	}

	for _, c := range r.conflicts {
		stats.Total++
		if c.Resolved {
			stats.Resolved++
		} else {
			stats.Unresolved++
		}
		stats.ByEntity[c.Entity]++
		stats.ByStrategy[string(c.Strategy)]++
	}

	return stats
}

// AddListener registers a conflict listener; returns unsubscribe.
func (r *Resolver) AddListener(l Listener) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Resolver) snapshotListenersLocked() []Listener {
	ls := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	return ls
}

// ==================== comparison helpers ====================

func decodeObject(data json.RawMessage) map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}

// hasConflict deep-compares both sides after stripping volatile fields.
func hasConflict(local, server map[string]interface{}) bool {
	return !reflect.DeepEqual(normalize(local), normalize(server))
}

func normalize(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if volatileFields[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// fieldConflicts diffs the union of top-level keys, excluding volatile
// fields and id.
func fieldConflicts(local, server map[string]interface{}) []models.FieldConflict {
	keys := make(map[string]bool, len(local)+len(server))
	for k := range local {
		keys[k] = true
	}
	for k := range server {
		keys[k] = true
	}

	ordered := make([]string, 0, len(keys))
	for k := range keys {
		if volatileFields[k] || k == "id" {
			continue
		}
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	var out []models.FieldConflict
	for _, k := range ordered {
		lv, sv := local[k], server[k]
		if !reflect.DeepEqual(lv, sv) {
			out = append(out, models.FieldConflict{
				Field:       k,
				LocalValue:  lv,
				ServerValue: sv,
			})
		}
	}
	return out
}

// timestampOf reads a side's own updatedAt, defaulting to fallback.
func timestampOf(m map[string]interface{}, fallback int64) int64 {
	switch v := m["updatedAt"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return fallback
}

func isComposite(v interface{}) bool {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return true
	default:
		return false
	}
}
