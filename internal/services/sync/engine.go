package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unioneyes/claimsync/internal/config"
	"github.com/unioneyes/claimsync/internal/events"
	"github.com/unioneyes/claimsync/internal/models"
	"github.com/unioneyes/claimsync/internal/netmon"
	"github.com/unioneyes/claimsync/internal/queue"
	"github.com/unioneyes/claimsync/internal/store"
	"github.com/unioneyes/claimsync/internal/transport"
)

// Resolver decides divergent local/server versions during merge.
type Resolver interface {
	DetectAndResolve(entity, entityID string, local, server json.RawMessage, strategy models.ConflictStrategy) models.Resolution
}

// noopResolver is used when no resolver is wired: the server copy wins
// and nothing is recorded.
type noopResolver struct{}

func (noopResolver) DetectAndResolve(entity, entityID string, local, server json.RawMessage, strategy models.ConflictStrategy) models.Resolution {
	return models.Resolution{Resolved: true, Data: server}
}

// StatusListener observes per-entity status transitions.
type StatusListener func(entity string, status models.SyncStatus)

// ConflictListener observes pulled merges held for manual resolution.
type ConflictListener func(*models.Conflict)

// inflight shares one running sync's outcome with late callers.
type inflight struct {
	done chan struct{}
	err  error
}

const allEntities = "__all__"

// Engine drives push/pull synchronization for every registered entity
// type. Push drains locally dirty records to the API; pull fetches
// server-side changes past a persisted watermark and merges them
// through the resolver.
type Engine struct {
	store    *store.Store
	api      transport.API
	queue    *queue.Queue
	monitor  *netmon.Monitor
	resolver Resolver
	logger   *events.Logger
	cfg      config.SyncConfig

	mu         sync.Mutex
	strategies map[string]*EntityStrategy
	status     map[string]*models.SyncStatus
	running    map[string]*inflight
	listeners  map[int]StatusListener
	conflictLs map[int]ConflictListener
	nextID     int
	now        func() time.Time
}

// NewEngine creates a sync engine. A nil resolver falls back to
// server-wins with no conflict records.
func NewEngine(
	st *store.Store,
	api transport.API,
	q *queue.Queue,
	monitor *netmon.Monitor,
	resolver Resolver,
	cfg config.SyncConfig,
	logger *events.Logger,
) *Engine {
	if resolver == nil {
		resolver = noopResolver{}
	}

	e := &Engine{
		store:      st,
		api:        api,
		queue:      q,
		monitor:    monitor,
		resolver:   resolver,
		logger:     logger.WithField("component", "sync_engine"),
		cfg:        cfg,
		strategies: make(map[string]*EntityStrategy),
		status:     make(map[string]*models.SyncStatus),
		running:    make(map[string]*inflight),
		listeners:  make(map[int]StatusListener),
		conflictLs: make(map[int]ConflictListener),
		now:        time.Now,
	}

	for _, s := range DefaultStrategies() {
		e.RegisterStrategy(s)
	}
	return e
}

// SetClock overrides the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// RegisterStrategy adds or replaces an entity registration.
func (e *Engine) RegisterStrategy(s EntityStrategy) {
	if s.PullPageSize <= 0 {
		s.PullPageSize = e.cfg.BatchSize
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.strategies[s.Entity] = &s
	if _, ok := e.status[s.Entity]; !ok {
		e.status[s.Entity] = &models.SyncStatus{Entity: s.Entity}
	}
}

// Strategies returns registered entity names in sync order.
func (e *Engine) Strategies() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.strategies))
	for name := range e.strategies {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := e.strategies[names[i]], e.strategies[names[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Entity < b.Entity
	})
	return names
}

// Start wires the background triggers: the interval ticker, the
// connectivity listener, and the realtime change feed. Returns after
// spawning; everything stops when ctx ends.
func (e *Engine) Start(ctx context.Context, changes <-chan models.ChangeNotice) {
	if e.cfg.Background && e.cfg.Interval > 0 {
		go e.intervalLoop(ctx)
	}

	if e.monitor != nil {
		unsub := e.monitor.AddConnectionListener(func(online bool) {
			if !online {
				return
			}
			go func() {
				if err := e.SyncAll(ctx); err != nil {
					e.logger.WithError(err).Warn("Reconnect sync failed")
				}
			}()
		})
		go func() {
			<-ctx.Done()
			unsub()
		}()
	}

	if changes != nil {
		go e.changeLoop(ctx, changes)
	}
}

func (e *Engine) intervalLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.SyncAll(ctx); err != nil {
				e.logger.WithError(err).Debug("Background sync failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// changeLoop pulls the affected entity when the server announces a
// change, instead of waiting out the interval.
func (e *Engine) changeLoop(ctx context.Context, changes <-chan models.ChangeNotice) {
	for {
		select {
		case notice, ok := <-changes:
			if !ok {
				return
			}
			if _, registered := e.strategy(notice.Entity); !registered {
				continue
			}
			if err := e.Sync(ctx, notice.Entity, models.DirectionPull); err != nil {
				e.logger.WithError(err).WithField("entity", notice.Entity).Debug("Realtime pull failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) strategy(entity string) (*EntityStrategy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strategies[entity]
	return s, ok
}

// SyncAll runs a full cycle over every registered entity in priority
// order. Per-entity failures are absorbed into that entity's status;
// the cycle continues. A concurrent call joins the running cycle and
// shares its outcome.
func (e *Engine) SyncAll(ctx context.Context) error {
	return e.runShared(allEntities, func() error {
		if e.monitor != nil && !e.monitor.IsOnline() {
			return models.ErrOffline
		}

		start := e.now()
		e.logger.Info("Sync cycle started")

		var failures int
		for _, entity := range e.Strategies() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := e.syncEntity(ctx, entity, models.DirectionBoth); err != nil {
				failures++
				e.logger.WithError(err).WithField("entity", entity).Warn("Entity sync failed")
			}
		}

		e.logger.WithFields(map[string]interface{}{
			"duration": time.Since(start).String(),
			"failures": failures,
		}).Info("Sync cycle finished")
		return nil
	})
}

// Sync synchronizes one entity in the given direction. Unlike SyncAll,
// the failure is returned to the caller after being recorded in the
// entity's status.
func (e *Engine) Sync(ctx context.Context, entity string, direction models.SyncDirection) error {
	if _, ok := e.strategy(entity); !ok {
		return fmt.Errorf("entity %q is not registered", entity)
	}

	return e.runShared(entity, func() error {
		if e.monitor != nil && !e.monitor.IsOnline() {
			return models.ErrOffline
		}
		return e.syncEntity(ctx, entity, direction)
	})
}

// ForceSyncNow runs a full cycle immediately, ahead of the interval.
func (e *Engine) ForceSyncNow(ctx context.Context) error {
	return e.SyncAll(ctx)
}

// runShared executes fn under the per-key in-flight guard. A second
// caller with the same key waits for the first run and receives its
// result.
func (e *Engine) runShared(key string, fn func() error) error {
	e.mu.Lock()
	if f, ok := e.running[key]; ok {
		e.mu.Unlock()
		<-f.done
		return f.err
	}
	f := &inflight{done: make(chan struct{})}
	e.running[key] = f
	e.mu.Unlock()

	f.err = fn()

	e.mu.Lock()
	delete(e.running, key)
	e.mu.Unlock()
	close(f.done)
	return f.err
}

// syncEntity runs push then pull for one entity, tracking progress on
// its status. Push covers 0-50, pull 50-100.
func (e *Engine) syncEntity(ctx context.Context, entity string, direction models.SyncDirection) error {
	s, ok := e.strategy(entity)
	if !ok {
		return fmt.Errorf("entity %q is not registered", entity)
	}

	// Tag the context so every log line and outgoing request of this
	// cycle correlates.
	ctx = events.WithLogger(ctx, e.logger)
	ctx = events.WithRequestID(ctx, uuid.NewString())
	ctx = events.WithEntity(ctx, entity)

	e.updateStatus(entity, func(st *models.SyncStatus) {
		st.Syncing = true
		st.Progress = 0
		st.Error = ""
		st.LastSyncAt = e.now().UnixMilli()
	})

	var syncErr error
	if direction != models.DirectionPull && s.ShouldPush {
		syncErr = e.pushEntity(ctx, s)
	}
	e.updateStatus(entity, func(st *models.SyncStatus) { st.Progress = 50 })

	if syncErr == nil && direction != models.DirectionPush && s.ShouldPull {
		syncErr = e.pullEntity(ctx, s)
	}

	e.updateStatus(entity, func(st *models.SyncStatus) {
		st.Syncing = false
		st.Progress = 100
		st.PendingChanges = len(e.store.ListDirty(entity))
		if syncErr != nil {
			st.Error = syncErr.Error()
		} else {
			st.LastSuccessfulSyncAt = e.now().UnixMilli()
		}
	})

	if syncErr != nil {
		return &models.SyncError{Phase: string(direction), Entity: entity, Err: syncErr}
	}
	return nil
}

// pushEntity drains dirty records to the API in batches. A failed
// record is handed to the queue for retry and does not block the rest
// of the batch.
func (e *Engine) pushEntity(ctx context.Context, s *EntityStrategy) error {
	dirty := e.store.ListDirty(s.Entity)
	if len(dirty) == 0 {
		return nil
	}

	logger := events.FromContext(ctx)
	logger.WithField("count", len(dirty)).Info("Pushing local changes")

	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	pushed := 0
	for i, rec := range dirty {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := e.pushRecord(ctx, s, rec); err != nil {
			e.enqueueRetry(ctx, s, rec, err)
		} else {
			pushed++
		}

		e.updateStatus(s.Entity, func(st *models.SyncStatus) {
			st.Progress = 50 * float64(i+1) / float64(len(dirty))
		})

		if (i+1)%batchSize == 0 {
			logger.WithFields(map[string]interface{}{
				"done":  i + 1,
				"total": len(dirty),
			}).Debug("Push batch complete")
		}
	}

	logger.WithFields(map[string]interface{}{
		"pushed": pushed,
		"queued": len(dirty) - pushed,
	}).Info("Push finished")
	return nil
}

func (e *Engine) pushRecord(ctx context.Context, s *EntityStrategy, rec *models.Record) error {
	if rec.Meta.Deleted {
		if err := e.api.DeleteEntity(ctx, s.Endpoint, rec.Meta.ID); err != nil {
			return err
		}
		e.store.Delete(s.Entity, rec.Meta.ID, true)
		return nil
	}

	if err := e.api.UpdateEntity(ctx, s.Endpoint, rec.Meta.ID, rec.Data); err != nil {
		return err
	}
	return e.store.MarkSynced(s.Entity, rec.Meta.ID, e.now().UnixMilli())
}

// enqueueRetry hands a failed push to the durable queue.
func (e *Engine) enqueueRetry(ctx context.Context, s *EntityStrategy, rec *models.Record, cause error) {
	opType := models.OpUpdate
	if rec.Meta.Deleted {
		opType = models.OpDelete
	}

	events.FromContext(ctx).WithError(cause).WithField("id", rec.Meta.ID).
		Warn("Push failed, queueing for retry")

	e.queue.Enqueue(ctx, models.Operation{
		Type:     opType,
		Entity:   s.Entity,
		Priority: s.Priority,
		Data:     rec.Data,
	})
}

// pullEntity fetches server changes past the persisted watermark and
// merges them page by page. The watermark only advances to the cycle's
// start time once every page landed; an aborted pull leaves it in
// place so the next cycle re-fetches.
func (e *Engine) pullEntity(ctx context.Context, s *EntityStrategy) error {
	logger := events.FromContext(ctx)
	if e.monitor != nil && !e.monitor.IsGoodEnoughFor(netmon.OpDownload) {
		logger.Info("Connection below pull threshold, skipping")
		return nil
	}

	watermark, _ := e.store.GetSimpleInt64(s.LastSyncKey)
	cycleStart := e.now().UnixMilli()

	logger.WithField("watermark", watermark).Info("Pulling server changes")

	merged := 0
	offset := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.monitor != nil && !e.monitor.IsGoodEnoughFor(netmon.OpDownload) {
			return fmt.Errorf("connection degraded during pull of %s", s.Entity)
		}

		page, err := e.api.PullUpdates(ctx, s.pullEndpoint(), watermark, s.PullPageSize, offset)
		if err != nil {
			return fmt.Errorf("pull %s page at offset %d: %w", s.Entity, offset, err)
		}

		for _, item := range page.Data {
			if s.Transform != nil {
				item = s.Transform(item)
			}
			if err := e.mergeItem(ctx, s, item); err != nil {
				logger.WithError(err).Warn("Merge failed")
				continue
			}
			merged++
		}

		offset += len(page.Data)
		e.updateStatus(s.Entity, func(st *models.SyncStatus) {
			// Unknown total, so creep toward 100 without reaching it.
			if st.Progress < 95 {
				st.Progress = 50 + (st.Progress-50)*0.5 + 5
			}
		})

		if !page.HasMore || len(page.Data) == 0 {
			break
		}
	}

	if err := e.store.SetSimple(s.LastSyncKey, cycleStart); err != nil {
		return fmt.Errorf("advance watermark for %s: %w", s.Entity, err)
	}

	logger.WithField("merged", merged).Info("Pull finished")
	return nil
}

// mergeItem applies one pulled server item to the local store.
func (e *Engine) mergeItem(ctx context.Context, s *EntityStrategy, item map[string]interface{}) error {
	serverJSON, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal server item: %w", err)
	}

	id, err := models.EntityID(serverJSON)
	if err != nil {
		return err
	}

	if deleted, _ := item["deleted"].(bool); deleted {
		e.store.Delete(s.Entity, id, true)
		return nil
	}

	local := e.store.Find(s.Entity, id)

	// No local copy, or local copy already confirmed: server wins
	// without ceremony.
	if local == nil || !local.Dirty() {
		return e.applyServer(s.Entity, id, serverJSON)
	}

	result := e.resolver.DetectAndResolve(s.Entity, id, local.Data, serverJSON, s.Conflict)
	if result.RequiresManual {
		events.FromContext(ctx).WithField("id", id).Info("Conflict held for manual resolution")
		e.emitConflict(result.Conflict)
		return nil
	}
	if !result.Resolved {
		return fmt.Errorf("conflict on %s/%s not resolved", s.Entity, id)
	}

	return e.applyServer(s.Entity, id, result.Data)
}

// applyServer writes a server-derived value and immediately stamps it
// synced so the next push does not echo it back.
func (e *Engine) applyServer(entity, id string, data json.RawMessage) error {
	if err := e.store.Save(entity, data); err != nil {
		return err
	}
	return e.store.MarkSynced(entity, id, e.now().UnixMilli())
}

// ==================== status ====================

// Status returns one entity's status snapshot.
func (e *Engine) Status(entity string) (models.SyncStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.status[entity]
	if !ok {
		return models.SyncStatus{}, false
	}
	return *st, true
}

// OverallStatus aggregates every entity's status.
func (e *Engine) OverallStatus() models.SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	var overall models.SyncStatus
	var progress float64
	for _, st := range e.status {
		if st.Syncing {
			overall.Syncing = true
		}
		if st.LastSyncAt > overall.LastSyncAt {
			overall.LastSyncAt = st.LastSyncAt
		}
		if st.LastSuccessfulSyncAt > overall.LastSuccessfulSyncAt {
			overall.LastSuccessfulSyncAt = st.LastSuccessfulSyncAt
		}
		overall.PendingChanges += st.PendingChanges
		if st.Error != "" {
			overall.Error = st.Error
		}
		progress += st.Progress
	}
	if len(e.status) > 0 {
		overall.Progress = progress / float64(len(e.status))
	}

	if e.queue != nil {
		overall.FailedOperations = e.queue.Stats().Failed
	}
	return overall
}

// PendingChanges counts locally dirty records across all entities.
func (e *Engine) PendingChanges() int {
	total := 0
	for _, entity := range e.Strategies() {
		total += len(e.store.ListDirty(entity))
	}
	return total
}

// AddConflictListener registers for merges that need manual resolution;
// returns unsubscribe. The pull loop keeps going after notifying.
func (e *Engine) AddConflictListener(l ConflictListener) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.conflictLs[id] = l
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.conflictLs, id)
		e.mu.Unlock()
	}
}

func (e *Engine) emitConflict(c *models.Conflict) {
	if c == nil {
		return
	}

	e.mu.Lock()
	ls := make([]ConflictListener, 0, len(e.conflictLs))
	for _, l := range e.conflictLs {
		ls = append(ls, l)
	}
	e.mu.Unlock()

	for _, l := range ls {
		l(c)
	}
}

// AddStatusListener registers a status listener; returns unsubscribe.
func (e *Engine) AddStatusListener(l StatusListener) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *Engine) updateStatus(entity string, fn func(*models.SyncStatus)) {
	e.mu.Lock()
	st, ok := e.status[entity]
	if !ok {
		st = &models.SyncStatus{Entity: entity}
		e.status[entity] = st
	}
	fn(st)
	snapshot := *st
	ls := make([]StatusListener, 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	e.mu.Unlock()

	for _, l := range ls {
		l(entity, snapshot)
	}
}
