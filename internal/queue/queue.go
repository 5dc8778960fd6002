package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unioneyes/claimsync/internal/events"
	"github.com/unioneyes/claimsync/internal/models"
	"github.com/unioneyes/claimsync/internal/store"
)

// Executor performs the remote side of one queued operation.
type Executor interface {
	Execute(ctx context.Context, op *models.Operation) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, op *models.Operation) error

func (f ExecutorFunc) Execute(ctx context.Context, op *models.Operation) error {
	return f(ctx, op)
}

// ConnectivityChecker is the slice of the network monitor the queue
// needs.
type ConnectivityChecker interface {
	IsOnline() bool
}

// EventType labels queue listener notifications.
type EventType string

const (
	EventAdded     EventType = "added"
	EventCompleted EventType = "completed"
	EventRetrying  EventType = "retrying"
	EventFailed    EventType = "failed"
)

// Listener observes queue lifecycle events.
type Listener func(event EventType, op *models.Operation)

// Config controls retry behavior.
type Config struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// Queue is the durable priority FIFO of pending remote mutations. The
// whole queue persists as one serialized list in the store's scalar
// namespace, reloaded on construction.
type Queue struct {
	store    *store.Store
	executor Executor
	network  ConnectivityChecker
	cfg      Config
	logger   *events.Logger

	mu         sync.Mutex
	ops        []*models.Operation
	processing map[string]bool
	run        *inflight
	nextLID    int
	listeners  map[int]Listener

	sched *retryScheduler
	rng   *rand.Rand
	now   func() time.Time

	// baseCtx drives scheduler- and connectivity-triggered processing
	// passes.
	baseCtx context.Context
}

// inflight shares the result of an in-progress processing pass with
// callers that arrived while it ran.
type inflight struct {
	done chan struct{}
	err  error
}

// New creates a queue, loading any persisted operations.
func New(st *store.Store, executor Executor, network ConnectivityChecker, cfg Config, logger *events.Logger) *Queue {
	q := &Queue{
		store:      st,
		executor:   executor,
		network:    network,
		cfg:        cfg,
		logger:     logger.WithField("component", "operation_queue"),
		processing: make(map[string]bool),
		listeners:  make(map[int]Listener),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
		baseCtx:    context.Background(),
	}
	q.sched = newRetryScheduler(func() {
		_ = q.Process(q.baseCtx)
	})

	q.load()
	q.rearmLocked()
	return q
}

// SetClock overrides the queue's clock. Test hook.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Start wires the queue to its context and connectivity transitions: a
// restored connection immediately re-triggers processing.
func (q *Queue) Start(ctx context.Context, onConnect func(func(bool)) func()) func() {
	q.mu.Lock()
	q.baseCtx = ctx
	q.mu.Unlock()

	unsubscribe := onConnect(func(connected bool) {
		if connected {
			go func() { _ = q.Process(ctx) }()
		}
	})

	return func() {
		unsubscribe()
		q.sched.Stop()
	}
}

// load restores the persisted operation list.
func (q *Queue) load() {
	raw := q.store.GetSimpleString(store.QueueKey)
	if raw == "" {
		return
	}

	var ops []*models.Operation
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		q.logger.WithError(err).Warn("Failed to load persisted queue")
		return
	}

	q.ops = ops
	q.logger.WithField("count", len(ops)).Info("Loaded persisted queue")
}

// persistLocked writes the full queue. Callers hold q.mu.
func (q *Queue) persistLocked() {
	data, err := json.Marshal(q.ops)
	if err != nil {
		q.logger.WithError(err).Error("Failed to serialize queue")
		return
	}
	if err := q.store.SetSimple(store.QueueKey, string(data)); err != nil {
		q.logger.WithError(err).Error("Failed to persist queue")
	}
}

// rearmLocked schedules the next due retry from persisted watermarks.
func (q *Queue) rearmLocked() {
	var earliest int64
	for _, op := range q.ops {
		if op.Exhausted() || op.NextAttemptAt == 0 {
			continue
		}
		if earliest == 0 || op.NextAttemptAt < earliest {
			earliest = op.NextAttemptAt
		}
	}
	if earliest > 0 {
		q.sched.ArmAt(time.UnixMilli(earliest))
	}
}

// Enqueue assigns an id, persists the operation and triggers processing
// when online. Returns the assigned id.
func (q *Queue) Enqueue(ctx context.Context, op models.Operation) string {
	if op.MaxRetries == 0 {
		op.MaxRetries = q.cfg.MaxRetries
	}
	if op.Method == "" {
		op.Method = "POST"
	}

	q.mu.Lock()
	op.ID = fmt.Sprintf("op_%s_%s_%d_%s", op.Entity, op.Type, q.now().UnixMilli(), uuid.NewString()[:8])
	op.Timestamp = q.now().UnixMilli()

	stored := op
	q.ops = append(q.ops, &stored)
	q.persistLocked()
	q.mu.Unlock()

	q.logger.WithFields(map[string]interface{}{
		"id":       stored.ID,
		"entity":   stored.Entity,
		"type":     string(stored.Type),
		"priority": stored.Priority.String(),
	}).Debug("Operation enqueued")

	q.emit(EventAdded, &stored)

	if q.network.IsOnline() {
		go func() { _ = q.Process(ctx) }()
	}

	return stored.ID
}

// Dequeue removes an operation, reporting whether it existed. Used on
// success or manual cancel.
func (q *Queue) Dequeue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(id)
}

func (q *Queue) removeLocked(id string) bool {
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			q.persistLocked()
			return true
		}
	}
	return false
}

// Get returns a copy of one operation.
func (q *Queue) Get(id string) (*models.Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, op := range q.ops {
		if op.ID == id {
			cp := *op
			return &cp, true
		}
	}
	return nil, false
}

// List returns copies of operations matching the filter, AND-combined.
func (q *Queue) List(filter models.OperationFilter) []*models.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*models.Operation
	for _, op := range q.ops {
		if filter.Matches(op) {
			cp := *op
			out = append(out, &cp)
		}
	}
	return out
}

// Stats summarizes queue contents. Failed means retries exhausted.
func (q *Queue) Stats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := models.QueueStats{
		ByPriority: make(map[string]int),
		ByEntity:   make(map[string]int),
	}

	for _, op := range q.ops {
		stats.Total++
		stats.ByPriority[op.Priority.String()]++
		stats.ByEntity[op.Entity]++

		switch {
		case q.processing[op.ID]:
			stats.Processing++
		case op.Exhausted():
			stats.Failed++
		default:
			stats.Pending++
		}
	}

	return stats
}

// AddListener registers a queue event listener; returns unsubscribe.
func (q *Queue) AddListener(l Listener) func() {
	q.mu.Lock()
	id := q.nextLID
	q.nextLID++
	q.listeners[id] = l
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

func (q *Queue) emit(event EventType, op *models.Operation) {
	q.mu.Lock()
	ls := make([]Listener, 0, len(q.listeners))
	for _, l := range q.listeners {
		ls = append(ls, l)
	}
	q.mu.Unlock()

	cp := *op
	for _, l := range ls {
		l(event, &cp)
	}
}

// Process drains due operations in priority-then-FIFO order. Re-entrant
// safe: a call arriving while a pass runs awaits that pass's result
// instead of starting a duplicate.
func (q *Queue) Process(ctx context.Context) error {
	q.mu.Lock()
	if q.run != nil {
		r := q.run
		q.mu.Unlock()
		<-r.done
		return r.err
	}
	r := &inflight{done: make(chan struct{})}
	q.run = r
	q.mu.Unlock()

	err := q.process(ctx)

	q.mu.Lock()
	r.err = err
	q.run = nil
	q.mu.Unlock()
	close(r.done)

	return err
}

func (q *Queue) process(ctx context.Context) error {
	if !q.network.IsOnline() {
		q.logger.Debug("Skipping queue processing while offline")
		return nil
	}

	batch := q.dueBatch()
	if len(batch) == 0 {
		return nil
	}

	q.logger.WithField("count", len(batch)).Info("Processing queue")

	var firstErr error
	for _, id := range batch {
		select {
		case <-ctx.Done():
			q.clearProcessing(batch)
			return ctx.Err()
		default:
		}

		if err := q.attempt(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// dueBatch snapshots the ids to attempt this pass, sorted by priority
// ascending then enqueue timestamp ascending, and marks them
// processing so overlapping triggers never attempt the same operation
// twice.
func (q *Queue) dueBatch() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UnixMilli()

	view := make([]*models.Operation, 0, len(q.ops))
	for _, op := range q.ops {
		if q.processing[op.ID] || op.Exhausted() || op.NextAttemptAt > now {
			continue
		}
		view = append(view, op)
	}

	sort.SliceStable(view, func(i, j int) bool {
		if view[i].Priority != view[j].Priority {
			return view[i].Priority < view[j].Priority
		}
		return view[i].Timestamp < view[j].Timestamp
	})

	ids := make([]string, len(view))
	for i, op := range view {
		ids[i] = op.ID
		q.processing[op.ID] = true
	}
	return ids
}

func (q *Queue) clearProcessing(ids []string) {
	q.mu.Lock()
	for _, id := range ids {
		delete(q.processing, id)
	}
	q.mu.Unlock()
}

// attempt executes one operation and applies success/retry/failure
// bookkeeping.
func (q *Queue) attempt(ctx context.Context, id string) error {
	q.mu.Lock()
	var op *models.Operation
	for _, o := range q.ops {
		if o.ID == id {
			op = o
			break
		}
	}
	q.mu.Unlock()

	if op == nil {
		// Dequeued out from under us; nothing to do.
		q.clearProcessing([]string{id})
		return nil
	}

	execErr := q.executor.Execute(ctx, op)

	q.mu.Lock()
	delete(q.processing, id)

	if execErr == nil {
		q.removeLocked(id)
		q.mu.Unlock()

		q.logger.WithField("id", id).Debug("Operation completed")
		q.emit(EventCompleted, op)
		return nil
	}

	op.RetryCount++
	op.LastError = execErr.Error()

	if op.Exhausted() {
		op.NextAttemptAt = 0
		q.persistLocked()
		q.mu.Unlock()

		q.logger.WithError(execErr).WithFields(map[string]interface{}{
			"id":      id,
			"retries": op.RetryCount,
		}).Warn("Operation failed permanently")
		q.emit(EventFailed, op)
		return execErr
	}

	delay := q.backoffLocked(op.RetryCount)
	op.NextAttemptAt = q.now().Add(delay).UnixMilli()
	q.persistLocked()
	at := time.UnixMilli(op.NextAttemptAt)
	q.mu.Unlock()

	q.logger.WithFields(map[string]interface{}{
		"id":    id,
		"retry": op.RetryCount,
		"delay": delay.String(),
	}).Debug("Operation scheduled for retry")
	q.emit(EventRetrying, op)

	q.sched.ArmAt(at)
	return execErr
}

// backoffLocked computes the exponential backoff delay for the given
// retry count, capped and jittered ±20%. Callers hold q.mu.
func (q *Queue) backoffLocked(retryCount int) time.Duration {
	base := float64(q.cfg.InitialBackoff) * math.Pow(q.cfg.BackoffMultiplier, float64(retryCount))
	if max := float64(q.cfg.MaxBackoff); base > max {
		base = max
	}

	jitter := 1 + (q.rng.Float64()*0.4 - 0.2)
	return time.Duration(base * jitter)
}

// BackoffDelay exposes the schedule for inspection and tests.
func (q *Queue) BackoffDelay(retryCount int) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backoffLocked(retryCount)
}

// ClearFailed removes only exhausted operations, returning how many.
func (q *Queue) ClearFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.ops[:0]
	removed := 0
	for _, op := range q.ops {
		if op.Exhausted() {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept

	if removed > 0 {
		q.persistLocked()
	}
	return removed
}

// RetryFailed resets the retry budget on all exhausted operations and
// re-triggers processing.
func (q *Queue) RetryFailed(ctx context.Context) int {
	q.mu.Lock()
	reset := 0
	for _, op := range q.ops {
		if op.Exhausted() {
			op.RetryCount = 0
			op.LastError = ""
			op.NextAttemptAt = 0
			reset++
		}
	}
	if reset > 0 {
		q.persistLocked()
	}
	q.mu.Unlock()

	if reset > 0 {
		go func() { _ = q.Process(ctx) }()
	}
	return reset
}
