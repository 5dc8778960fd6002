package queue_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unioneyes/claimsync/internal/events"
	"github.com/unioneyes/claimsync/internal/models"
	"github.com/unioneyes/claimsync/internal/netmon"
	"github.com/unioneyes/claimsync/internal/queue"
	"github.com/unioneyes/claimsync/internal/store"
)

type netStub struct {
	online atomic.Bool
}

func (n *netStub) IsOnline() bool { return n.online.Load() }

type execStub struct {
	mu    sync.Mutex
	calls []string
	fail  func(op *models.Operation) error
	block chan struct{}
}

func (e *execStub) Execute(ctx context.Context, op *models.Operation) error {
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	e.calls = append(e.calls, op.ID)
	e.mu.Unlock()
	if e.fail != nil {
		return e.fail(op)
	}
	return nil
}

func (e *execStub) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func newTestQueue(t *testing.T, exec queue.Executor, net *netStub) (*queue.Queue, *store.Store) {
	t.Helper()

	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := queue.Config{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2,
	}
	return queue.New(st, exec, net, cfg, logger), st
}

func op(entity string, typ models.OperationType, prio models.Priority) models.Operation {
	return models.Operation{
		Type:     typ,
		Entity:   entity,
		Priority: prio,
		Data:     json.RawMessage(`{"id":"x1"}`),
	}
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	net := &netStub{}
	q, _ := newTestQueue(t, &execStub{}, net)

	var added *models.Operation
	q.AddListener(func(event queue.EventType, o *models.Operation) {
		if event == queue.EventAdded {
			added = o
		}
	})

	id := q.Enqueue(context.Background(), op("claims", models.OpUpdate, models.PriorityHigh))

	assert.True(t, strings.HasPrefix(id, "op_claims_update_"))

	got, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, 0, got.RetryCount)
	assert.NotZero(t, got.Timestamp)

	require.NotNil(t, added)
	assert.Equal(t, id, added.ID)
}

func TestPriorityThenFIFO(t *testing.T) {
	net := &netStub{}
	exec := &execStub{}
	q, _ := newTestQueue(t, exec, net)

	base := time.Now()
	tick := 0
	q.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	})

	ctx := context.Background()
	low := q.Enqueue(ctx, op("members", models.OpUpdate, models.PriorityLow))
	med1 := q.Enqueue(ctx, op("documents", models.OpUpdate, models.PriorityMedium))
	high := q.Enqueue(ctx, op("claims", models.OpUpdate, models.PriorityHigh))
	med2 := q.Enqueue(ctx, op("documents", models.OpCreate, models.PriorityMedium))

	net.online.Store(true)
	require.NoError(t, q.Process(ctx))

	// High first, then both mediums in enqueue order, low last.
	require.Equal(t, []string{high, med1, med2, low}, exec.calls)
	assert.Equal(t, 0, q.Stats().Total)
}

func TestProcessOfflineIsNoop(t *testing.T) {
	net := &netStub{}
	exec := &execStub{}
	q, _ := newTestQueue(t, exec, net)

	q.Enqueue(context.Background(), op("claims", models.OpUpdate, models.PriorityHigh))

	require.NoError(t, q.Process(context.Background()))
	assert.Equal(t, 0, exec.callCount())
	assert.Equal(t, 1, q.Stats().Pending)
}

func TestBackoffGrowthAndCap(t *testing.T) {
	q, _ := newTestQueue(t, &execStub{}, &netStub{})

	for retry, want := range map[int]time.Duration{
		0: time.Second,
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
	} {
		got := q.BackoffDelay(retry)
		assert.InDelta(t, float64(want), float64(got), float64(want)*0.2,
			"retry %d should be near %s", retry, want)
	}

	// Far past the cap, jitter still applies on top of the cap.
	capped := q.BackoffDelay(30)
	assert.LessOrEqual(t, capped, time.Duration(float64(5*time.Minute)*1.2))
	assert.GreaterOrEqual(t, capped, time.Duration(float64(5*time.Minute)*0.8))
}

func TestRetryScheduleAndExhaustion(t *testing.T) {
	net := &netStub{}
	net.online.Store(true)

	boom := errors.New("server unavailable")
	exec := &execStub{fail: func(*models.Operation) error { return boom }}
	q, _ := newTestQueue(t, exec, net)

	now := time.Now()
	q.SetClock(func() time.Time { return now })

	var mu sync.Mutex
	var seen []queue.EventType
	q.AddListener(func(event queue.EventType, _ *models.Operation) {
		mu.Lock()
		seen = append(seen, event)
		mu.Unlock()
	})

	ctx := context.Background()
	id := q.Enqueue(ctx, op("claims", models.OpUpdate, models.PriorityHigh))

	// First pass: one failed attempt, rescheduled with a backoff stamp.
	require.ErrorIs(t, q.Process(ctx), boom)

	got, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, boom.Error(), got.LastError)
	assert.Greater(t, got.NextAttemptAt, now.UnixMilli())

	// Not due yet: nothing is attempted.
	calls := exec.callCount()
	require.NoError(t, q.Process(ctx))
	assert.Equal(t, calls, exec.callCount())

	// Walk the clock past each watermark until the budget is spent.
	for i := 0; i < 2; i++ {
		got, _ = q.Get(id)
		now = time.UnixMilli(got.NextAttemptAt).Add(time.Second)
		_ = q.Process(ctx)
	}

	got, ok = q.Get(id)
	require.True(t, ok, "exhausted operations stay queryable")
	assert.True(t, got.Exhausted())
	assert.Zero(t, got.NextAttemptAt)

	stats := q.Stats()
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Pending)

	// Exhausted operations are not retried again.
	calls = exec.callCount()
	require.NoError(t, q.Process(ctx))
	assert.Equal(t, calls, exec.callCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, queue.EventRetrying)
	assert.Contains(t, seen, queue.EventFailed)
}

func TestClearFailedKeepsPending(t *testing.T) {
	net := &netStub{}
	net.online.Store(true)
	exec := &execStub{fail: func(*models.Operation) error { return errors.New("nope") }}
	q, _ := newTestQueue(t, exec, net)

	now := time.Now()
	q.SetClock(func() time.Time { return now })

	ctx := context.Background()
	doomed := q.Enqueue(ctx, op("claims", models.OpUpdate, models.PriorityHigh))

	for i := 0; i < 3; i++ {
		_ = q.Process(ctx)
		if got, ok := q.Get(doomed); ok && got.NextAttemptAt > 0 {
			now = time.UnixMilli(got.NextAttemptAt).Add(time.Second)
		}
	}

	net.online.Store(false)
	pending := q.Enqueue(ctx, op("documents", models.OpCreate, models.PriorityMedium))

	assert.Equal(t, 1, q.ClearFailed())

	_, ok := q.Get(doomed)
	assert.False(t, ok)
	_, ok = q.Get(pending)
	assert.True(t, ok)
}

func TestRetryFailedResetsBudget(t *testing.T) {
	net := &netStub{}
	net.online.Store(true)

	var failing atomic.Bool
	failing.Store(true)
	exec := &execStub{fail: func(*models.Operation) error {
		if failing.Load() {
			return errors.New("down")
		}
		return nil
	}}
	q, _ := newTestQueue(t, exec, net)

	now := time.Now()
	q.SetClock(func() time.Time { return now })

	ctx := context.Background()
	id := q.Enqueue(ctx, op("claims", models.OpUpdate, models.PriorityHigh))

	for i := 0; i < 3; i++ {
		_ = q.Process(ctx)
		if got, ok := q.Get(id); ok && got.NextAttemptAt > 0 {
			now = time.UnixMilli(got.NextAttemptAt).Add(time.Second)
		}
	}
	got, _ := q.Get(id)
	require.True(t, got.Exhausted())

	// The server recovers; a reset drains the operation.
	failing.Store(false)
	assert.Equal(t, 1, q.RetryFailed(ctx))

	require.Eventually(t, func() bool {
		_, ok := q.Get(id)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestQueueSurvivesRestart(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	st, err := store.Open(filepath.Join(t.TempDir(), "restart.db"), logger)
	require.NoError(t, err)
	defer st.Close()

	cfg := queue.Config{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2,
	}

	net := &netStub{}
	q1 := queue.New(st, &execStub{}, net, cfg, logger)
	id := q1.Enqueue(context.Background(), op("claims", models.OpUpdate, models.PriorityHigh))

	// A second queue over the same store sees the persisted operation.
	q2 := queue.New(st, &execStub{}, net, cfg, logger)
	got, ok := q2.Get(id)
	require.True(t, ok)
	assert.Equal(t, "claims", got.Entity)
	assert.Equal(t, models.OpUpdate, got.Type)
}

func TestOfflineEnqueueDrainsOnReconnect(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	st, err := store.Open(filepath.Join(t.TempDir(), "reconnect.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	monitor := netmon.New(nil, time.Minute, logger)
	monitor.SetLink(netmon.Link{Type: netmon.TypeNone})

	exec := &execStub{}
	cfg := queue.Config{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2,
	}
	q := queue.New(st, exec, monitor, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := q.Start(ctx, monitor.AddConnectionListener)
	defer stop()

	var mu sync.Mutex
	completed := make(map[string]bool)
	q.AddListener(func(event queue.EventType, o *models.Operation) {
		if event == queue.EventCompleted {
			mu.Lock()
			completed[o.ID] = true
			mu.Unlock()
		}
	})

	id := q.Enqueue(ctx, op("claims", models.OpUpdate, models.PriorityHigh))
	assert.Equal(t, 0, exec.callCount())
	assert.Equal(t, 1, q.Stats().Pending)

	// Connectivity returns; the restored-connection trigger must drain
	// the operation without an explicit Process call.
	monitor.SetLink(netmon.Link{
		Type:              netmon.TypeWiFi,
		Connected:         true,
		InternetReachable: true,
	})

	require.Eventually(t, func() bool {
		_, ok := q.Get(id)
		return !ok
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, completed[id])
}

func TestConcurrentProcessShared(t *testing.T) {
	net := &netStub{}
	net.online.Store(true)

	exec := &execStub{block: make(chan struct{})}
	q, _ := newTestQueue(t, exec, net)

	q.Enqueue(context.Background(), op("claims", models.OpUpdate, models.PriorityHigh))

	// Enqueue already kicked one pass off; it is parked on the block
	// channel. Two more Process calls must join it, not re-attempt.
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- q.Process(context.Background()) }()
	}

	time.Sleep(50 * time.Millisecond)
	close(exec.block)

	for i := 0; i < 2; i++ {
		assert.NoError(t, <-results)
	}

	require.Eventually(t, func() bool {
		return q.Stats().Total == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, exec.callCount())
}

func TestDequeueRemoves(t *testing.T) {
	q, _ := newTestQueue(t, &execStub{}, &netStub{})

	id := q.Enqueue(context.Background(), op("claims", models.OpDelete, models.PriorityHigh))
	assert.True(t, q.Dequeue(id))
	assert.False(t, q.Dequeue(id))

	_, ok := q.Get(id)
	assert.False(t, ok)
}

func TestListFilters(t *testing.T) {
	q, _ := newTestQueue(t, &execStub{}, &netStub{})
	ctx := context.Background()

	q.Enqueue(ctx, op("claims", models.OpUpdate, models.PriorityHigh))
	q.Enqueue(ctx, op("claims", models.OpDelete, models.PriorityHigh))
	q.Enqueue(ctx, op("documents", models.OpUpload, models.PriorityMedium))

	assert.Len(t, q.List(models.OperationFilter{}), 3)
	assert.Len(t, q.List(models.OperationFilter{Entity: "claims"}), 2)
	assert.Len(t, q.List(models.OperationFilter{Type: models.OpUpload}), 1)

	high := models.PriorityHigh
	assert.Len(t, q.List(models.OperationFilter{Priority: &high}), 2)
}
