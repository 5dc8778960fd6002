package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/unioneyes/claimsync/internal/events"
)

// Quality buckets connection capability. The order matters: thresholds
// compare numerically.
type Quality int

const (
	QualityOffline Quality = iota
	QualityPoor
	QualityGood
	QualityExcellent
)

func (q Quality) String() string {
	switch q {
	case QualityOffline:
		return "offline"
	case QualityPoor:
		return "poor"
	case QualityGood:
		return "good"
	case QualityExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// ConnectionType is the transport the device is on.
type ConnectionType string

const (
	TypeWiFi     ConnectionType = "wifi"
	TypeCellular ConnectionType = "cellular"
	TypeEthernet ConnectionType = "ethernet"
	TypeVPN      ConnectionType = "vpn"
	TypeOther    ConnectionType = "other"
	TypeNone     ConnectionType = "none"
	TypeUnknown  ConnectionType = "unknown"
)

// Link is the raw connectivity information fed into the monitor, either
// by a platform source or by the active probe.
type Link struct {
	Connected         bool
	InternetReachable bool
	Type              ConnectionType
	EffectiveType     string // cellular generation: 2g, 3g, 4g, 5g
}

// Status is the monitor's current view.
type Status struct {
	Connected         bool           `json:"isConnected"`
	InternetReachable bool           `json:"isInternetReachable"`
	Type              ConnectionType `json:"type"`
	Quality           Quality        `json:"quality"`
	EffectiveType     string         `json:"effectiveType,omitempty"`
	LatencyMillis     int64          `json:"latency,omitempty"`
	Timestamp         int64          `json:"timestamp"`
}

// Online applies the captive-portal rule: connected but unreachable is
// not online.
func (s Status) Online() bool {
	return s.Connected && s.InternetReachable
}

// Operation categorizes work for quality gating.
type Operation string

const (
	OpSync      Operation = "sync"
	OpUpload    Operation = "upload"
	OpDownload  Operation = "download"
	OpStreaming Operation = "streaming"
)

// SyncGate are the options for ShouldSyncNow.
type SyncGate struct {
	WifiOnly   bool
	MinQuality Quality
}

// Prober measures reachability and latency of a well-known endpoint.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

const historySize = 10

// Monitor maintains a continuously updated view of connectivity and
// notifies listeners. Link info arrives via SetLink; an optional probe
// loop refines quality from measured latency.
type Monitor struct {
	prober        Prober
	probeInterval time.Duration
	logger        *events.Logger

	mu            sync.Mutex
	status        Status
	initialized   bool
	history       []bool
	nextID        int
	changeLs      map[int]func(Status)
	connLs        map[int]func(bool)

	now func() time.Time
}

// New creates a monitor. prober may be nil; then quality comes only
// from SetLink classification.
func New(prober Prober, probeInterval time.Duration, logger *events.Logger) *Monitor {
	return &Monitor{
		prober:        prober,
		probeInterval: probeInterval,
		logger:        logger.WithField("component", "network_monitor"),
		changeLs:      make(map[int]func(Status)),
		connLs:        make(map[int]func(bool)),
		now:           time.Now,
	}
}

// Start runs the periodic probe loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil {
		return
	}

	m.probeOnce(ctx)

	ticker := time.NewTicker(m.probeInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probeOnce(ctx)
			}
		}
	}()
}

// SetLink feeds new link information, reclassifies quality and notifies
// listeners.
func (m *Monitor) SetLink(link Link) {
	m.mu.Lock()

	next := Status{
		Connected:         link.Connected,
		InternetReachable: link.InternetReachable,
		Type:              link.Type,
		EffectiveType:     link.EffectiveType,
		Quality:           classifyLink(link),
		LatencyMillis:     m.status.LatencyMillis,
		Timestamp:         m.now().UnixMilli(),
	}

	wasOnline := m.initialized && m.status.Online()
	m.status = next
	m.initialized = true
	m.pushHistory(next.Online())

	change, conn, flipped := m.snapshotListeners(wasOnline, next.Online())
	m.mu.Unlock()

	m.logger.WithFields(map[string]interface{}{
		"type":    string(next.Type),
		"quality": next.Quality.String(),
		"online":  next.Online(),
	}).Debug("Link changed")

	m.notify(change, conn, next, flipped)
}

// probeOnce refines quality via measured latency and updates internet
// reachability.
func (m *Monitor) probeOnce(ctx context.Context) {
	latency, err := m.prober.Probe(ctx)

	m.mu.Lock()
	wasOnline := m.initialized && m.status.Online()

	if err != nil {
		// Probe failure means the internet is not actually reachable,
		// whatever the link layer claims.
		m.status.InternetReachable = false
		if m.status.Connected {
			m.status.Quality = QualityPoor
		} else {
			m.status.Quality = QualityOffline
		}
		if !m.initialized {
			m.status.Type = TypeUnknown
			m.status.Quality = QualityOffline
		}
	} else {
		// A successful probe proves connectivity even without link info.
		m.status.Connected = true
		m.status.InternetReachable = true
		if m.status.Type == "" {
			m.status.Type = TypeUnknown
		}
		m.status.LatencyMillis = latency.Milliseconds()
		m.status.Quality = qualityFromLatency(latency)
	}

	m.status.Timestamp = m.now().UnixMilli()
	m.initialized = true
	m.pushHistory(m.status.Online())

	next := m.status
	change, conn, flipped := m.snapshotListeners(wasOnline, next.Online())
	m.mu.Unlock()

	if err != nil {
		m.logger.WithError(err).Debug("Probe failed")
	} else {
		m.logger.WithField("latency_ms", latency.Milliseconds()).Debug("Probe completed")
	}

	m.notify(change, conn, next, flipped)
}

func (m *Monitor) snapshotListeners(wasOnline, isOnline bool) ([]func(Status), []func(bool), bool) {
	change := make([]func(Status), 0, len(m.changeLs))
	for _, l := range m.changeLs {
		change = append(change, l)
	}

	flipped := wasOnline != isOnline
	var conn []func(bool)
	if flipped {
		conn = make([]func(bool), 0, len(m.connLs))
		for _, l := range m.connLs {
			conn = append(conn, l)
		}
	}
	return change, conn, flipped
}

func (m *Monitor) notify(change []func(Status), conn []func(bool), status Status, flipped bool) {
	for _, l := range change {
		l(status)
	}
	if flipped {
		for _, l := range conn {
			l(status.Online())
		}
	}
}

// Status returns the current view, probing first if the monitor has
// never been initialized.
func (m *Monitor) Status(ctx context.Context) Status {
	m.mu.Lock()
	initialized := m.initialized
	m.mu.Unlock()

	if !initialized && m.prober != nil {
		m.probeOnce(ctx)
	}
	return m.CurrentStatus()
}

// CurrentStatus returns the last observed status without probing. May
// be stale.
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsOnline requires both a connection and reachable internet.
func (m *Monitor) IsOnline() bool {
	return m.CurrentStatus().Online()
}

// IsOffline is the negation of IsOnline.
func (m *Monitor) IsOffline() bool {
	return !m.IsOnline()
}

// IsOnWiFi reports an online WiFi link.
func (m *Monitor) IsOnWiFi() bool {
	s := m.CurrentStatus()
	return s.Type == TypeWiFi && s.Online()
}

// IsOnCellular reports an online cellular link.
func (m *Monitor) IsOnCellular() bool {
	s := m.CurrentStatus()
	return s.Type == TypeCellular && s.Online()
}

// IsGoodEnoughFor maps operations to minimum quality thresholds.
func (m *Monitor) IsGoodEnoughFor(op Operation) bool {
	s := m.CurrentStatus()
	if !s.Online() {
		return false
	}

	switch op {
	case OpStreaming:
		return s.Quality == QualityExcellent
	case OpUpload, OpDownload:
		return s.Quality >= QualityGood
	case OpSync:
		return s.Quality > QualityOffline
	default:
		return false
	}
}

// ShouldSyncNow gates syncing on connection type and quality.
func (m *Monitor) ShouldSyncNow(gate SyncGate) bool {
	if !m.IsOnline() {
		return false
	}

	if gate.WifiOnly && !m.IsOnWiFi() {
		return false
	}

	return m.CurrentStatus().Quality >= gate.MinQuality
}

// IsConnectionStable reports false when the online state flipped two or
// more times across the last five observations.
func (m *Monitor) IsConnectionStable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) < 3 {
		return true
	}

	recent := m.history
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}

	changes := 0
	for i := 1; i < len(recent); i++ {
		if recent[i] != recent[i-1] {
			changes++
		}
	}
	return changes < 2
}

// AddChangeListener registers for every status update. Fires
// immediately with the current status. Returns an unsubscribe func.
func (m *Monitor) AddChangeListener(l func(Status)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.changeLs[id] = l
	current := m.status
	initialized := m.initialized
	m.mu.Unlock()

	if initialized {
		l(current)
	}

	return func() {
		m.mu.Lock()
		delete(m.changeLs, id)
		m.mu.Unlock()
	}
}

// AddConnectionListener registers for online/offline flips only. Fires
// immediately with the current state, then only when the connected
// state actually changes.
func (m *Monitor) AddConnectionListener(l func(bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.connLs[id] = l
	current := m.status.Online()
	initialized := m.initialized
	m.mu.Unlock()

	if initialized {
		l(current)
	}

	return func() {
		m.mu.Lock()
		delete(m.connLs, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) pushHistory(online bool) {
	m.history = append(m.history, online)
	if len(m.history) > historySize {
		m.history = m.history[1:]
	}
}

// classifyLink derives quality from static link information.
func classifyLink(link Link) Quality {
	if !link.Connected || !link.InternetReachable {
		return QualityOffline
	}

	switch link.Type {
	case TypeWiFi, TypeEthernet:
		return QualityExcellent
	case TypeCellular:
		switch link.EffectiveType {
		case "5g", "4g":
			return QualityExcellent
		case "3g":
			return QualityGood
		case "2g":
			return QualityPoor
		default:
			return QualityPoor
		}
	default:
		return QualityGood
	}
}

// qualityFromLatency is the probe's refinement: measured latency
// overrides the static classification.
func qualityFromLatency(latency time.Duration) Quality {
	switch {
	case latency < 100*time.Millisecond:
		return QualityExcellent
	case latency < 300*time.Millisecond:
		return QualityGood
	default:
		return QualityPoor
	}
}
