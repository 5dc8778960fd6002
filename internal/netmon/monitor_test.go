package netmon_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unioneyes/claimsync/internal/events"
	"github.com/unioneyes/claimsync/internal/netmon"
)

type proberStub struct {
	latency time.Duration
	err     error
}

func (p *proberStub) Probe(ctx context.Context) (time.Duration, error) {
	return p.latency, p.err
}

func newTestMonitor(t *testing.T, p netmon.Prober) *netmon.Monitor {
	t.Helper()
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)
	return netmon.New(p, time.Minute, logger)
}

func TestClassifyByLinkType(t *testing.T) {
	cases := []struct {
		name string
		link netmon.Link
		want netmon.Quality
	}{
		{"wifi", netmon.Link{Connected: true, InternetReachable: true, Type: netmon.TypeWiFi}, netmon.QualityExcellent},
		{"ethernet", netmon.Link{Connected: true, InternetReachable: true, Type: netmon.TypeEthernet}, netmon.QualityExcellent},
		{"cellular 5g", netmon.Link{Connected: true, InternetReachable: true, Type: netmon.TypeCellular, EffectiveType: "5g"}, netmon.QualityExcellent},
		{"cellular 4g", netmon.Link{Connected: true, InternetReachable: true, Type: netmon.TypeCellular, EffectiveType: "4g"}, netmon.QualityExcellent},
		{"cellular 3g", netmon.Link{Connected: true, InternetReachable: true, Type: netmon.TypeCellular, EffectiveType: "3g"}, netmon.QualityGood},
		{"cellular 2g", netmon.Link{Connected: true, InternetReachable: true, Type: netmon.TypeCellular, EffectiveType: "2g"}, netmon.QualityPoor},
		{"disconnected", netmon.Link{Connected: false, Type: netmon.TypeNone}, netmon.QualityOffline},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMonitor(t, nil)
			m.SetLink(tc.link)
			assert.Equal(t, tc.want, m.CurrentStatus().Quality)
		})
	}
}

func TestCaptivePortalIsOffline(t *testing.T) {
	m := newTestMonitor(t, nil)

	// Connected to an access point but nothing past it.
	m.SetLink(netmon.Link{Connected: true, InternetReachable: false, Type: netmon.TypeWiFi})

	assert.False(t, m.IsOnline())
	assert.True(t, m.IsOffline())
}

func TestProbeRefinesQuality(t *testing.T) {
	ctx := context.Background()

	t.Run("fast probe", func(t *testing.T) {
		m := newTestMonitor(t, &proberStub{latency: 50 * time.Millisecond})
		assert.Equal(t, netmon.QualityExcellent, m.Status(ctx).Quality)
		assert.True(t, m.IsOnline())
	})

	t.Run("medium probe", func(t *testing.T) {
		m := newTestMonitor(t, &proberStub{latency: 200 * time.Millisecond})
		assert.Equal(t, netmon.QualityGood, m.Status(ctx).Quality)
	})

	t.Run("slow probe", func(t *testing.T) {
		m := newTestMonitor(t, &proberStub{latency: 800 * time.Millisecond})
		assert.Equal(t, netmon.QualityPoor, m.Status(ctx).Quality)
	})

	t.Run("failed probe on connected link", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		m := newTestMonitor(t, &proberStub{err: errors.New("unreachable")})
		m.SetLink(netmon.Link{Connected: true, InternetReachable: true, Type: netmon.TypeWiFi})
		m.Start(ctx)

		st := m.CurrentStatus()
		assert.False(t, st.Online())
		assert.Equal(t, netmon.QualityPoor, st.Quality)
	})
}

func TestIsGoodEnoughFor(t *testing.T) {
	m := newTestMonitor(t, nil)

	m.SetLink(netmon.Link{Connected: true, InternetReachable: true, Type: netmon.TypeCellular, EffectiveType: "3g"})
	assert.True(t, m.IsGoodEnoughFor(netmon.OpSync))
	assert.True(t, m.IsGoodEnoughFor(netmon.OpUpload))
	assert.True(t, m.IsGoodEnoughFor(netmon.OpDownload))
	assert.False(t, m.IsGoodEnoughFor(netmon.OpStreaming))

	m.SetLink(netmon.Link{Connected: true, InternetReachable: true, Type: netmon.TypeCellular, EffectiveType: "2g"})
	assert.True(t, m.IsGoodEnoughFor(netmon.OpSync))
	assert.False(t, m.IsGoodEnoughFor(netmon.OpUpload))

	m.SetLink(netmon.Link{Connected: false, Type: netmon.TypeNone})
	assert.False(t, m.IsGoodEnoughFor(netmon.OpSync))
}

func TestShouldSyncNow(t *testing.T) {
	m := newTestMonitor(t, nil)

	m.SetLink(netmon.Link{Connected: true, InternetReachable: true, Type: netmon.TypeCellular, EffectiveType: "4g"})
	assert.True(t, m.ShouldSyncNow(netmon.SyncGate{MinQuality: netmon.QualityGood}))
	assert.False(t, m.ShouldSyncNow(netmon.SyncGate{WifiOnly: true, MinQuality: netmon.QualityGood}))

	m.SetLink(netmon.Link{Connected: true, InternetReachable: true, Type: netmon.TypeWiFi})
	assert.True(t, m.ShouldSyncNow(netmon.SyncGate{WifiOnly: true, MinQuality: netmon.QualityGood}))
}

func TestListeners(t *testing.T) {
	m := newTestMonitor(t, nil)
	m.SetLink(netmon.Link{Connected: false, Type: netmon.TypeNone})

	var statuses []netmon.Status
	unsubChange := m.AddChangeListener(func(s netmon.Status) {
		statuses = append(statuses, s)
	})

	var flips []bool
	m.AddConnectionListener(func(online bool) {
		flips = append(flips, online)
	})

	// Both listener kinds fire immediately with the current state.
	require.Len(t, statuses, 1)
	require.Len(t, flips, 1)
	assert.False(t, flips[0])

	// Going online notifies both; staying online notifies only the
	// change listener.
	m.SetLink(netmon.Link{Connected: true, InternetReachable: true, Type: netmon.TypeWiFi})
	m.SetLink(netmon.Link{Connected: true, InternetReachable: true, Type: netmon.TypeEthernet})

	assert.Len(t, statuses, 3)
	require.Len(t, flips, 2)
	assert.True(t, flips[1])

	// Unsubscribed listeners stop firing.
	unsubChange()
	m.SetLink(netmon.Link{Connected: false, Type: netmon.TypeNone})
	assert.Len(t, statuses, 3)
	assert.Len(t, flips, 3)
}

func TestConnectionStability(t *testing.T) {
	m := newTestMonitor(t, nil)

	for i := 0; i < 6; i++ {
		m.SetLink(netmon.Link{Connected: true, InternetReachable: true, Type: netmon.TypeWiFi})
	}
	assert.True(t, m.IsConnectionStable())

	// Flapping: online, offline, online within the recent window.
	m.SetLink(netmon.Link{Connected: false, Type: netmon.TypeNone})
	m.SetLink(netmon.Link{Connected: true, InternetReachable: true, Type: netmon.TypeWiFi})
	m.SetLink(netmon.Link{Connected: false, Type: netmon.TypeNone})

	assert.False(t, m.IsConnectionStable())
}

func TestHTTPProber(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := netmon.NewHTTPProber(srv.URL, time.Second)
	latency, err := p.Probe(context.Background())

	require.NoError(t, err)
	assert.Equal(t, http.MethodHead, method)
	assert.Greater(t, latency, time.Duration(0))

	srv.Close()
	_, err = p.Probe(context.Background())
	assert.Error(t, err)
}
