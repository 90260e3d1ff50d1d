package watchdog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fosrl/wswatch/internal/telemetry"
	"github.com/fosrl/wswatch/websocket"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return t0.Add(time.Duration(sec * float64(time.Second)))
}

type sim struct {
	p           Policy
	s           State
	gen         uint64
	disconnects uint64
	notified    []Effect
}

func newSim() *sim {
	return &sim{p: DefaultPolicy(20 * time.Second), gen: 1}
}

func (m *sim) apply(ev websocket.Event, sec float64) []Effect {
	if ev.Generation == 0 {
		ev.Generation = m.gen
	}
	if ev.Kind == websocket.EventClose && ev.WasConnected {
		m.disconnects++
	}
	var effects []Effect
	m.s, effects = Apply(m.p, m.s, Input{Event: ev, Now: at(sec), Disconnects: m.disconnects})
	for _, e := range effects {
		if e.Kind == EffectNotify {
			m.notified = append(m.notified, e)
		}
	}
	return effects
}

// open reconnects on a fresh generation when the current one was closed.
func (m *sim) open(sec float64) []Effect {
	if m.s.ClosedGeneration == m.gen {
		m.gen++
	}
	return m.apply(websocket.Event{Kind: websocket.EventOpen}, sec)
}

func (m *sim) close(sec float64) []Effect {
	return m.apply(websocket.Event{Kind: websocket.EventClose, WasConnected: m.s.Connected}, sec)
}

func (m *sim) ping(sec float64) []Effect {
	return m.apply(websocket.Event{Kind: websocket.EventPing}, sec)
}

func (m *sim) probeErr(sec float64) []Effect {
	return m.apply(websocket.Event{Kind: websocket.EventProbe, Err: errors.New("connection refused")}, sec)
}

func kinds(effects []Effect, kind EffectKind) []Effect {
	var out []Effect
	for _, e := range effects {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestOpenSendsInitAndResets(t *testing.T) {
	m := newSim()
	m.s.DownSince = at(0)
	m.s.DownWarningSent = true
	m.s.LastWarnAt = at(0)
	m.s.MaxHeartbeatGap = 42 * time.Second

	effects := m.open(12.5)

	assert.True(t, m.s.Connected)
	assert.True(t, m.s.DownSince.IsZero())
	assert.True(t, m.s.LastWarnAt.IsZero())
	assert.False(t, m.s.DownWarningSent)
	assert.Zero(t, m.s.MaxHeartbeatGap)
	assert.Equal(t, 1, m.s.ConnectCount)

	inits := kinds(effects, EffectSendInit)
	require.Len(t, inits, 1)
	assert.Equal(t, "user", inits[0].Init.Type)
	assert.Equal(t, "init", inits[0].Init.Cmd)
	assert.Regexp(t, `^\d+@test$`, inits[0].Init.CmdID)
	assert.Equal(t, "1704067212500@test", inits[0].Init.CmdID)
}

func TestReconnectLogsGap(t *testing.T) {
	m := newSim()
	m.open(0)
	m.close(5)
	effects := m.open(20)

	logs := kinds(effects, EffectLog)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0].Message, "connection #2")
	assert.Contains(t, logs[0].Message, "15 seconds")
}

func TestCloseWhileUpNotifiesImmediately(t *testing.T) {
	m := newSim()
	m.open(0)
	effects := m.close(5)

	notes := kinds(effects, EffectNotify)
	require.Len(t, notes, 1)
	assert.Equal(t, telemetry.NotifyDropped, notes[0].Reason)
	assert.Contains(t, notes[0].Description, "1 times")
	assert.Contains(t, notes[0].Description, "5 seconds")
	assert.Equal(t, at(5), m.s.DownSince)
	assert.Equal(t, at(5), m.s.LastWarnAt)
	assert.False(t, m.s.Connected)
}

func TestDowntimeScenario(t *testing.T) {
	m := newSim()
	m.open(0)
	m.close(5)

	// retries close roughly every five seconds plus dial latency
	for sec := 10.2; sec < 700; sec += 5.2 {
		m.close(sec)
	}

	require.Len(t, m.notified, 2)
	assert.Equal(t, telemetry.NotifyDropped, m.notified[0].Reason)
	assert.Equal(t, telemetry.NotifyUnreachable, m.notified[1].Reason)
	assert.True(t, m.s.DownWarningSent)
	assert.Equal(t, at(5), m.s.DownSince)
}

func TestUnreachableFiresOnceAfterThreshold(t *testing.T) {
	m := newSim()
	m.open(0)
	m.close(5)

	// outage is exactly 30s at t=35 and the threshold is strict, so the alert
	// waits for the next close (DESIGN.md, downtime alert policy)
	assert.Empty(t, kinds(m.close(35), EffectNotify))
	notes := kinds(m.close(36), EffectNotify)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Description, "31 seconds")
	assert.Equal(t, at(36), m.s.LastWarnAt)

	assert.Empty(t, kinds(m.close(600), EffectNotify))
	assert.Empty(t, kinds(m.close(636), EffectNotify))
	assert.Len(t, m.notified, 2)
}

func TestRepeatedClosesWhileDownDoNotCountAsDrops(t *testing.T) {
	m := newSim()
	m.open(0)
	m.close(1)
	m.close(2)
	m.close(3)
	assert.Equal(t, uint64(1), m.disconnects)
	assert.Len(t, m.notified, 1)
}

func TestOpenAfterDownRearmsWarnings(t *testing.T) {
	m := newSim()
	m.open(0)
	m.close(5)
	m.close(40)
	require.True(t, m.s.DownWarningSent)

	m.open(50)
	assert.False(t, m.s.DownWarningSent)
	m.close(60)
	m.close(95)
	require.Len(t, m.notified, 4)
	assert.Equal(t, telemetry.NotifyUnreachable, m.notified[3].Reason)
}

func TestHeartbeatScenario(t *testing.T) {
	m := newSim()
	m.open(0)

	assert.Empty(t, kinds(m.ping(0), EffectNotify))
	assert.Empty(t, kinds(m.ping(10), EffectNotify))
	notes := kinds(m.ping(35), EffectNotify)
	require.Len(t, notes, 1)
	assert.Equal(t, telemetry.NotifyHeartbeat, notes[0].Reason)
	assert.Contains(t, notes[0].Description, "25 seconds")
	assert.Equal(t, 25*time.Second, m.s.MaxHeartbeatGap)
	assert.Len(t, m.notified, 1)
}

func TestFirstPingSetsBaseline(t *testing.T) {
	m := newSim()
	m.open(0)
	effects := m.ping(100)
	assert.Empty(t, effects)
	assert.Equal(t, at(100), m.s.LastPingAt)
}

func TestHeartbeatGapAtThresholdDoesNotAlert(t *testing.T) {
	m := newSim()
	m.open(0)
	m.ping(0)
	assert.Empty(t, kinds(m.ping(20), EffectNotify))
	gaps := kinds(m.ping(41), EffectHeartbeatGap)
	require.Len(t, gaps, 1)
	assert.Equal(t, 21*time.Second, gaps[0].Gap)
	assert.Len(t, m.notified, 1)
}

func TestMaxGapResetsOnReconnect(t *testing.T) {
	m := newSim()
	m.open(0)
	m.ping(0)
	m.ping(15)
	require.Equal(t, 15*time.Second, m.s.MaxHeartbeatGap)
	m.close(16)
	m.open(30)
	assert.Zero(t, m.s.MaxHeartbeatGap)
	assert.True(t, m.s.LastPingAt.IsZero())
}

func TestErrorIgnoredWhileDown(t *testing.T) {
	m := newSim()
	effects := m.apply(websocket.Event{Kind: websocket.EventError, Err: errors.New("boom")}, 1)
	assert.Empty(t, effects)

	m.open(2)
	notes := kinds(m.apply(websocket.Event{Kind: websocket.EventError, Err: errors.New("boom")}, 3), EffectNotify)
	require.Len(t, notes, 1)
	assert.Equal(t, "Error: boom", notes[0].Description)
}

func TestProbeThrottle(t *testing.T) {
	m := newSim()
	first := m.probeErr(0)
	assert.Len(t, kinds(first, EffectNotify), 1)
	assert.Len(t, kinds(first, EffectLog), 1)
	assert.Equal(t, at(0), m.s.DownSince)

	assert.Empty(t, m.probeErr(20))
	assert.Equal(t, at(0), m.s.LastProbeAt)

	assert.Len(t, kinds(m.probeErr(31), EffectNotify), 1)
}

func TestProbeSuccessIsThrottledToo(t *testing.T) {
	m := newSim()
	m.probeErr(0)
	effects := m.apply(websocket.Event{Kind: websocket.EventProbe, Body: "ok"}, 10)
	assert.Empty(t, effects)

	effects = m.apply(websocket.Event{Kind: websocket.EventProbe, Body: "ok"}, 40)
	logs := kinds(effects, EffectLog)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Message, "ok")
}

func TestProbeAlertsStopAfterWindow(t *testing.T) {
	m := newSim()
	m.probeErr(0)
	m.probeErr(60)
	m.probeErr(120)
	m.probeErr(179)
	assert.Len(t, m.notified, 4)
	effects := m.probeErr(210)
	assert.Len(t, kinds(effects, EffectLog), 1)
	assert.Empty(t, kinds(effects, EffectNotify))
}

func TestStaleGenerationIgnored(t *testing.T) {
	m := newSim()
	m.gen = 2
	m.open(0)

	before := m.s
	effects := m.apply(websocket.Event{Kind: websocket.EventClose, Generation: 1, WasConnected: true}, 1)
	assert.Empty(t, effects)
	assert.Equal(t, before, m.s)
	assert.True(t, m.s.Connected)
}

func TestMessageLogsOnly(t *testing.T) {
	m := newSim()
	m.open(0)
	before := m.s
	effects := m.apply(websocket.Event{Kind: websocket.EventMessage, Payload: []byte("hello")}, 1)
	require.Len(t, effects, 1)
	assert.Equal(t, EffectLog, effects[0].Kind)
	assert.Equal(t, before, m.s)
}

func TestLateOpenForClosedGenerationIgnored(t *testing.T) {
	m := newSim()
	m.open(0)

	// the handle was replaced: its close is delivered, then its open
	m.apply(websocket.Event{Kind: websocket.EventClose, Generation: 1, WasConnected: true}, 1)
	effects := m.apply(websocket.Event{Kind: websocket.EventOpen, Generation: 1}, 1.1)
	assert.Empty(t, effects)
	assert.False(t, m.s.Connected)
	assert.Equal(t, uint64(1), m.s.ClosedGeneration)

	effects = m.apply(websocket.Event{Kind: websocket.EventOpen, Generation: 2}, 2)
	assert.Len(t, kinds(effects, EffectSendInit), 1)
	assert.True(t, m.s.Connected)
}
