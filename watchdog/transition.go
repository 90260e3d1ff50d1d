package watchdog

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fosrl/wswatch/internal/telemetry"
	"github.com/fosrl/wswatch/websocket"
)

// Policy holds the alerting thresholds of one watchdog.
type Policy struct {
	// HeartbeatTimeout is the ping gap above which an alert is raised.
	HeartbeatTimeout time.Duration
	// DownWarnAfter is the continuous downtime before the "unreachable" alert.
	DownWarnAfter time.Duration
	// RewarnAfter re-arms the downtime branch after the last warning.
	RewarnAfter time.Duration
	// ProbeThrottle is the minimum spacing between handled probe results.
	ProbeThrottle time.Duration
	// ProbeAlertWindow limits probe-failure alerts to the start of an outage.
	ProbeAlertWindow time.Duration
}

// DefaultPolicy returns the standard thresholds with the given heartbeat timeout.
func DefaultPolicy(heartbeatTimeout time.Duration) Policy {
	return Policy{
		HeartbeatTimeout: heartbeatTimeout,
		DownWarnAfter:    30 * time.Second,
		RewarnAfter:      10 * time.Minute,
		ProbeThrottle:    30 * time.Second,
		ProbeAlertWindow: 3 * time.Minute,
	}
}

// State is the health record of one server. Zero times mean "unset".
type State struct {
	ConnectCount    int
	LastConnectedAt time.Time
	DownSince       time.Time
	LastWarnAt      time.Time
	LastProbeAt     time.Time
	LastPingAt      time.Time
	MaxHeartbeatGap time.Duration
	Connected       bool
	DownWarningSent bool

	// Generation is the highest connection generation seen so far.
	Generation uint64
	// ClosedGeneration is the generation of the last applied close. A handle
	// never reopens, so a later open for it is stale.
	ClosedGeneration uint64
}

// Down reports whether an outage is in progress.
func (s State) Down() bool { return !s.DownSince.IsZero() }

// Input is one event together with the context it is applied in.
type Input struct {
	Event websocket.Event
	Now   time.Time
	// Disconnects is the connection's disconnect counter after the event.
	Disconnects uint64
}

type EffectKind int

const (
	EffectLog EffectKind = iota
	EffectNotify
	EffectSendInit
	EffectHeartbeatGap
)

// Effect is a side effect requested by a transition.
type Effect struct {
	Kind EffectKind

	// Level and Message describe an EffectLog entry.
	Level   slog.Level
	Message string

	// Description and Reason describe an EffectNotify.
	Description string
	Reason      string

	// Init is the payload for EffectSendInit.
	Init *InitMessage

	// Gap is the measured interval for EffectHeartbeatGap.
	Gap time.Duration
}

// InitMessage is sent on every successful open.
type InitMessage struct {
	Type  string `json:"type"`
	Cmd   string `json:"cmd"`
	CmdID string `json:"cmdId"`
}

func newInitMessage(now time.Time) *InitMessage {
	return &InitMessage{
		Type:  "user",
		Cmd:   "init",
		CmdID: strconv.FormatInt(now.UnixMilli(), 10) + "@test",
	}
}

func logf(level slog.Level, format string, args ...any) Effect {
	return Effect{Kind: EffectLog, Level: level, Message: fmt.Sprintf(format, args...)}
}

func notifyf(reason, format string, args ...any) Effect {
	return Effect{Kind: EffectNotify, Reason: reason, Description: fmt.Sprintf(format, args...)}
}

// seconds renders d as a decimal number of seconds without trailing zeros.
func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// Apply computes the next state for one event. It performs no I/O; the
// returned effects are executed by the caller in order.
func Apply(p Policy, s State, in Input) (State, []Effect) {
	ev := in.Event
	if ev.Generation < s.Generation {
		return s, nil
	}
	if ev.Kind == websocket.EventOpen && ev.Generation != 0 && ev.Generation <= s.ClosedGeneration {
		return s, nil
	}
	s.Generation = ev.Generation

	switch ev.Kind {
	case websocket.EventOpen:
		return applyOpen(s, in.Now)
	case websocket.EventClose:
		return applyClose(p, s, in)
	case websocket.EventMessage:
		return s, []Effect{logf(slog.LevelDebug, "recv msg: %s", ev.Payload)}
	case websocket.EventPing:
		return applyPing(p, s, in.Now)
	case websocket.EventPong:
		return s, nil
	case websocket.EventError:
		return applyError(s, ev.Err)
	case websocket.EventProbe:
		return applyProbe(p, s, in.Now, ev)
	default:
		return s, nil
	}
}

func applyOpen(s State, now time.Time) (State, []Effect) {
	var gapSinceDown time.Duration
	if s.Down() {
		gapSinceDown = now.Sub(s.DownSince)
	}

	s.LastConnectedAt = now
	s.LastPingAt = time.Time{}
	s.Connected = true
	s.DownWarningSent = false
	s.DownSince = time.Time{}
	s.LastWarnAt = time.Time{}
	s.MaxHeartbeatGap = 0
	s.ConnectCount++

	msg := fmt.Sprintf("Connected to server (connection #%d).", s.ConnectCount)
	if s.ConnectCount > 1 {
		msg += fmt.Sprintf(" %s seconds since the last disconnect.", seconds(gapSinceDown))
	}
	return s, []Effect{
		{Kind: EffectLog, Level: slog.LevelInfo, Message: msg},
		{Kind: EffectSendInit, Init: newInitMessage(now)},
	}
}

func applyClose(p Policy, s State, in Input) (State, []Effect) {
	now := in.Now
	s.ClosedGeneration = in.Event.Generation
	if !s.Down() {
		s.DownSince = now
	}
	if s.LastWarnAt.IsZero() {
		s.LastWarnAt = now
	}

	if s.Connected {
		s.Connected = false
		var upFor time.Duration
		if !s.LastConnectedAt.IsZero() {
			upFor = now.Sub(s.LastConnectedAt)
		}
		return s, []Effect{
			logf(slog.LevelInfo, "Connection #%d lost, retrying. Was up %s seconds.", s.ConnectCount, seconds(upFor)),
			notifyf(telemetry.NotifyDropped, "Connection dropped %d times! Was up %s seconds.", in.Disconnects, seconds(upFor)),
		}
	}

	outage := now.Sub(s.DownSince)
	sinceLastWarn := now.Sub(s.LastWarnAt)
	if (outage > p.DownWarnAfter && !s.DownWarningSent) || sinceLastWarn > p.RewarnAfter {
		var effects []Effect
		if !s.DownWarningSent {
			effects = append(effects, notifyf(telemetry.NotifyUnreachable, "Unreachable for %s seconds!", seconds(outage)))
			s.LastWarnAt = now
		}
		s.DownWarningSent = true
		effects = append(effects, logf(slog.LevelWarn, "Server unreachable for %s seconds", seconds(outage)))
		return s, effects
	}
	return s, nil
}

func applyPing(p Policy, s State, now time.Time) (State, []Effect) {
	var effects []Effect
	if !s.LastPingAt.IsZero() {
		gap := now.Sub(s.LastPingAt)
		if gap > s.MaxHeartbeatGap {
			s.MaxHeartbeatGap = gap
		}
		effects = append(effects, Effect{Kind: EffectHeartbeatGap, Gap: gap})
		if gap > p.HeartbeatTimeout {
			effects = append(effects,
				notifyf(telemetry.NotifyHeartbeat, "Heartbeat gap reached %s seconds!", seconds(gap)),
				logf(slog.LevelWarn, "Server heartbeat gap %s seconds", seconds(gap)))
		}
		effects = append(effects, logf(slog.LevelDebug, "Server heartbeat gap %s seconds", seconds(gap)))
	}
	s.LastPingAt = now
	return s, effects
}

func applyError(s State, err error) (State, []Effect) {
	if !s.Connected {
		return s, nil
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return s, []Effect{
		logf(slog.LevelError, "Error: %s", msg),
		notifyf(telemetry.NotifyError, "Error: %s", msg),
	}
}

func applyProbe(p Policy, s State, now time.Time, ev websocket.Event) (State, []Effect) {
	if ev.Err != nil && !s.Down() {
		s.DownSince = now
	}
	var outage time.Duration
	if s.Down() {
		outage = now.Sub(s.DownSince)
	}
	if !s.LastProbeAt.IsZero() && now.Sub(s.LastProbeAt) < p.ProbeThrottle {
		return s, nil
	}
	s.LastProbeAt = now

	if ev.Err == nil {
		return s, []Effect{logf(slog.LevelInfo, "Probe ret: %s", ev.Body)}
	}
	effects := []Effect{logf(slog.LevelError, "Probe error: %v", ev.Err)}
	if outage < p.ProbeAlertWindow {
		effects = append(effects, notifyf(telemetry.NotifyProbe, "Probe error: %v", ev.Err))
	}
	return s, effects
}
