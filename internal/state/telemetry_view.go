package state

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fosrl/wswatch/internal/telemetry"
)

// TelemetryView is a minimal, thread-safe per-server state store that feeds
// the observable gauges and the admin health endpoint.
type TelemetryView struct {
	mu      sync.RWMutex
	servers map[string]*serverState
}

type serverState struct {
	online        atomic.Bool
	lastHBUnixNs  atomic.Int64
	downSinceNs   atomic.Int64
	disconnects   atomic.Int64
	notifications atomic.Int64
}

// ServerStatus is a point-in-time copy of one server's state.
type ServerStatus struct {
	Server        string     `json:"server"`
	Online        bool       `json:"online"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	DownSince     *time.Time `json:"downSince,omitempty"`
	Disconnects   int64      `json:"disconnects"`
	Notifications int64      `json:"notifications"`
}

var globalView atomic.Pointer[TelemetryView]

// NewTelemetryView returns an empty, unregistered view.
func NewTelemetryView() *TelemetryView {
	return &TelemetryView{servers: make(map[string]*serverState)}
}

// Global returns a singleton TelemetryView registered with telemetry.
func Global() *TelemetryView {
	if v := globalView.Load(); v != nil {
		return v
	}
	v := NewTelemetryView()
	if !globalView.CompareAndSwap(nil, v) {
		return globalView.Load()
	}
	telemetry.RegisterStateView(v)
	return v
}

func (v *TelemetryView) entry(server string) *serverState {
	v.mu.RLock()
	s := v.servers[server]
	v.mu.RUnlock()
	if s != nil {
		return s
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if s = v.servers[server]; s == nil {
		s = &serverState{}
		v.servers[server] = s
	}
	return s
}

func (v *TelemetryView) lookup(server string) (*serverState, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.servers[server]
	return s, ok
}

// Register adds a server so it is reported before its first event.
func (v *TelemetryView) Register(server string) { v.entry(server) }

func (v *TelemetryView) SetOnline(server string, online bool) {
	s := v.entry(server)
	s.online.Store(online)
	if online {
		s.downSinceNs.Store(0)
	}
}

// MarkDown records the start of an outage; an already running outage keeps its start.
func (v *TelemetryView) MarkDown(server string, since time.Time) {
	v.entry(server).downSinceNs.CompareAndSwap(0, since.UnixNano())
}

func (v *TelemetryView) TouchHeartbeat(server string, at time.Time) {
	v.entry(server).lastHBUnixNs.Store(at.UnixNano())
}

func (v *TelemetryView) IncDisconnects(server string)   { v.entry(server).disconnects.Add(1) }
func (v *TelemetryView) IncNotifications(server string) { v.entry(server).notifications.Add(1) }

// Snapshot returns all servers sorted by address.
func (v *TelemetryView) Snapshot() []ServerStatus {
	servers := v.ListServers()
	out := make([]ServerStatus, 0, len(servers))
	for _, server := range servers {
		s, ok := v.lookup(server)
		if !ok {
			continue
		}
		st := ServerStatus{
			Server:        server,
			Online:        s.online.Load(),
			Disconnects:   s.disconnects.Load(),
			Notifications: s.notifications.Load(),
		}
		if ns := s.lastHBUnixNs.Load(); ns != 0 {
			t := time.Unix(0, ns)
			st.LastHeartbeat = &t
		}
		if ns := s.downSinceNs.Load(); ns != 0 {
			t := time.Unix(0, ns)
			st.DownSince = &t
		}
		out = append(out, st)
	}
	return out
}

// --- telemetry.StateView interface ---

func (v *TelemetryView) ListServers() []string {
	v.mu.RLock()
	out := make([]string, 0, len(v.servers))
	for server := range v.servers {
		out = append(out, server)
	}
	v.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (v *TelemetryView) Online(server string) (bool, bool) {
	s, ok := v.lookup(server)
	if !ok {
		return false, false
	}
	return s.online.Load(), true
}

func (v *TelemetryView) LastHeartbeat(server string) (time.Time, bool) {
	s, ok := v.lookup(server)
	if !ok {
		return time.Time{}, false
	}
	ns := s.lastHBUnixNs.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func (v *TelemetryView) DownSince(server string) (time.Time, bool) {
	s, ok := v.lookup(server)
	if !ok {
		return time.Time{}, false
	}
	ns := s.downSinceNs.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
