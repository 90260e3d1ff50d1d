package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StateView provides a read-only view for observable gauges.
// Implementations must be concurrency-safe and avoid blocking operations.
type StateView interface {
	// ListServers returns the configured servers to expose.
	ListServers() []string
	// Online returns whether the server's websocket is connected.
	Online(server string) (online bool, ok bool)
	// LastHeartbeat returns the time of the last ping from the server.
	LastHeartbeat(server string) (t time.Time, ok bool)
	// DownSince returns the start of the current outage, if any.
	DownSince(server string) (t time.Time, ok bool)
}

var stateView atomic.Value // of type stateViewBox

type stateViewBox struct{ v StateView }

func loadStateView() StateView {
	if b, ok := stateView.Load().(stateViewBox); ok {
		return b.v
	}
	return nil
}

// RegisterStateView sets the StateView used by the observable callback.
// It may be called before or after Init.
func RegisterStateView(v StateView) {
	stateView.Store(stateViewBox{v: v})
	if v != nil && registered.Load() {
		registerStateCallback()
	}
}

func observeStateView(_ context.Context, o metric.Observer) error {
	sv := loadStateView()
	if sv == nil {
		return nil
	}
	for _, server := range sv.ListServers() {
		attrs := metric.WithAttributes(attribute.String("server", server))
		if online, ok := sv.Online(server); ok {
			val := int64(0)
			if online {
				val = 1
			}
			o.ObserveInt64(mServerOnline, val, attrs)
		}
		if t, ok := sv.LastHeartbeat(server); ok {
			o.ObserveFloat64(mServerLastHeartbeat, float64(t.UnixNano())/1e9, attrs)
		}
		if t, ok := sv.DownSince(server); ok {
			o.ObserveFloat64(mServerDownSince, float64(t.UnixNano())/1e9, attrs)
		}
	}
	return nil
}
