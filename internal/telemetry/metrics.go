package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Instruments and helpers for wswatch metrics.
//
// Counters end with _total, durations are in seconds.
// Only low-cardinality stable labels are supported: server, transport,
// direction, result, reason, error_type, msg_type, kind.
var (
	initOnce   sync.Once
	registered atomic.Bool

	meter metric.Meter

	// Server state (observed through StateView)
	mServerOnline        metric.Int64ObservableGauge
	mServerLastHeartbeat metric.Float64ObservableGauge
	mServerDownSince     metric.Float64ObservableGauge

	// Connection / probe
	mConnAttempts metric.Int64Counter
	mConnErrors   metric.Int64Counter

	// WebSocket
	mWSConnectLatency  metric.Float64Histogram
	mWSMessages        metric.Int64Counter
	mWSDisconnects     metric.Int64Counter
	mWSSessionDuration metric.Float64Histogram
	mWSReconnects      metric.Int64Counter

	// Watchdog
	mHeartbeatGap  metric.Float64Histogram
	mNotifications metric.Int64Counter

	// Config / process
	mConfigLoads      metric.Int64Counter
	mProcessStartTime metric.Float64ObservableGauge
	mBuildInfo        metric.Int64ObservableGauge

	buildVersion     string
	buildCommit      string
	processStartUnix = float64(time.Now().UnixNano()) / 1e9
)

func init() {
	bindInstruments(noop.NewMeterProvider().Meter("wswatch"))
}

// attrsWithServer prepends the server label when enabled.
func attrsWithServer(server string, extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(extra)+1)
	if server != "" && ShouldIncludeServer() {
		attrs = append(attrs, attribute.String("server", server))
	}
	return append(attrs, extra...)
}

func registerInstruments() error {
	var err error
	initOnce.Do(func() {
		err = bindInstruments(otel.Meter("wswatch"))
		if err != nil {
			return
		}
		registerProcessCallbacks()
		registered.Store(true)
		if sv := loadStateView(); sv != nil {
			registerStateCallback()
		}
	})
	return err
}

// bindInstruments creates every instrument on m. Helpers are safe to call
// before Init because the package starts bound to a no-op meter.
func bindInstruments(m metric.Meter) error {
	meter = m
	if err := bindServerInstruments(); err != nil {
		return err
	}
	if err := bindConnInstruments(); err != nil {
		return err
	}
	if err := bindWSInstruments(); err != nil {
		return err
	}
	return bindWatchdogInstruments()
}

func bindServerInstruments() error {
	var err error
	mServerOnline, err = meter.Int64ObservableGauge("wswatch_server_online",
		metric.WithDescription("Server websocket connection up (0/1)"))
	if err != nil {
		return err
	}
	mServerLastHeartbeat, err = meter.Float64ObservableGauge("wswatch_server_last_heartbeat_timestamp_seconds",
		metric.WithDescription("Unix timestamp of the last ping received from the server"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	mServerDownSince, err = meter.Float64ObservableGauge("wswatch_server_down_since_timestamp_seconds",
		metric.WithDescription("Unix timestamp at which the current outage began (absent while up)"),
		metric.WithUnit("s"))
	return err
}

func bindConnInstruments() error {
	var err error
	mConnAttempts, err = meter.Int64Counter("wswatch_connection_attempts_total",
		metric.WithDescription("Probe and websocket connection attempts"))
	if err != nil {
		return err
	}
	mConnErrors, err = meter.Int64Counter("wswatch_connection_errors_total",
		metric.WithDescription("Connection errors by type"))
	return err
}

func bindWSInstruments() error {
	mWSConnectLatency, _ = meter.Float64Histogram("wswatch_websocket_connect_latency_seconds",
		metric.WithDescription("WebSocket connect latency in seconds"),
		metric.WithUnit("s"))
	mWSMessages, _ = meter.Int64Counter("wswatch_websocket_messages_total",
		metric.WithDescription("WebSocket messages by direction and type"))
	mWSDisconnects, _ = meter.Int64Counter("wswatch_websocket_disconnects_total",
		metric.WithDescription("WebSocket disconnects by reason/result"))
	mWSSessionDuration, _ = meter.Float64Histogram("wswatch_websocket_session_duration_seconds",
		metric.WithDescription("Duration of established WebSocket sessions"),
		metric.WithUnit("s"))
	mWSReconnects, _ = meter.Int64Counter("wswatch_websocket_reconnects_total",
		metric.WithDescription("Scheduled reconnect attempts by reason"))
	return nil
}

func bindWatchdogInstruments() error {
	mHeartbeatGap, _ = meter.Float64Histogram("wswatch_heartbeat_gap_seconds",
		metric.WithDescription("Interval between consecutive server pings"),
		metric.WithUnit("s"))
	mNotifications, _ = meter.Int64Counter("wswatch_notifications_total",
		metric.WithDescription("Alert notifications by kind and dispatch result"))
	mConfigLoads, _ = meter.Int64Counter("wswatch_config_loads_total",
		metric.WithDescription("Configuration loads by result"))
	mProcessStartTime, _ = meter.Float64ObservableGauge("process_start_time_seconds",
		metric.WithDescription("Unix timestamp of the process start time"),
		metric.WithUnit("s"))
	mBuildInfo, _ = meter.Int64ObservableGauge("wswatch_build_info",
		metric.WithDescription("wswatch build information (value is always 1)"))
	return nil
}

var (
	stateMu      sync.Mutex
	stateStopper func()
	procStopper  func()
)

func registerProcessCallbacks() {
	reg, e := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveFloat64(mProcessStartTime, processStartUnix)
		if buildVersion == "" && buildCommit == "" {
			return nil
		}
		attrs := []attribute.KeyValue{}
		if buildVersion != "" {
			attrs = append(attrs, attribute.String("version", buildVersion))
		}
		if buildCommit != "" {
			attrs = append(attrs, attribute.String("commit", buildCommit))
		}
		o.ObserveInt64(mBuildInfo, 1, metric.WithAttributes(attrs...))
		return nil
	}, mProcessStartTime, mBuildInfo)
	if e != nil {
		otel.Handle(e)
		return
	}
	procStopper = func() { _ = reg.Unregister() }
}

// registerStateCallback (re)binds the StateView observer to the current meter.
func registerStateCallback() {
	stateMu.Lock()
	defer stateMu.Unlock()
	if stateStopper != nil {
		stateStopper()
		stateStopper = nil
	}
	reg, e := meter.RegisterCallback(observeStateView, mServerOnline, mServerLastHeartbeat, mServerDownSince)
	if e != nil {
		otel.Handle(e)
		return
	}
	stateStopper = func() { _ = reg.Unregister() }
}

// RegisterBuildInfo records version/commit for the build info gauge.
func RegisterBuildInfo(version, commit string) {
	buildVersion = version
	buildCommit = commit
}

func IncConfigLoad(ctx context.Context, result string) {
	mConfigLoads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// --- Connection helpers ---

func IncConnAttempt(ctx context.Context, server, transport, result string) {
	mConnAttempts.Add(ctx, 1, metric.WithAttributes(attrsWithServer(server,
		attribute.String("transport", transport),
		attribute.String("result", result),
	)...))
}

func IncConnError(ctx context.Context, server, transport, typ string) {
	mConnErrors.Add(ctx, 1, metric.WithAttributes(attrsWithServer(server,
		attribute.String("transport", transport),
		attribute.String("error_type", typ),
	)...))
}

// --- WebSocket helpers ---

func ObserveWSConnectLatency(ctx context.Context, server string, seconds float64, result, errorType string) {
	attrs := []attribute.KeyValue{
		attribute.String("transport", TransportWebSocket),
		attribute.String("result", result),
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String("error_type", errorType))
	}
	mWSConnectLatency.Record(ctx, seconds, metric.WithAttributes(attrsWithServer(server, attrs...)...))
}

func IncWSMessage(ctx context.Context, server, direction, msgType string) {
	mWSMessages.Add(ctx, 1, metric.WithAttributes(attrsWithServer(server,
		attribute.String("direction", direction),
		attribute.String("msg_type", msgType),
	)...))
}

func IncWSDisconnect(ctx context.Context, server, reason, result string) {
	mWSDisconnects.Add(ctx, 1, metric.WithAttributes(attrsWithServer(server,
		attribute.String("reason", reason),
		attribute.String("result", result),
	)...))
}

// IncWSReconnect increments the reconnect counter with a bounded reason label.
func IncWSReconnect(ctx context.Context, server, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	mWSReconnects.Add(ctx, 1, metric.WithAttributes(attrsWithServer(server,
		attribute.String("reason", reason),
	)...))
}

func ObserveWSSessionDuration(ctx context.Context, server string, seconds float64, result string) {
	mWSSessionDuration.Record(ctx, seconds, metric.WithAttributes(attrsWithServer(server,
		attribute.String("result", result),
	)...))
}

// --- Watchdog helpers ---

func ObserveHeartbeatGap(ctx context.Context, server string, seconds float64) {
	mHeartbeatGap.Record(ctx, seconds, metric.WithAttributes(attrsWithServer(server)...))
}

// IncNotification counts alerts. result is "sent" or "skipped" (no channel key).
func IncNotification(ctx context.Context, kind, result string) {
	mNotifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}
