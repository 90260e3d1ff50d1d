package telemetry

// Transport labels (low-cardinality)
const (
	TransportProbe     = "probe"
	TransportWebSocket = "websocket"
	TransportNotify    = "notify"
)

// Reconnect reason bins (fixed, low-cardinality)
const (
	ReasonProbeFailed = "probe_failed"
	ReasonDialFailed  = "dial_failed"
	ReasonPeerClose   = "peer_close"
	ReasonTimeout     = "timeout"
	ReasonReplaced    = "replaced"
	ReasonError       = "error"
)

// Notification kinds
const (
	NotifyDropped     = "dropped"
	NotifyUnreachable = "unreachable"
	NotifyHeartbeat   = "heartbeat"
	NotifyError       = "error"
	NotifyProbe       = "probe"
	NotifyFatal       = "fatal"
)
