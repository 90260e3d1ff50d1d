package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fosrl/wswatch/internal/telemetry"
	"github.com/fosrl/wswatch/logger"
)

const (
	// DefaultRetryDelay is the pause before an automatic reconnect attempt.
	DefaultRetryDelay = 5 * time.Second
	// MinStartInterval is the minimum spacing between two Start calls.
	MinStartInterval = 200 * time.Millisecond
	// DefaultPath is appended to the server address to form the websocket URL.
	DefaultPath = "/test"

	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

var (
	// ErrStartTooSoon is returned when Start is called within MinStartInterval
	// of the previous call. Nothing is attempted.
	ErrStartTooSoon = errors.New("websocket: connection attempts too close together")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("websocket: client closed")
)

// Client owns the lifecycle of one reconnecting websocket connection to one
// server. Each Start probes the server over HTTP and then dials; the outcome
// is reported through the Handler.
type Client struct {
	server     string
	url        string
	probeURL   string
	prober     Prober
	dialer     *websocket.Dialer
	retryDelay time.Duration
	handler    Handler
	tlsConfig  TLSConfig
	secure     bool
	path       string

	mu              sync.Mutex
	conn            *websocket.Conn
	connected       bool
	autoRetry       bool
	disconnectCount uint64
	lastStart       time.Time
	generation      uint64
	attemptCancel   context.CancelFunc
	retryTimer      *time.Timer
	sessionStart    time.Time
	closed          bool

	writeMux sync.Mutex
	// emitMu makes the current-generation check and delivery one step.
	emitMu sync.Mutex
}

type ClientOption func(*Client)

// WithSecure switches the probe to https and the connection to wss.
func WithSecure(secure bool) ClientOption {
	return func(c *Client) {
		c.secure = secure
	}
}

// WithPath sets the websocket path (DefaultPath when empty).
func WithPath(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.path = path
		}
	}
}

// WithTLSConfig sets the TLS configuration used for wss and https.
func WithTLSConfig(config TLSConfig) ClientOption {
	return func(c *Client) {
		c.tlsConfig = config
	}
}

// WithProber replaces the default HTTP prober.
func WithProber(p Prober) ClientOption {
	return func(c *Client) {
		c.prober = p
	}
}

// WithRetryDelay sets the pause before automatic reconnect attempts.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// WithHandler sets the event handler.
func WithHandler(h Handler) ClientOption {
	return func(c *Client) {
		c.handler = h
	}
}

// NewClient creates a client for server ("host:port"). It does not connect;
// call Start. Auto retry is off until SetAutoRetry(true).
func NewClient(server string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		server:     server,
		retryDelay: DefaultRetryDelay,
		path:       DefaultPath,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}

	wsScheme, httpScheme := "ws", "http"
	if c.secure {
		wsScheme, httpScheme = "wss", "https"
	}
	if !strings.HasPrefix(c.path, "/") {
		c.path = "/" + c.path
	}
	c.url = fmt.Sprintf("%s://%s%s", wsScheme, server, c.path)
	c.probeURL = fmt.Sprintf("%s://%s", httpScheme, server)

	tlsCfg, err := c.tlsConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to setup TLS configuration: %w", err)
	}
	c.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  tlsCfg,
	}
	if c.prober == nil {
		c.prober = NewHTTPProber(DefaultProbeTimeout, tlsCfg)
	}
	return c, nil
}

func (c *Client) Server() string   { return c.server }
func (c *Client) URL() string      { return c.url }
func (c *Client) ProbeURL() string { return c.probeURL }

// SetHandler replaces the event handler. Set it before Start.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// DisconnectCount counts transitions from connected to disconnected.
func (c *Client) DisconnectCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectCount
}

func (c *Client) AutoRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoRetry
}

// SetAutoRetry enables indefinite reconnection. Disabling it cancels a
// pending retry.
func (c *Client) SetAutoRetry(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoRetry = on
	if !on {
		c.stopRetryLocked()
	}
}

// Generation returns the id of the most recent Start.
func (c *Client) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Start begins a new connection attempt. It returns ErrStartTooSoon if called
// within MinStartInterval of the previous call. An open handle is terminated
// first and reported as a close of its own generation.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	now := time.Now()
	if !c.lastStart.IsZero() && now.Sub(c.lastStart) < MinStartInterval {
		c.mu.Unlock()
		return ErrStartTooSoon
	}
	c.lastStart = now
	c.stopRetryLocked()
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}

	var replaced *Event
	var session time.Duration
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		if c.connected {
			c.disconnectCount++
		}
		replaced = &Event{Kind: EventClose, Generation: c.generation, WasConnected: c.connected}
		session = now.Sub(c.sessionStart)
		c.connected = false
	}

	c.generation++
	gen := c.generation
	ctx, cancel := context.WithCancel(context.Background())
	c.attemptCancel = cancel
	c.mu.Unlock()

	if replaced != nil {
		logger.Debug("[%s] Terminated open connection before reconnecting", c.server)
		telemetry.IncWSDisconnect(context.Background(), c.server, telemetry.ReasonReplaced, "success")
		telemetry.ObserveWSSessionDuration(context.Background(), c.server, session.Seconds(), "success")
		c.emit(*replaced)
	}

	go c.attempt(ctx, gen)
	return nil
}

// Close stops retries, terminates the connection and makes further Start
// calls fail. No events are emitted afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stopRetryLocked()
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}
	c.connected = false
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil

	c.writeMux.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMux.Unlock()
	return conn.Close()
}

// Send writes msg as a text frame. Strings and byte slices are sent as-is,
// anything else is JSON encoded. It is a no-op while disconnected.
func (c *Client) Send(msg any) error {
	conn := c.currentConn()
	if conn == nil {
		return nil
	}

	var data []byte
	switch v := msg.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
	}

	logger.Debug("[%s] Sending message: %s", c.server, data)

	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	telemetry.IncWSMessage(context.Background(), c.server, "out", "text")
	return nil
}

// Ping sends a ping control frame. It is a no-op while disconnected.
func (c *Client) Ping() error {
	return c.writeControl(websocket.PingMessage, "ping")
}

// Pong sends an unsolicited pong control frame. It is a no-op while disconnected.
func (c *Client) Pong() error {
	return c.writeControl(websocket.PongMessage, "pong")
}

func (c *Client) writeControl(messageType int, label string) error {
	conn := c.currentConn()
	if conn == nil {
		return nil
	}
	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	if err := conn.WriteControl(messageType, []byte{}, time.Now().Add(writeWait)); err != nil {
		return err
	}
	telemetry.IncWSMessage(context.Background(), c.server, "out", label)
	return nil
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	return c.conn
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && gen == c.generation
}

func (c *Client) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.deliver(ev)
}

// emitIfCurrent drops ev once a newer Start or Close has superseded its
// generation. A Start that supersedes it waits for an in-progress delivery,
// so its replacement close always follows.
func (c *Client) emitIfCurrent(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.isCurrent(ev.Generation) {
		c.deliver(ev)
	}
}

func (c *Client) deliver(ev Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// attempt runs the probe and, when it succeeds, dials the websocket.
func (c *Client) attempt(ctx context.Context, gen uint64) {
	mctx := context.Background()

	body, err := c.prober.Probe(ctx, c.probeURL)
	if !c.isCurrent(gen) {
		// superseded by a newer Start or Close
		return
	}
	if err != nil {
		telemetry.IncConnAttempt(mctx, c.server, telemetry.TransportProbe, "failure")
		telemetry.IncConnError(mctx, c.server, telemetry.TransportProbe, classifyConnError(err))
		c.emitIfCurrent(Event{Kind: EventProbe, Generation: gen, Err: err})
		c.scheduleRetry(gen, telemetry.ReasonProbeFailed)
		return
	}
	telemetry.IncConnAttempt(mctx, c.server, telemetry.TransportProbe, "success")
	c.emitIfCurrent(Event{Kind: EventProbe, Generation: gen, Body: body})

	c.dial(ctx, gen)
}

func (c *Client) dial(ctx context.Context, gen uint64) {
	mctx := context.Background()

	tr := otel.Tracer("wswatch")
	ctx, span := tr.Start(ctx, "ws.connect", trace.WithAttributes(attribute.String("server", c.server)))

	start := time.Now()
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	lat := time.Since(start).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		span.End()
		if !c.isCurrent(gen) {
			return
		}
		etype := classifyConnError(err)
		telemetry.IncConnAttempt(mctx, c.server, telemetry.TransportWebSocket, "failure")
		telemetry.IncConnError(mctx, c.server, telemetry.TransportWebSocket, etype)
		telemetry.ObserveWSConnectLatency(mctx, c.server, lat, "failure", etype)
		err = fmt.Errorf("failed to connect to WebSocket: %w", err)
		c.emitIfCurrent(Event{Kind: EventError, Generation: gen, Err: err})
		c.emitIfCurrent(Event{Kind: EventClose, Generation: gen})
		c.scheduleRetry(gen, telemetry.ReasonDialFailed)
		return
	}
	span.End()

	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.connected = true
	c.sessionStart = time.Now()
	c.mu.Unlock()

	telemetry.IncConnAttempt(mctx, c.server, telemetry.TransportWebSocket, "success")
	telemetry.ObserveWSConnectLatency(mctx, c.server, lat, "success", "")

	conn.SetPingHandler(func(appData string) error {
		telemetry.IncWSMessage(mctx, c.server, "in", "ping")
		c.emitIfCurrent(Event{Kind: EventPing, Generation: gen})
		c.writeMux.Lock()
		defer c.writeMux.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		telemetry.IncWSMessage(mctx, c.server, "in", "pong")
		c.emitIfCurrent(Event{Kind: EventPong, Generation: gen})
		return nil
	})

	c.emitIfCurrent(Event{Kind: EventOpen, Generation: gen})
	go c.readPump(conn, gen)
}

// readPump delivers frames until the handle fails, then reports the close.
func (c *Client) readPump(conn *websocket.Conn, gen uint64) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, gen, err)
			return
		}
		msgType := "text"
		if messageType == websocket.BinaryMessage {
			msgType = "binary"
		}
		telemetry.IncWSMessage(context.Background(), c.server, "in", msgType)
		c.emitIfCurrent(Event{Kind: EventMessage, Generation: gen, Payload: data})
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// replaced by Start or torn down by Close; already accounted for
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = nil
	wasConnected := c.connected
	if wasConnected {
		c.disconnectCount++
	}
	c.connected = false
	session := time.Since(c.sessionStart)
	c.mu.Unlock()
	_ = conn.Close()

	mctx := context.Background()
	result, reason := classifyWSDisconnect(err)
	telemetry.IncWSDisconnect(mctx, c.server, reason, result)
	telemetry.ObserveWSSessionDuration(mctx, c.server, session.Seconds(), result)
	if result == "error" {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
			logger.Error("[%s] WebSocket read error: %v", c.server, err)
		} else {
			logger.Debug("[%s] WebSocket connection closed: %v", c.server, err)
		}
	}

	if reportableReadError(reason) {
		c.emitIfCurrent(Event{Kind: EventError, Generation: gen, Err: err})
	}
	c.emitIfCurrent(Event{Kind: EventClose, Generation: gen, WasConnected: wasConnected})

	retryReason := telemetry.ReasonPeerClose
	switch reason {
	case "timeout":
		retryReason = telemetry.ReasonTimeout
	case "connection_reset", "read_error":
		retryReason = telemetry.ReasonError
	}
	c.scheduleRetry(gen, retryReason)
}

// scheduleRetry arms the single retry timer when auto retry is on and gen is
// still the current attempt. A newer Start or Close cancels it.
func (c *Client) scheduleRetry(gen uint64, reason string) {
	c.mu.Lock()
	if c.closed || !c.autoRetry || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.stopRetryLocked()
	c.retryTimer = time.AfterFunc(c.retryDelay, func() { c.retry(gen) })
	delay := c.retryDelay
	c.mu.Unlock()

	logger.Debug("[%s] Reconnecting in %v (%s)", c.server, delay, reason)
	telemetry.IncWSReconnect(context.Background(), c.server, reason)
}

func (c *Client) retry(gen uint64) {
	if !c.isCurrent(gen) {
		return
	}
	if err := c.Start(); err != nil {
		logger.Debug("[%s] Scheduled reconnect skipped: %v", c.server, err)
	}
}

func (c *Client) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// reportableReadError selects read failures worth surfacing as EventError.
// Orderly closes and EOFs are reported by EventClose alone.
func reportableReadError(reason string) bool {
	switch reason {
	case "timeout", "connection_reset", "read_error":
		return true
	default:
		return false
	}
}

// classifyConnError maps to fixed, low-cardinality error_type values.
// Allowed enum: dial_timeout, tls_handshake, refused, io_error
func classifyConnError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "refused"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "dial_timeout"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "tls") || strings.Contains(msg, "certificate"):
		return "tls_handshake"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return "dial_timeout"
	case strings.Contains(msg, "refused"):
		return "refused"
	default:
		return "io_error"
	}
}

func classifyWSDisconnect(err error) (result, reason string) {
	if err == nil {
		return "success", "normal"
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return "success", "normal"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "error", "timeout"
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return "error", "unexpected_close"
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "error", "eof"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "eof"):
		return "error", "eof"
	case strings.Contains(msg, "reset"):
		return "error", "connection_reset"
	default:
		return "error", "read_error"
	}
}
