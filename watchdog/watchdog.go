package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fosrl/wswatch/internal/state"
	"github.com/fosrl/wswatch/internal/telemetry"
	"github.com/fosrl/wswatch/logger"
	"github.com/fosrl/wswatch/websocket"
)

// Notifier dispatches one alert. Implementations must not block.
type Notifier interface {
	Notify(title, description, channelKey string)
}

// Conn is the part of websocket.Client the watchdog drives.
type Conn interface {
	Server() string
	Start() error
	Send(msg any) error
	SetAutoRetry(on bool)
	SetHandler(h websocket.Handler)
	DisconnectCount() uint64
	Close() error
}

// Watchdog applies connection events to one server's health State and
// executes the resulting effects.
type Watchdog struct {
	server   string
	key      string
	policy   Policy
	conn     Conn
	notifier Notifier
	log      *logger.Logger
	view     *state.TelemetryView
	now      func() time.Time
	onFatal  func(kind string, err error)

	mu    sync.Mutex
	state State
}

type Option func(*Watchdog)

// WithKey sets the alert channel key. An empty key disables alerts.
func WithKey(key string) Option {
	return func(w *Watchdog) { w.key = key }
}

func WithPolicy(p Policy) Option {
	return func(w *Watchdog) { w.policy = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

func WithLogger(l *logger.Logger) Option {
	return func(w *Watchdog) { w.log = l }
}

// WithStateView publishes health changes to v.
func WithStateView(v *state.TelemetryView) Option {
	return func(w *Watchdog) { w.view = v }
}

// WithFatalHandler receives panics recovered while handling an event.
func WithFatalHandler(fn func(kind string, err error)) Option {
	return func(w *Watchdog) { w.onFatal = fn }
}

// New creates a watchdog for conn. It does not connect until Start.
func New(conn Conn, notifier Notifier, opts ...Option) *Watchdog {
	w := &Watchdog{
		server:   conn.Server(),
		policy:   DefaultPolicy(20 * time.Second),
		conn:     conn,
		notifier: notifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = logger.GetLogger()
	}
	w.log = w.log.With("server", w.server)
	if w.view != nil {
		w.view.Register(w.server)
	}
	return w
}

func (w *Watchdog) Server() string { return w.server }

// State returns a copy of the current health state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start subscribes to the connection, enables auto retry and starts the
// first attempt.
func (w *Watchdog) Start() error {
	w.conn.SetHandler(w.Handle)
	w.conn.SetAutoRetry(true)
	return w.conn.Start()
}

// Stop closes the connection. No further events are handled.
func (w *Watchdog) Stop() error {
	w.conn.SetAutoRetry(false)
	return w.conn.Close()
}

// Handle applies one event. Events are serialized per watchdog.
func (w *Watchdog) Handle(ev websocket.Event) {
	if w.onFatal != nil {
		defer func() {
			if r := recover(); r != nil {
				w.onFatal("panic", fmt.Errorf("%v", r))
			}
		}()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	in := Input{Event: ev, Now: w.now(), Disconnects: w.conn.DisconnectCount()}
	prev := w.state
	next, effects := Apply(w.policy, prev, in)
	w.state = next

	w.publish(prev, next, in)
	for _, eff := range effects {
		w.execute(eff, in.Now)
	}
}

func (w *Watchdog) execute(eff Effect, now time.Time) {
	ctx := context.Background()
	switch eff.Kind {
	case EffectLog:
		w.logAt(eff.Level, eff.Message)
	case EffectNotify:
		result := "sent"
		if w.key == "" {
			result = "skipped"
		}
		telemetry.IncNotification(ctx, eff.Reason, result)
		if w.view != nil {
			w.view.IncNotifications(w.server)
		}
		w.notifier.Notify(w.server, eff.Description, w.key)
	case EffectSendInit:
		if err := w.conn.Send(eff.Init); err != nil {
			w.log.Warn("Failed to send init message: %v", err)
		}
	case EffectHeartbeatGap:
		telemetry.ObserveHeartbeatGap(ctx, w.server, eff.Gap.Seconds())
	}
}

func (w *Watchdog) logAt(level slog.Level, msg string) {
	switch {
	case level >= slog.LevelError:
		w.log.Error("%s", msg)
	case level >= slog.LevelWarn:
		w.log.Warn("%s", msg)
	case level >= slog.LevelInfo:
		w.log.Info("%s", msg)
	default:
		w.log.Debug("%s", msg)
	}
}

// publish mirrors the transition into the shared state view.
func (w *Watchdog) publish(prev, next State, in Input) {
	if w.view == nil {
		return
	}
	if prev.Connected != next.Connected {
		w.view.SetOnline(w.server, next.Connected)
		if !next.Connected {
			w.view.IncDisconnects(w.server)
		}
	}
	if next.Down() {
		w.view.MarkDown(w.server, next.DownSince)
	}
	if in.Event.Kind == websocket.EventPing && next.LastPingAt.Equal(in.Now) {
		w.view.TouchHeartbeat(w.server, in.Now)
	}
}
