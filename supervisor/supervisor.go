// Package supervisor runs one health watchdog per configured server and
// routes process-level failures through the notifier.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fosrl/wswatch/config"
	"github.com/fosrl/wswatch/internal/state"
	"github.com/fosrl/wswatch/internal/telemetry"
	"github.com/fosrl/wswatch/logger"
	"github.com/fosrl/wswatch/watchdog"
	"github.com/fosrl/wswatch/websocket"
)

const (
	KindPanic          = "panic"
	KindUnhandledError = "unhandled error"
)

type Supervisor struct {
	cfg        *config.Config
	notifier   watchdog.Notifier
	view       *state.TelemetryView
	log        *logger.Logger
	clientOpts []websocket.ClientOption

	watchdogs []*watchdog.Watchdog
	wg        sync.WaitGroup
}

type Option func(*Supervisor)

func WithStateView(v *state.TelemetryView) Option {
	return func(s *Supervisor) { s.view = v }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithClientOptions appends options to every websocket client.
func WithClientOptions(opts ...websocket.ClientOption) Option {
	return func(s *Supervisor) { s.clientOpts = append(s.clientOpts, opts...) }
}

// New builds a watchdog and connection for every server in cfg. Nothing is
// started until Run.
func New(cfg *config.Config, notifier watchdog.Notifier, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{cfg: cfg, notifier: notifier}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.GetLogger()
	}

	tlsConfig := websocket.TLSConfig{
		ClientCertFile: cfg.TLS.ClientCert,
		ClientKeyFile:  cfg.TLS.ClientKey,
		CAFiles:        cfg.TLS.CAFiles,
		PKCS12File:     cfg.TLS.PKCS12,
	}
	policy := watchdog.DefaultPolicy(cfg.HeartbeatTimeout())

	for _, server := range cfg.Servers {
		s.log.Info("Creating watchdog for %s", server)
		clientOpts := append([]websocket.ClientOption{
			websocket.WithSecure(cfg.Secure),
			websocket.WithPath(cfg.Path),
			websocket.WithTLSConfig(tlsConfig),
		}, s.clientOpts...)
		client, err := websocket.NewClient(server, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("create client for %s: %w", server, err)
		}

		wdOpts := []watchdog.Option{
			watchdog.WithKey(cfg.Key),
			watchdog.WithPolicy(policy),
			watchdog.WithLogger(s.log),
			watchdog.WithFatalHandler(s.Fatal),
		}
		if s.view != nil {
			wdOpts = append(wdOpts, watchdog.WithStateView(s.view))
		}
		s.watchdogs = append(s.watchdogs, watchdog.New(client, notifier, wdOpts...))
	}
	return s, nil
}

// Watchdogs returns the watchdogs in configuration order.
func (s *Supervisor) Watchdogs() []*watchdog.Watchdog {
	return s.watchdogs
}

// Run starts every watchdog and blocks until ctx is cancelled, then stops
// them and waits for goroutines started with Go.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.watchdogs) == 0 {
		s.log.Warn("No servers configured")
	}
	for _, w := range s.watchdogs {
		if err := w.Start(); err != nil {
			s.Fatal(KindUnhandledError, fmt.Errorf("start %s: %w", w.Server(), err))
		}
	}

	<-ctx.Done()

	var errs []error
	for _, w := range s.watchdogs {
		if err := w.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

// Go runs fn in a goroutine. A panic or returned error is routed to Fatal;
// neither stops the process.
func (s *Supervisor) Go(fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.Fatal(KindPanic, fmt.Errorf("%v", r))
			}
		}()
		if err := fn(); err != nil {
			s.Fatal(KindUnhandledError, err)
		}
	}()
}

// Fatal logs err and sends it to the alert channel with an empty title.
func (s *Supervisor) Fatal(kind string, err error) {
	s.log.Error("%s: %v", kind, err)
	result := "sent"
	if s.cfg.Key == "" {
		result = "skipped"
	}
	telemetry.IncNotification(context.Background(), telemetry.NotifyFatal, result)
	s.notifier.Notify("", kind+": \n"+err.Error(), s.cfg.Key)
}
