// Package notify dispatches alerts to the push-notification endpoint.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fosrl/wswatch/internal/telemetry"
	"github.com/fosrl/wswatch/logger"
)

const (
	DefaultEndpoint = "http://swan.botorange.com/wechat/swan/%s.send"
	DefaultPrefix   = "Server status monitor"
	DefaultTimeout  = 10 * time.Second

	maxResponseBody = 64 << 10
)

// ErrBadStatus is returned by Send for a non-200 response.
var ErrBadStatus = errors.New("notify: unexpected response status")

// Dispatcher sends alerts as GET requests carrying text and desp query
// parameters. Notify never blocks and never reports failures to the caller.
type Dispatcher struct {
	endpoint string
	prefix   string
	client   *http.Client
	log      *logger.Logger

	wg sync.WaitGroup
}

type Option func(*Dispatcher)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// New returns a dispatcher. endpoint must contain one %s for the channel key.
func New(endpoint, prefix string, opts ...Option) *Dispatcher {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	d := &Dispatcher{
		endpoint: endpoint,
		prefix:   prefix,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logger.GetLogger()
	}
	return d
}

// Notify dispatches in the background. An empty channelKey is a no-op.
func (d *Dispatcher) Notify(title, description, channelKey string) {
	if channelKey == "" {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := d.Send(ctx, title, description, channelKey); err != nil {
			if errors.Is(err, ErrBadStatus) {
				d.log.Warn("Push notification rejected: %v", err)
			} else {
				d.log.Error("Request to push endpoint failed: %v", err)
			}
		}
	}()
}

// Wait blocks until every dispatch started by Notify has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// URL builds the request URL for one alert.
func (d *Dispatcher) URL(title, description, channelKey string) string {
	q := url.Values{}
	q.Set("text", strings.TrimSpace(d.prefix+" "+title))
	q.Set("desp", description)
	base := fmt.Sprintf(d.endpoint, url.PathEscape(channelKey))
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

// Send performs one synchronous dispatch. A malformed JSON response body is
// not an error.
func (d *Dispatcher) Send(ctx context.Context, title, description, channelKey string) error {
	if channelKey == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL(title, description, channelKey), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		telemetry.IncConnAttempt(ctx, "", telemetry.TransportNotify, "failure")
		telemetry.IncConnError(ctx, "", telemetry.TransportNotify, "io_error")
		return err
	}
	defer resp.Body.Close()
	telemetry.IncConnAttempt(ctx, "", telemetry.TransportNotify, "success")

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		telemetry.IncConnError(ctx, "", telemetry.TransportNotify, "bad_status")
		return fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil
	}
	if d.log.Enabled(slog.LevelDebug) {
		out, _ := json.Marshal(decoded)
		d.log.Debug("Push endpoint returned: %s", out)
	}
	return nil
}
