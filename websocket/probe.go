package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultProbeTimeout bounds a single reachability probe.
	DefaultProbeTimeout = 5 * time.Second

	maxProbeBody = 64 << 10
)

// Prober performs a one-shot reachability check against url. It resolves with
// the response body for any HTTP status and fails only on transport errors.
type Prober interface {
	Probe(ctx context.Context, url string) (string, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, url string) (string, error)

func (f ProberFunc) Probe(ctx context.Context, url string) (string, error) { return f(ctx, url) }

// HTTPProber probes with a single HTTP GET. It never retries.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber returns a prober with the given timeout (DefaultProbeTimeout
// when zero) and optional TLS settings.
func NewHTTPProber(timeout time.Duration, tlsConfig *tls.Config) *HTTPProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		base.TLSClientConfig = tlsConfig
	}
	return &HTTPProber{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(base),
		},
	}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return "", fmt.Errorf("probe %s: read body: %w", url, err)
	}
	return string(body), nil
}
