package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fosrl/wswatch/internal/state"
)

func TestHealthzListsServers(t *testing.T) {
	view := state.NewTelemetryView()
	view.Register("b:2")
	view.SetOnline("a:1", true)

	rec := httptest.NewRecorder()
	Handler(nil, view).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status  string `json:"status"`
		Servers []struct {
			Server string `json:"server"`
			Online bool   `json:"online"`
		} `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	require.Len(t, body.Servers, 2)
	assert.Equal(t, "a:1", body.Servers[0].Server)
	assert.True(t, body.Servers[0].Online)
	assert.False(t, body.Servers[1].Online)
}

func TestHealthzRejectsPost(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsMountedOnlyWhenProvided(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("wswatch_up 1\n"))
	})
	rec = httptest.NewRecorder()
	Handler(metrics, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wswatch_up 1\n", rec.Body.String())
}

func TestNewValidatesAddress(t *testing.T) {
	for _, addr := range []string{"", "not-an-address", "127.0.0.1:", ":99999"} {
		_, err := New(addr, http.NotFoundHandler())
		assert.Error(t, err, addr)
	}

	srv, err := New(":2112", http.NotFoundHandler())
	require.NoError(t, err)
	assert.NotNil(t, srv)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServeStopsOnCancel(t *testing.T) {
	addr := freeAddr(t)
	srv, err := New(addr, Handler(nil, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeReportsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv, err := New(ln.Addr().String(), Handler(nil, nil))
	require.NoError(t, err)
	assert.Error(t, srv.Serve(context.Background()))
}
