// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
)

// Upstream is a loopback server standing in for a remote service. It records
// the method and path of every request it serves.
type Upstream struct {
	URL string

	server    *http.Server
	transport *http.Transport
	client    *http.Client

	mu    sync.Mutex
	calls []string
}

// NewUpstream serves handler on the IPv4 loopback interface and closes it when
// the test ends. The test is skipped when tcp4 loopback is unavailable.
func NewUpstream(t *testing.T, handler http.Handler) *Upstream {
	t.Helper()
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	transport := &http.Transport{}
	u := &Upstream{
		URL:       "http://" + l.Addr().String(),
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
	u.server = &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.calls = append(u.calls, r.Method+" "+r.URL.Path)
		u.mu.Unlock()
		handler.ServeHTTP(w, r)
	})}
	go func() {
		if err := u.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("upstream serve error: %v", err)
		}
	}()
	t.Cleanup(u.Close)
	return u
}

// Client returns a client bound to the server's transport.
func (u *Upstream) Client() *http.Client {
	return u.client
}

// Calls returns "METHOD /path" for each request served so far.
func (u *Upstream) Calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

// Close shuts the server down. It is safe to call more than once.
func (u *Upstream) Close() {
	_ = u.server.Shutdown(context.Background())
	u.transport.CloseIdleConnections()
}
