package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzhouhui/qwen3-reverse/internal/qwen"
	"github.com/wwwzhouhui/qwen3-reverse/internal/session"
	"github.com/wwwzhouhui/qwen3-reverse/internal/session/sqlite"
)

type fakeAccount struct {
	acct  *qwen.Account
	creds qwen.Credentials
}

func (f fakeAccount) Account() *qwen.Account        { return f.acct }
func (f fakeAccount) Credentials() qwen.Credentials { return f.creds }

type flag bool

func (f flag) Degraded() bool { return bool(f) }

type brokenStore struct{ session.Store }

func (brokenStore) Ping(context.Context) error { return errors.New("connection refused") }

func validAccount() *qwen.Account {
	return &qwen.Account{
		UserInfo: json.RawMessage(`{"id":"u"}`),
		Models:   []qwen.ModelInfo{{ID: "qwen3-max"}, {ID: "qwen-vl-max"}},
	}
}

func byName(t *testing.T, status HealthStatus, name string) Component {
	t.Helper()
	for _, c := range status.Components {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("component %s missing", name)
	return Component{}
}

func TestCheckHealthy(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(upstream.Close)

	c := New(Config{
		Store:           store,
		Upstream:        fakeAccount{acct: validAccount(), creds: qwen.NewCredentials("tok", "cnaui=a; aui=b; token=tok")},
		Continuity:      flag(false),
		UpstreamURL:     upstream.URL,
		MaxStoreLatency: 1 << 40,
	})
	status := c.Check(context.Background())
	require.Equal(t, StatusHealthy, status.Status, "%+v", status.Components)
	require.Len(t, status.Components, 5)
	assert.Equal(t, "2 models available", byName(t, status, "upstream_account").Message)
	assert.Equal(t, "Reachable (HTTP 403)", byName(t, status, "upstream_api").Message)
	assert.Equal(t, status.Status, c.GetLastStatus().Status)
}

func TestCheckMissingCookiesDegrades(t *testing.T) {
	c := New(Config{
		Upstream:   fakeAccount{acct: validAccount(), creds: qwen.NewCredentials("tok", "token=tok")},
		Continuity: flag(false),
	})
	status := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	cookies := byName(t, status, "cookies")
	assert.Equal(t, []string{"cnaui", "aui"}, cookies.Missing)
}

func TestCheckDegradedContinuity(t *testing.T) {
	c := New(Config{Continuity: flag(true)})
	status := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusDegraded, byName(t, status, "continuity").Status)
}

func TestCheckInvalidAccountIsUnhealthy(t *testing.T) {
	c := New(Config{Upstream: fakeAccount{acct: &qwen.Account{}, creds: qwen.NewCredentials("", "")}})
	status := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
}

func TestCheckStoreFailureIsUnhealthy(t *testing.T) {
	c := New(Config{Store: brokenStore{}})
	status := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	comp := byName(t, status, "session_store")
	assert.Equal(t, "connection refused", comp.Error)
}

func TestGetLastStatusBeforeCheck(t *testing.T) {
	assert.Equal(t, StatusHealthy, New(Config{}).GetLastStatus().Status)
}
