package oss

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
	"github.com/wwwzhouhui/qwen3-reverse/internal/metrics"
)

type mockStrategy struct {
	name  string
	err   error
	calls atomic.Int32
}

func (m *mockStrategy) Name() string { return m.name }

func (m *mockStrategy) Upload(ctx context.Context, obj Object, cred Credential) (Result, error) {
	m.calls.Add(1)
	if m.err != nil {
		return Result{}, m.err
	}
	return Result{URL: cred.ObjectURL(), Strategy: m.name}, nil
}

func newTestCoordinator(t *testing.T, single, multi *mockStrategy, m *metrics.Collector) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(CoordinatorConfig{Single: single, Multipart: multi, Metrics: m})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c
}

func TestCoordinatorChoosesBySizeAndKind(t *testing.T) {
	single := &mockStrategy{name: "post_form"}
	multi := &mockStrategy{name: "multipart"}
	c := newTestCoordinator(t, single, multi, nil)

	if p, _ := c.Choose(Object{Data: make([]byte, 1024)}); p != single {
		t.Fatalf("small image should go single-shot")
	}
	if p, _ := c.Choose(Object{Data: make([]byte, MultipartThreshold)}); p != single {
		t.Fatalf("threshold size should stay single-shot")
	}
	if p, _ := c.Choose(Object{Data: make([]byte, MultipartThreshold+1)}); p != multi {
		t.Fatalf("large blob should go multipart")
	}
	if p, _ := c.Choose(Object{Data: []byte("x"), Video: true}); p != multi {
		t.Fatalf("video should go multipart")
	}
}

func TestCoordinatorFallsBackOnce(t *testing.T) {
	m := metrics.NewCollector()
	single := &mockStrategy{name: "post_form", err: &StatusError{Op: "post form upload", Status: 403}}
	multi := &mockStrategy{name: "multipart"}
	c := newTestCoordinator(t, single, multi, m)

	res, err := c.Upload(context.Background(), Object{Data: []byte("img")}, testCredential())
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Strategy != "multipart" {
		t.Fatalf("expected fallback result, got %s", res.Strategy)
	}
	if single.calls.Load() != 1 || multi.calls.Load() != 1 {
		t.Fatalf("expected one attempt each, got %d/%d", single.calls.Load(), multi.calls.Load())
	}
	expected := `
# HELP qwen_bridge_upload_fallbacks_total Uploads that switched to the alternate strategy.
# TYPE qwen_bridge_upload_fallbacks_total counter
qwen_bridge_upload_fallbacks_total 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "qwen_bridge_upload_fallbacks_total"); err != nil {
		t.Fatalf("fallback metric: %v", err)
	}
}

func TestCoordinatorBothFail(t *testing.T) {
	single := &mockStrategy{name: "post_form", err: errors.New("boom")}
	multi := &mockStrategy{name: "multipart", err: errors.New("bang")}
	c := newTestCoordinator(t, single, multi, nil)

	_, err := c.Upload(context.Background(), Object{Data: []byte("x"), Video: true}, testCredential())
	if !apierr.Is(err, apierr.KindUpload) {
		t.Fatalf("expected upload error, got %v", err)
	}
	if single.calls.Load() != 1 || multi.calls.Load() != 1 {
		t.Fatalf("expected exactly one attempt per strategy, got %d/%d", single.calls.Load(), multi.calls.Load())
	}
}

func TestCoordinatorPreconditionSkipsAttempts(t *testing.T) {
	single := &mockStrategy{name: "post_form"}
	multi := &mockStrategy{name: "multipart"}
	c := newTestCoordinator(t, single, multi, nil)

	cred := testCredential()
	cred.AccessKeySecret = ""
	cred.TargetPath = ""
	_, err := c.Upload(context.Background(), Object{Data: []byte("x")}, cred)
	if !apierr.Is(err, apierr.KindSigningPrecondition) {
		t.Fatalf("expected signing precondition error, got %v", err)
	}
	if single.calls.Load()+multi.calls.Load() != 0 {
		t.Fatalf("no network attempt expected")
	}
}

func TestCoordinatorRejectsExpiredCredential(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	single := &mockStrategy{name: "post_form"}
	multi := &mockStrategy{name: "multipart"}
	c, err := NewCoordinator(CoordinatorConfig{Single: single, Multipart: multi, RejectExpired: true,
		Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	cred := testCredential()
	cred.Expiry = now.Add(-time.Second)
	if _, err := c.Upload(context.Background(), Object{Data: []byte("x")}, cred); !apierr.Is(err, apierr.KindUpload) {
		t.Fatalf("expected expiry rejection, got %v", err)
	}
	if single.calls.Load() != 0 {
		t.Fatalf("expired credential must not be used")
	}

	cred.Expiry = now.Add(time.Minute)
	if _, err := c.Upload(context.Background(), Object{Data: []byte("x")}, cred); err != nil {
		t.Fatalf("fresh credential rejected: %v", err)
	}
}

func TestCoordinatorPrefersPresignedURL(t *testing.T) {
	c := newTestCoordinator(t, &mockStrategy{name: "post_form"}, &mockStrategy{name: "multipart"}, nil)
	cred := testCredential()
	cred.PresignedURL = "https://signed.example/object?Expires=1"
	res, err := c.Upload(context.Background(), Object{Data: []byte("x")}, cred)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.URL != cred.PresignedURL {
		t.Fatalf("expected presigned url, got %s", res.URL)
	}
}

func TestCoordinatorNoFallbackAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	single := &mockStrategy{name: "post_form", err: context.Canceled}
	multi := &mockStrategy{name: "multipart"}
	c := newTestCoordinator(t, single, multi, nil)
	if _, err := c.Upload(ctx, Object{Data: []byte("x")}, testCredential()); err == nil {
		t.Fatalf("expected error")
	}
	if multi.calls.Load() != 0 {
		t.Fatalf("fallback attempted after cancellation")
	}
}
