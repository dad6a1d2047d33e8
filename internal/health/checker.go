package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wwwzhouhui/qwen3-reverse/internal/qwen"
	"github.com/wwwzhouhui/qwen3-reverse/internal/session"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Component types. Failures of database and account components make the
// whole bridge unhealthy.
const (
	TypeDatabase   = "database"
	TypeAccount    = "account"
	TypeCredential = "credential"
	TypeContinuity = "continuity"
	TypeHTTP       = "http"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
	// Missing lists absent critical cookie names.
	Missing []string `json:"missing_critical,omitempty"`
}

// Component represents a system component that can be health-checked.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"`
	CheckResult
}

// AccountSource exposes the upstream account and credentials.
type AccountSource interface {
	Account() *qwen.Account
	Credentials() qwen.Credentials
}

// DegradedReporter reports whether continuity fell back to new threads only.
type DegradedReporter interface {
	Degraded() bool
}

// Checker performs health checks on bridge components.
type Checker struct {
	components []Component
	mu         sync.RWMutex

	store      session.Store
	upstream   AccountSource
	continuity DegradedReporter

	upstreamURL string
	httpClient  *http.Client

	storeTimeout    time.Duration
	maxStoreLatency time.Duration
}

// Config holds health checker configuration.
type Config struct {
	Store      session.Store
	Upstream   AccountSource
	Continuity DegradedReporter

	// UpstreamURL is probed for reachability when set.
	UpstreamURL string
	HTTPClient  *http.Client

	StoreTimeout    time.Duration
	HTTPTimeout     time.Duration
	MaxStoreLatency time.Duration
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxStoreLatency == 0 {
		cfg.MaxStoreLatency = 100 * time.Millisecond
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	return &Checker{
		store:           cfg.Store,
		upstream:        cfg.Upstream,
		continuity:      cfg.Continuity,
		upstreamURL:     cfg.UpstreamURL,
		httpClient:      client,
		storeTimeout:    cfg.StoreTimeout,
		maxStoreLatency: cfg.MaxStoreLatency,
	}
}

// Check performs all health checks and returns overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, 5)

	if c.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkStore(ctx)
		}()
	}
	if c.upstreamURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkHTTPEndpoint(ctx, "upstream_api", c.upstreamURL)
		}()
	}
	if c.upstream != nil {
		results <- c.checkAccount()
		results <- c.checkCookies()
	}
	if c.continuity != nil {
		results <- c.checkContinuity()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0, 5)
	for comp := range results {
		components = append(components, comp)
	}

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return c.calculateOverallStatus(components)
}

func newComponent(name, typ string) Component {
	return Component{Name: name, Type: typ, CheckResult: CheckResult{Timestamp: time.Now()}}
}

// checkStore pings the session store when it supports it.
func (c *Checker) checkStore(ctx context.Context) Component {
	comp := newComponent("session_store", TypeDatabase)
	pinger, ok := c.store.(session.Pinger)
	if !ok {
		comp.Status = StatusHealthy
		comp.Message = "Open"
		return comp
	}

	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	err := pinger.Ping(pingCtx)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Session store unreachable"
		return comp
	}
	if comp.Latency > c.maxStoreLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	} else {
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

func (c *Checker) checkAccount() Component {
	comp := newComponent("upstream_account", TypeAccount)
	acct := c.upstream.Account()
	if !acct.Valid() {
		comp.Status = StatusUnhealthy
		comp.Message = "Account bootstrap incomplete"
		return comp
	}
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("%d models available", len(acct.Models))
	return comp
}

func (c *Checker) checkCookies() Component {
	comp := newComponent("cookies", TypeCredential)
	missing := c.upstream.Credentials().Cookies.MissingCritical()
	if len(missing) > 0 {
		comp.Status = StatusDegraded
		comp.Missing = missing
		comp.Message = "Missing critical cookies: " + strings.Join(missing, ", ")
		return comp
	}
	comp.Status = StatusHealthy
	comp.Message = "Critical cookies present"
	return comp
}

func (c *Checker) checkContinuity() Component {
	comp := newComponent("continuity", TypeContinuity)
	if c.continuity.Degraded() {
		comp.Status = StatusDegraded
		comp.Message = "Session writes failed; every request starts a new thread"
		return comp
	}
	comp.Status = StatusHealthy
	comp.Message = "Matching"
	return comp
}

// checkHTTPEndpoint checks if an HTTP endpoint is reachable.
func (c *Checker) checkHTTPEndpoint(ctx context.Context, name, baseURL string) Component {
	comp := newComponent(name, TypeHTTP)
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Latency = time.Since(start)
		return comp
	}

	resp, err := c.httpClient.Do(req)
	comp.Latency = time.Since(start)
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
		return comp
	}
	defer resp.Body.Close()

	// Any response counts as reachable.
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)
	return comp
}

// calculateOverallStatus determines overall health based on component statuses.
func (c *Checker) calculateOverallStatus(components []Component) HealthStatus {
	overallStatus := StatusHealthy
	criticalUnhealthy := false

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Type == TypeDatabase || comp.Type == TypeAccount {
				criticalUnhealthy = true
			}
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		case StatusDegraded:
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		}
	}
	if criticalUnhealthy {
		overallStatus = StatusUnhealthy
	}

	return HealthStatus{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// HealthStatus represents the overall health of the bridge.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return HealthStatus{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
		}
	}
	return c.calculateOverallStatus(c.components)
}
