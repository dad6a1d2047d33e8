// Package qwen talks to the chat.qwen.ai web API the way the browser client
// does: account bootstrap, chat lifecycle, streamed completions, STS upload
// grants and history listing.
package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
)

const DefaultBaseURL = "https://chat.qwen.ai"

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config wires a Client.
type Config struct {
	BaseURL     string
	Credentials Credentials
	HTTPClient  HTTPClient
	// Limiter paces every upstream call when set.
	Limiter *rate.Limiter
	Models  *Resolver
	Logger  *zap.Logger
	Now     func() time.Time
}

// Client is the long-lived upstream handle. Credentials and the bootstrapped
// account are swapped atomically; everything else is read-only after New.
type Client struct {
	baseURL string
	http    HTTPClient
	limiter *rate.Limiter
	models  *Resolver
	logger  *zap.Logger
	now     func() time.Time

	creds   atomic.Pointer[Credentials]
	account atomic.Pointer[Account]
	refresh singleflight.Group
}

// New builds a client. The account is empty until Refresh succeeds.
func New(cfg Config) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("qwen: invalid base URL %q", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	models := cfg.Models
	if models == nil {
		models = NewResolver(nil, "")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &Client{
		baseURL: base,
		http:    httpClient,
		limiter: cfg.Limiter,
		models:  models,
		logger:  logger.Named("qwen"),
		now:     now,
	}
	creds := cfg.Credentials
	c.creds.Store(&creds)
	c.account.Store(&Account{})
	return c, nil
}

// Credentials returns the current credential snapshot.
func (c *Client) Credentials() Credentials {
	return *c.creds.Load()
}

// SwapCredentials replaces token and cookies in one step and returns the old
// value. The account is not refreshed.
func (c *Client) SwapCredentials(next Credentials) Credentials {
	return *c.creds.Swap(&next)
}

// Account returns the last bootstrapped account; never nil.
func (c *Client) Account() *Account {
	return c.account.Load()
}

// Models is the alias resolver in use.
func (c *Client) Models() *Resolver {
	return c.models
}

// ResolveModel maps a client model name to a live upstream model id.
func (c *Client) ResolveModel(name string) string {
	return c.models.Resolve(name, c.Account().HasModel)
}

// RequireAccount fails with an authentication error when bootstrap has not
// produced user info and models.
func (c *Client) RequireAccount() (*Account, error) {
	acct := c.Account()
	if acct.Valid() {
		return acct, nil
	}
	msg := "QWEN_AUTH_TOKEN 无效或未设置，无法处理聊天请求。"
	if missing := c.Credentials().Cookies.MissingCritical(); len(missing) > 0 {
		msg += " 缺少关键Cookie参数: " + strings.Join(missing, ", ")
	}
	return nil, apierr.Authentication(http.StatusUnauthorized, msg)
}

// StatusError is a non-2xx upstream response. Body is truncated and never
// includes request headers.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("qwen: %s %s: HTTP %d", e.Method, e.Path, e.Status)
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req.Header)
	return req, nil
}

func (c *Client) setHeaders(h http.Header) {
	creds := c.Credentials()
	h.Set("Accept", "application/json")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9")
	h.Set("Content-Type", "application/json; charset=UTF-8")
	h.Set("Source", "web")
	h.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36")
	h.Set("Sec-Ch-Ua", `"Not A(Brand";v="8", "Chromium";v="132", "Google Chrome";v="132"`)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("Bx-V", "2.5.31")
	h.Set("Timezone", c.now().Format("Mon Jan 02 2006 15:04:05 GMT-0700"))
	h.Set("Authorization", "Bearer "+creds.Token)
	if cookies := creds.Cookies.Essential(); cookies.Len() > 0 {
		h.Set("Cookie", cookies.Header())
	}
}

// send performs req after the limiter admits it and maps non-2xx statuses to
// *StatusError. The caller owns the body on success.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Method: req.Method, Path: req.URL.Path, Status: resp.StatusCode, Body: string(data)}
	}
	return resp, nil
}

// doRaw returns the body of a successful call.
func (c *Client) doRaw(ctx context.Context, method, path string, payload any) ([]byte, http.Header, error) {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.send(req)
	if err != nil {
		return nil, nil, transportError(method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, transportError(method, path, err)
	}
	return data, resp.Header, nil
}

func transportError(method, path string, err error) error {
	var se *StatusError
	if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden) {
		return apierr.Wrap(apierr.KindAuthentication, "upstream rejected credentials", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apierr.Wrap(apierr.KindUpstreamTransport, fmt.Sprintf("upstream %s %s failed", method, path), err)
}
