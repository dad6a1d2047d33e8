package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
)

// ModelInfo is one entry of the upstream model list.
type ModelInfo struct {
	ID        string
	Name      string
	CreatedAt int64
	OwnedBy   string
}

// Account is the bootstrapped view of the signed-in user. A zero Account means
// bootstrap has not succeeded.
type Account struct {
	UserID   string
	UserInfo json.RawMessage
	Models   []ModelInfo
	Settings json.RawMessage

	index map[string]int
}

// Valid reports whether user info and models were loaded.
func (a *Account) Valid() bool {
	return a != nil && len(a.UserInfo) > 0 && len(a.Models) > 0
}

// HasModel reports whether id is in the live model list.
func (a *Account) HasModel(id string) bool {
	if a == nil {
		return false
	}
	_, ok := a.index[id]
	return ok
}

// ThinkingBudget returns the per-model default budget from user settings.
func (a *Account) ThinkingBudget(model string) (int, bool) {
	if a == nil || len(a.Settings) == 0 {
		return 0, false
	}
	v := gjson.GetBytes(a.Settings, "model_config."+gjson.Escape(model)+".thinking_budget")
	if !v.Exists() || v.Int() == 0 {
		return 0, false
	}
	return int(v.Int()), true
}

// UserIDOrUnknown is the id used in file descriptors.
func (a *Account) UserIDOrUnknown() string {
	if a == nil || a.UserID == "" {
		return "unknown"
	}
	return a.UserID
}

// ErrInvalidToken means the auth endpoint answered with a login page or nothing.
var ErrInvalidToken = errors.New("qwen: token rejected")

// Refresh re-runs the account bootstrap and swaps the result in atomically.
// Concurrent callers share one bootstrap.
func (c *Client) Refresh(ctx context.Context) (*Account, error) {
	v, err, _ := c.refresh.Do("account", func() (any, error) {
		acct, err := c.bootstrap(ctx)
		if err != nil {
			return nil, err
		}
		c.account.Store(acct)
		return acct, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Account), nil
}

func (c *Client) bootstrap(ctx context.Context) (*Account, error) {
	creds := c.Credentials()
	if strings.TrimSpace(creds.Token) == "" {
		return nil, apierr.New(apierr.KindAuthentication, "no upstream token configured")
	}
	log := c.logger.With(zap.String("token", creds.TokenPrefix()))

	user, _, err := c.doRaw(ctx, http.MethodGet, "/api/v1/auths/", nil)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(user)
	lower := bytes.ToLower(trimmed)
	if len(trimmed) == 0 || bytes.HasPrefix(lower, []byte("<!doctype")) || bytes.HasPrefix(lower, []byte("<html")) {
		return nil, apierr.Wrap(apierr.KindAuthentication, "upstream returned a login page", ErrInvalidToken)
	}
	if !gjson.ValidBytes(trimmed) {
		return nil, apierr.New(apierr.KindUpstreamTransport, "user info is not JSON")
	}

	modelsBody, _, err := c.doRaw(ctx, http.MethodGet, "/api/models", nil)
	if err != nil {
		return nil, err
	}
	data := gjson.GetBytes(modelsBody, "data")
	if !data.IsArray() {
		return nil, apierr.New(apierr.KindUpstreamTransport, "model list has no data array")
	}

	settingsBody, _, err := c.doRaw(ctx, http.MethodGet, "/api/v2/users/user/settings", nil)
	if err != nil {
		return nil, err
	}
	settings := gjson.GetBytes(settingsBody, "data")
	if !settings.Exists() {
		return nil, apierr.New(apierr.KindUpstreamTransport, "user settings have no data")
	}

	acct := &Account{
		UserID:   gjson.GetBytes(trimmed, "id").String(),
		UserInfo: json.RawMessage(trimmed),
		Settings: json.RawMessage(settings.Raw),
		index:    map[string]int{},
	}
	data.ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		if id == "" {
			return true
		}
		info := ModelInfo{
			ID:        m.Get("info.id").String(),
			Name:      m.Get("name").String(),
			CreatedAt: m.Get("info.created_at").Int(),
			OwnedBy:   m.Get("owned_by").String(),
		}
		if info.ID == "" {
			info.ID = id
		}
		if i, dup := acct.index[id]; dup {
			acct.Models[i] = info
			return true
		}
		acct.index[id] = len(acct.Models)
		acct.Models = append(acct.Models, info)
		return true
	})
	log.Info("account bootstrapped", zap.Int("models", len(acct.Models)), zap.String("user_id", acct.UserID))
	return acct, nil
}
