package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/bridge.ini"
)

// Session backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendBolt     = "bolt"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// BridgeConfig describes runtime options for the bridge daemon.
type BridgeConfig struct {
	Environment string
	HTTPAddress string

	LogFile   string
	LogLevel  string
	LogFormat string

	// Upstream account
	BaseURL   string
	AuthToken string
	Cookies   string

	// ValidTokens are the client bearer tokens; empty disables auth.
	ValidTokens []string

	SessionBackend string
	SessionPath    string
	SessionDSN     string
	SessionTable   string
	RedisPrefix    string

	DeleteAfterChat bool
	SyncOnStart     bool
	SyncConcurrency int

	ModelAliasesFile string
	DefaultModel     string

	UpstreamTimeout time.Duration
	UpstreamRPS     float64
	UpstreamBurst   int

	UploadRejectExpired bool
	MaxImageBytes       int64

	// ClientRPS enables per-client throttling of protected routes when positive.
	ClientRPS   float64
	ClientBurst int
	// RateLimitRedisURL shares buckets between instances; empty keeps them in memory.
	RateLimitRedisURL string
}

// LoadBridgeConfig reads the current environment and loads the matching
// bridge.ini. Environment variables take precedence over both files.
func LoadBridgeConfig(root string) (BridgeConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return BridgeConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return BridgeConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(env, key string, def ...string) string {
		return firstNonEmpty(append([]string{os.Getenv(env), merged[key]}, def...)...)
	}

	cfg := BridgeConfig{
		Environment:       s.Environment,
		HTTPAddress:       get("QWEN_HTTP_ADDRESS", "http_address", ":8000"),
		LogFile:           get("QWEN_LOG_FILE", "log_file"),
		LogLevel:          get("QWEN_LOG_LEVEL", "log_level", "info"),
		LogFormat:         get("QWEN_LOG_FORMAT", "log_format", "json"),
		BaseURL:           strings.TrimRight(get("QWEN_BASE_URL", "base_url", "https://chat.qwen.ai"), "/"),
		AuthToken:         strings.TrimSpace(get("QWEN_AUTH_TOKEN", "auth_token")),
		Cookies:           get("QWEN_COOKIES", "cookies"),
		ValidTokens:       parseTokenList(get("VALID_TOKENS", "valid_tokens")),
		SessionBackend:    strings.ToLower(get("QWEN_SESSION_BACKEND", "session_backend", BackendSQLite)),
		SessionPath:       get("QWEN_SESSION_PATH", "session_path", filepath.Join("db", "chat_history.db")),
		SessionDSN:        get("QWEN_SESSION_DSN", "session_dsn"),
		SessionTable:      get("QWEN_SESSION_TABLE", "session_table", "chat_sessions"),
		RedisPrefix:       get("QWEN_REDIS_PREFIX", "redis_prefix", "qwen:session"),
		DeleteAfterChat:   parseBool(get("QWEN_DELETE_AFTER_CHAT", "delete_after_chat")),
		SyncOnStart:       parseOptionalBool(get("QWEN_SYNC_ON_START", "sync_on_start"), true),
		ModelAliasesFile:  get("QWEN_MODEL_ALIASES_FILE", "model_aliases_file"),
		RateLimitRedisURL: get("QWEN_RATELIMIT_REDIS_URL", "ratelimit_redis_url"),
		DefaultModel:      get("QWEN_DEFAULT_MODEL", "default_model", "qwen3-235b-a22b"),

		UploadRejectExpired: parseOptionalBool(get("QWEN_UPLOAD_REJECT_EXPIRED", "upload_reject_expired"), true),
	}

	if cfg.SyncConcurrency, err = parseInt("sync_concurrency", get("QWEN_SYNC_CONCURRENCY", "sync_concurrency"), 4); err != nil {
		return BridgeConfig{}, err
	}
	if cfg.UpstreamBurst, err = parseInt("upstream_burst", get("QWEN_UPSTREAM_BURST", "upstream_burst"), 1); err != nil {
		return BridgeConfig{}, err
	}
	if cfg.ClientBurst, err = parseInt("client_burst", get("QWEN_CLIENT_BURST", "client_burst"), 10); err != nil {
		return BridgeConfig{}, err
	}
	maxImage, err := parseInt("max_image_bytes", get("QWEN_MAX_IMAGE_BYTES", "max_image_bytes"), 10<<20)
	if err != nil {
		return BridgeConfig{}, err
	}
	cfg.MaxImageBytes = int64(maxImage)

	if cfg.UpstreamRPS, err = parseFloat("upstream_rps", get("QWEN_UPSTREAM_RPS", "upstream_rps")); err != nil {
		return BridgeConfig{}, err
	}
	if cfg.ClientRPS, err = parseFloat("client_rps", get("QWEN_CLIENT_RPS", "client_rps")); err != nil {
		return BridgeConfig{}, err
	}
	timeout := get("QWEN_UPSTREAM_TIMEOUT", "upstream_timeout", "10m")
	if cfg.UpstreamTimeout, err = time.ParseDuration(strings.TrimSpace(timeout)); err != nil {
		return BridgeConfig{}, fmt.Errorf("invalid upstream_timeout %q: %w", timeout, err)
	}

	if err := cfg.Validate(); err != nil {
		return BridgeConfig{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c BridgeConfig) Validate() error {
	switch c.SessionBackend {
	case BackendSQLite, BackendBolt:
		if c.SessionPath == "" {
			return fmt.Errorf("session_path is required for the %s backend", c.SessionBackend)
		}
	case BackendPostgres, BackendRedis:
		if c.SessionDSN == "" {
			return fmt.Errorf("session_dsn is required for the %s backend", c.SessionBackend)
		}
	default:
		return fmt.Errorf("unknown session_backend %q", c.SessionBackend)
	}
	if c.SyncConcurrency <= 0 {
		return fmt.Errorf("sync_concurrency must be positive, got %d", c.SyncConcurrency)
	}
	if c.ClientRPS < 0 || c.UpstreamRPS < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.MaxImageBytes <= 0 {
		return fmt.Errorf("max_image_bytes must be positive, got %d", c.MaxImageBytes)
	}
	return nil
}

func parseFloat(key, v string) (float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

// AuthEnabled reports whether client requests need a bearer token.
func (c BridgeConfig) AuthEnabled() bool {
	return len(c.ValidTokens) > 0
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

// parseTokenList accepts a JSON string array or a comma separated list.
func parseTokenList(input string) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	if strings.HasPrefix(input, "[") && gjson.Valid(input) {
		var out []string
		for _, v := range gjson.Parse(input).Array() {
			if s := strings.TrimSpace(v.String()); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return parseCSV(input)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseInt(key, v string, fallback int) (int, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return parsed, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
