// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a .env file in the working directory. Environment variables take
// precedence over the .env file.
//
// The gateway can start with nothing but GATEWAY_API_KEYS set (legacy mode):
// every other variable has a working default. A structured client directory
// is enabled by pointing CLIENT_CONFIG_PATH at a clients.json file or by
// setting CLIENT_STORE_BACKEND=dynamodb.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// PII action modes. Applied to request content via PII_ACTION and to model
// output via RESPONSE_PII_ACTION.
const (
	PIIActionRedact  = "redact"
	PIIActionBlock   = "block"
	PIIActionLogOnly = "log_only"
)

// Client store backends.
const (
	StoreBackendJSON     = "json"
	StoreBackendDynamoDB = "dynamodb"
)

// Config is the immutable settings snapshot shared by all subsystems.
// It is read once at startup and never mutated afterwards.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// GatewayAPIKeys is the legacy comma-separated list of accepted client
	// keys. Consulted only when the client directory has no record for the
	// presented key. Empty disables the legacy fallback entirely.
	GatewayAPIKeys string

	// UpstreamBaseURL is the OpenAI-compatible endpoint requests are forwarded
	// to, e.g. "https://api.openai.com".
	UpstreamBaseURL string

	// UpstreamAPIKey is the global upstream credential, used when a client
	// record carries no per-client key.
	UpstreamAPIKey string

	// InjectionThreshold is the cumulative risk score at which a prompt is
	// blocked. Default: 0.7.
	InjectionThreshold float64

	// PIIAction is applied to PII found in request content:
	// redact | block | log_only. Default: redact.
	PIIAction string

	// ResponsePIIAction is applied to PII found in model output.
	// Redaction is never performed on responses; "redact" behaves like
	// "log_only" there. Default: log_only.
	ResponsePIIAction string

	// RateLimitRPM is the per-client requests-per-minute limit used for
	// legacy clients (directory records carry their own limit). Default: 60.
	RateLimitRPM int

	// ClientStoreBackend selects the client directory: json | dynamodb.
	ClientStoreBackend string

	// ClientConfigPath is the path to the JSON client directory file.
	ClientConfigPath string

	// DynamoDBTableName is the client table for the dynamodb backend.
	DynamoDBTableName string

	// DynamoDBEndpointURL overrides the DynamoDB endpoint (local mocks).
	DynamoDBEndpointURL string

	// AWSRegion is used by the DynamoDB store and the Bedrock provider.
	AWSRegion string

	// AuditLogFile is an optional file sink for audit records in addition to
	// stdout. Empty = stdout only.
	AuditLogFile string

	// RedisURL switches the rate limiter to the Redis-backed sliding window
	// shared across replicas. Empty = in-process windows.
	RedisURL string

	// UpstreamConnectTimeout bounds connection establishment to the upstream.
	// Default: 10s.
	UpstreamConnectTimeout time.Duration

	// UpstreamTimeout bounds the whole upstream exchange. Default: 60s.
	UpstreamTimeout time.Duration

	// ServerlessFunctionName is non-empty when running under AWS Lambda
	// (AWS_LAMBDA_FUNCTION_NAME). SSE streaming is rejected there: the
	// API Gateway adapter buffers the whole response.
	ServerlessFunctionName string
}

// Load reads configuration from environment variables and (optionally) from
// a .env file in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("GATEWAY_API_KEYS", "")
	v.SetDefault("UPSTREAM_BASE_URL", "https://api.openai.com")
	v.SetDefault("UPSTREAM_API_KEY", "")
	v.SetDefault("INJECTION_THRESHOLD", 0.7)
	v.SetDefault("PII_ACTION", PIIActionRedact)
	v.SetDefault("RESPONSE_PII_ACTION", PIIActionLogOnly)
	v.SetDefault("RATE_LIMIT_RPM", 60)
	v.SetDefault("CLIENT_STORE_BACKEND", StoreBackendJSON)
	v.SetDefault("CLIENT_CONFIG_PATH", "clients.json")
	v.SetDefault("DYNAMODB_TABLE_NAME", "llm-gateway-clients")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("AUDIT_LOG_FILE", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("UPSTREAM_CONNECT_TIMEOUT", "10s")
	v.SetDefault("UPSTREAM_TIMEOUT", "60s")

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		GatewayAPIKeys:  v.GetString("GATEWAY_API_KEYS"),
		UpstreamBaseURL: v.GetString("UPSTREAM_BASE_URL"),
		UpstreamAPIKey:  v.GetString("UPSTREAM_API_KEY"),

		InjectionThreshold: v.GetFloat64("INJECTION_THRESHOLD"),
		PIIAction:          strings.ToLower(v.GetString("PII_ACTION")),
		ResponsePIIAction:  strings.ToLower(v.GetString("RESPONSE_PII_ACTION")),
		RateLimitRPM:       v.GetInt("RATE_LIMIT_RPM"),

		ClientStoreBackend:  strings.ToLower(v.GetString("CLIENT_STORE_BACKEND")),
		ClientConfigPath:    v.GetString("CLIENT_CONFIG_PATH"),
		DynamoDBTableName:   v.GetString("DYNAMODB_TABLE_NAME"),
		DynamoDBEndpointURL: v.GetString("DYNAMODB_ENDPOINT_URL"),
		AWSRegion:           v.GetString("AWS_REGION"),

		AuditLogFile: v.GetString("AUDIT_LOG_FILE"),
		RedisURL:     v.GetString("REDIS_URL"),

		UpstreamConnectTimeout: v.GetDuration("UPSTREAM_CONNECT_TIMEOUT"),
		UpstreamTimeout:        v.GetDuration("UPSTREAM_TIMEOUT"),

		ServerlessFunctionName: os.Getenv("AWS_LAMBDA_FUNCTION_NAME"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.InjectionThreshold <= 0 {
		return fmt.Errorf("config: INJECTION_THRESHOLD must be > 0, got %v", c.InjectionThreshold)
	}

	for name, action := range map[string]string{
		"PII_ACTION":          c.PIIAction,
		"RESPONSE_PII_ACTION": c.ResponsePIIAction,
	} {
		switch action {
		case PIIActionRedact, PIIActionBlock, PIIActionLogOnly:
		default:
			return fmt.Errorf("config: invalid %s %q; must be one of: redact, block, log_only", name, action)
		}
	}

	if c.RateLimitRPM < 1 {
		return fmt.Errorf("config: RATE_LIMIT_RPM must be ≥ 1, got %d", c.RateLimitRPM)
	}

	switch c.ClientStoreBackend {
	case StoreBackendJSON, StoreBackendDynamoDB:
	default:
		return fmt.Errorf("config: invalid CLIENT_STORE_BACKEND %q; must be one of: json, dynamodb", c.ClientStoreBackend)
	}

	if c.UpstreamConnectTimeout <= 0 || c.UpstreamTimeout <= 0 {
		return errors.New("config: upstream timeouts must be positive durations")
	}

	return nil
}

// LegacyKeys parses the comma-separated GATEWAY_API_KEYS list, dropping empty
// entries. Order is preserved.
func (c *Config) LegacyKeys() []string {
	if c.GatewayAPIKeys == "" {
		return nil
	}
	parts := strings.Split(c.GatewayAPIKeys, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if k := strings.TrimSpace(p); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Serverless reports whether the process runs in an environment that cannot
// hold SSE connections open.
func (c *Config) Serverless() bool {
	return c.ServerlessFunctionName != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
