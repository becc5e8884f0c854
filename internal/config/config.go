package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/telehealth/consult/internal/consult"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	InviteTTL       time.Duration `mapstructure:"INVITE_TTL"`
	MatchPolicy     string        `mapstructure:"MATCH_POLICY"`
	EnforceIdentity bool          `mapstructure:"ENFORCE_IDENTITY"`

	WSPingInterval    time.Duration `mapstructure:"WS_PING_INTERVAL"`
	WSPongTimeout     time.Duration `mapstructure:"WS_PONG_TIMEOUT"`
	WSMaxMessageBytes int64         `mapstructure:"WS_MAX_MESSAGE_BYTES"`

	MediaAppID        uint32        `mapstructure:"MEDIA_APP_ID"`
	MediaServerSecret string        `mapstructure:"MEDIA_SERVER_SECRET"`
	MediaTokenTTL     time.Duration `mapstructure:"MEDIA_TOKEN_TTL"`

	WebhookURL        string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret     string `mapstructure:"WEBHOOK_SECRET"`
	WebhookMaxRetries int    `mapstructure:"WEBHOOK_MAX_RETRIES"`
	WebhookQueueSize  int    `mapstructure:"WEBHOOK_QUEUE_SIZE"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"INVITE_TTL", "MATCH_POLICY", "ENFORCE_IDENTITY",
	"WS_PING_INTERVAL", "WS_PONG_TIMEOUT", "WS_MAX_MESSAGE_BYTES",
	"MEDIA_APP_ID", "MEDIA_SERVER_SECRET", "MEDIA_TOKEN_TTL",
	"WEBHOOK_URL", "WEBHOOK_SECRET", "WEBHOOK_MAX_RETRIES", "WEBHOOK_QUEUE_SIZE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("INVITE_TTL", "60s")
	v.SetDefault("MATCH_POLICY", "first-available")
	v.SetDefault("WS_PING_INTERVAL", "25s")
	v.SetDefault("WS_PONG_TIMEOUT", "60s")
	v.SetDefault("WS_MAX_MESSAGE_BYTES", 65536)
	v.SetDefault("MEDIA_TOKEN_TTL", "1h")
	v.SetDefault("WEBHOOK_MAX_RETRIES", 3)
	v.SetDefault("WEBHOOK_QUEUE_SIZE", 256)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	// Identity enforcement follows ENV unless set explicitly.
	v.SetDefault("ENFORCE_IDENTITY", v.GetString("ENV") != "development")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitOrigins(v.GetString("CORS_ORIGINS"))
	return cfg, nil
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SigningKey decodes AUTH_SIGNING_KEY. It returns nil when the key is unset.
func (c *Config) SigningKey() ([]byte, error) {
	if c.AuthSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// UseJWT reports whether requests are authenticated with bearer tokens rather
// than the development identity headers.
func (c *Config) UseJWT() bool {
	return c.AuthIssuer != "" || c.AuthSigningKey != "" || !c.IsDev()
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.IsProduction() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY is required in production")
	}

	if c.AuthSigningKey != "" {
		key, err := c.SigningKey()
		if err != nil {
			return err
		}
		if len(key) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(key))
		}
	}

	if _, err := consult.PolicyByName(c.MatchPolicy); err != nil {
		return fmt.Errorf("MATCH_POLICY: %w", err)
	}
	if c.InviteTTL <= 0 {
		return fmt.Errorf("INVITE_TTL must be positive, got %s", c.InviteTTL)
	}

	if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) are inconsistent", c.DBMinConns, c.DBMaxConns)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	if c.WSPingInterval <= 0 || c.WSPongTimeout <= c.WSPingInterval {
		return fmt.Errorf("WS_PONG_TIMEOUT (%s) must exceed WS_PING_INTERVAL (%s)", c.WSPongTimeout, c.WSPingInterval)
	}
	if c.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("WS_MAX_MESSAGE_BYTES must be positive")
	}

	if (c.MediaAppID == 0) != (c.MediaServerSecret == "") {
		return fmt.Errorf("MEDIA_APP_ID and MEDIA_SERVER_SECRET must be set together")
	}

	if c.WebhookURL != "" {
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
		}
		if c.WebhookMaxRetries < 0 || c.WebhookQueueSize <= 0 {
			return fmt.Errorf("WEBHOOK_MAX_RETRIES must be >= 0 and WEBHOOK_QUEUE_SIZE positive")
		}
	}

	return nil
}
