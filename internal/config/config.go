package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                 string   `mapstructure:"PORT"`
	Env                  string   `mapstructure:"ENV"`
	DatabaseURL          string   `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer           string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience         string   `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL          string   `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey       string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins          []string `mapstructure:"CORS_ORIGINS"`
	ContactEncryptionKey string   `mapstructure:"CONTACT_ENCRYPTION_KEY"`
	CrisisRulesetPath    string   `mapstructure:"CRISIS_RULESET_PATH"`
	DispatchTimeoutSecs  int      `mapstructure:"DISPATCH_TIMEOUT_SECONDS"`
	ResponderRoom        string   `mapstructure:"RESPONDER_ROOM"`
	CrisisHotline        string   `mapstructure:"CRISIS_HOTLINE"`
	RateLimitRPS         float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst       int      `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DISPATCH_TIMEOUT_SECONDS", 8)
	v.SetDefault("RESPONDER_ROOM", "crisis-responders")
	v.SetDefault("CRISIS_HOTLINE", "988")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("CONTACT_ENCRYPTION_KEY")
	v.BindEnv("CRISIS_RULESET_PATH")
	v.BindEnv("DISPATCH_TIMEOUT_SECONDS")
	v.BindEnv("RESPONDER_ROOM")
	v.BindEnv("CRISIS_HOTLINE")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DispatchTimeout returns the per-channel notification timeout.
func (c *Config) DispatchTimeout() time.Duration {
	if c.DispatchTimeoutSecs <= 0 {
		return 8 * time.Second
	}
	return time.Duration(c.DispatchTimeoutSecs) * time.Second
}

// Validate checks that the configuration is safe to run. Outside development,
// real JWT verification must be configured; in production the contact
// encryption key is mandatory and must be a 32-byte hex string.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_ISSUER (or AUTH_SIGNING_KEY) must be set when ENV=%q; refusing to start without authentication", c.Env)
	}

	if c.IsProduction() && c.ContactEncryptionKey == "" {
		return fmt.Errorf("CONTACT_ENCRYPTION_KEY is required in production")
	}
	if c.ContactEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.ContactEncryptionKey)
		if err != nil {
			return fmt.Errorf("CONTACT_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("CONTACT_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.DispatchTimeoutSecs < 0 || c.DispatchTimeoutSecs > 60 {
		return fmt.Errorf("DISPATCH_TIMEOUT_SECONDS must be between 0 and 60, got %d", c.DispatchTimeoutSecs)
	}

	return nil
}
