package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mind-engage/gradebridge/internal/apperr"
)

// Role URIs allowed to use the grade endpoints unless ALLOWED_ROLES overrides them.
var DefaultAllowedRoles = []string{
	"http://purl.imsglobal.org/vocab/lis/v2/system/person#Administrator",
	"http://purl.imsglobal.org/vocab/lis/v2/membership#Administrator",
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Instructor",
}

type Config struct {
	HTTPAddr    string   `yaml:"http_addr" validate:"required"`
	PublicURL   string   `yaml:"public_url" validate:"omitempty,url"`
	LogLevel    string   `yaml:"log_level" validate:"oneof=debug info warn error"`
	CORSOrigins []string `yaml:"cors_origins"`

	DBDriver string `yaml:"db_driver" validate:"oneof=sqlite postgres"`
	DBDSN    string `yaml:"db_dsn"`

	// LTI 1.3 / OIDC (tool side)
	Issuer          string `yaml:"issuer" validate:"required"`
	Audience        string `yaml:"audience" validate:"required"`
	LTIClientID     string `yaml:"lti_client_id" validate:"required"`
	PlatformAuthURL string `yaml:"platform_auth_url" validate:"required,url"`
	PlatformJWKSURL string `yaml:"platform_jwks_url" validate:"required,url"`
	DashboardURL    string `yaml:"dashboard_url" validate:"required,url"`

	// Tool signing key: a private JWK (JSON) or a PEM file.
	PrivateJWK     string `yaml:"private_jwk" validate:"required_without=PrivateKeyFile"`
	PrivateKeyFile string `yaml:"private_key_file" validate:"required_without=PrivateJWK"`
	PublicJWK      string `yaml:"public_jwk"`

	CookieSecret   string        `yaml:"cookie_secret"`
	CookieSameSite string        `yaml:"cookie_samesite" validate:"oneof=strict lax none"`
	CookieSecure   bool          `yaml:"cookie_secure"`
	LaunchStateTTL time.Duration `yaml:"launch_state_ttl" validate:"gt=0"`

	SessionIssuer string        `yaml:"session_issuer" validate:"required"`
	SessionTTL    time.Duration `yaml:"session_ttl" validate:"gt=0"`

	ClockSkew          time.Duration `yaml:"clock_skew" validate:"gte=0"`
	JWKSMinRefresh     time.Duration `yaml:"jwks_min_refresh" validate:"gt=0"`
	JWKSForcedRefresh  time.Duration `yaml:"jwks_forced_refresh_interval" validate:"gte=0"`
	AllowedRoles       []string      `yaml:"allowed_roles" validate:"min=1"`
	ReconcileWorkers   int           `yaml:"reconcile_concurrency" validate:"min=1,max=32"`
	FinalColumnName    string        `yaml:"final_column_name" validate:"required"`
	OverallColumnName  string        `yaml:"overall_column_name" validate:"required"`

	// Blackboard REST
	BBHost         string        `yaml:"bb_host" validate:"required"`
	BBClientID     string        `yaml:"bb_client_id" validate:"required"`
	BBClientSecret string        `yaml:"bb_client_secret" validate:"required"`
	LMSTimeout     time.Duration `yaml:"lms_timeout" validate:"gt=0"`
	LMSMaxPages    int           `yaml:"lms_max_pages" validate:"min=1"`
	LMSRateLimit   float64       `yaml:"lms_rate_limit" validate:"gte=0"`
	LMSRateBurst   int           `yaml:"lms_rate_burst" validate:"gte=0"`
}

// Defaults returns the configuration used before the YAML file and the
// environment are applied.
func Defaults() Config {
	return Config{
		HTTPAddr:          ":8080",
		LogLevel:          "info",
		CORSOrigins:       []string{"http://localhost:3000"},
		DBDriver:          "sqlite",
		CookieSameSite:    "strict",
		CookieSecure:      true,
		LaunchStateTTL:    10 * time.Minute,
		SessionIssuer:     "gradebridge",
		SessionTTL:        time.Hour,
		ClockSkew:         time.Minute,
		JWKSMinRefresh:    15 * time.Minute,
		JWKSForcedRefresh: time.Minute,
		AllowedRoles:      append([]string(nil), DefaultAllowedRoles...),
		ReconcileWorkers:  4,
		FinalColumnName:   "Final Grade",
		OverallColumnName: "Overall Grade",
		LMSTimeout:        15 * time.Second,
		LMSMaxPages:       200,
		LMSRateLimit:      10,
		LMSRateBurst:      5,
	}
}

// Load reads an optional .env file, an optional YAML file named by
// CONFIG_FILE and finally the process environment, then validates the
// result. Any problem is reported as apperr.ErrConfiguration.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("%w: .env: %v", apperr.ErrConfiguration, err)
	}
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, fmt.Errorf("%w: %v", apperr.ErrConfiguration, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", apperr.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(content))), c); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = envOr("HTTP_ADDR", c.HTTPAddr)
	c.PublicURL = envOr("PUBLIC_URL", c.PublicURL)
	c.LogLevel = strings.ToLower(envOr("LOG_LEVEL", c.LogLevel))
	c.CORSOrigins = csvOr("CORS_ORIGINS", c.CORSOrigins)
	c.DBDriver = envOr("DB_DRIVER", c.DBDriver)
	c.DBDSN = envOr("DB_DSN", c.DBDSN)

	c.Issuer = envOr("ISSUER", c.Issuer)
	c.Audience = envOr("AUDIENCE", c.Audience)
	c.LTIClientID = envOr("LTI_CLIENT_ID", c.LTIClientID)
	if c.LTIClientID == "" {
		c.LTIClientID = c.Audience
	}
	if c.Audience == "" {
		c.Audience = c.LTIClientID
	}
	c.PlatformAuthURL = envOr("PLATFORM_AUTH_URL", c.PlatformAuthURL)
	c.PlatformJWKSURL = envOr("PLATFORM_JWKS_URL", envOr("JWKS_URL", c.PlatformJWKSURL))
	c.DashboardURL = envOr("DASHBOARD_URL", c.DashboardURL)

	c.PrivateJWK = envOr("PRIVATE_JWK", c.PrivateJWK)
	c.PrivateKeyFile = envOr("PRIVATE_KEY_FILE", c.PrivateKeyFile)
	c.PublicJWK = envOr("PUBLIC_JWK", c.PublicJWK)

	c.CookieSecret = envOr("COOKIE_SECRET", c.CookieSecret)
	c.CookieSameSite = strings.ToLower(envOr("COOKIE_SAMESITE", c.CookieSameSite))
	c.CookieSecure = envBool("COOKIE_SECURE", c.CookieSecure)
	c.SessionIssuer = envOr("SESSION_ISSUER", c.SessionIssuer)
	c.AllowedRoles = csvOr("ALLOWED_ROLES", c.AllowedRoles)
	c.FinalColumnName = envOr("FINAL_COLUMN_NAME", c.FinalColumnName)
	c.OverallColumnName = envOr("OVERALL_COLUMN_NAME", c.OverallColumnName)

	c.BBHost = envOr("BB_HOST", c.BBHost)
	c.BBClientID = envOr("BB_CLIENT_ID", c.BBClientID)
	c.BBClientSecret = envOr("BB_CLIENT_SECRET", c.BBClientSecret)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"LAUNCH_STATE_TTL", &c.LaunchStateTTL},
		{"SESSION_TTL", &c.SessionTTL},
		{"CLOCK_SKEW", &c.ClockSkew},
		{"JWKS_MIN_REFRESH", &c.JWKSMinRefresh},
		{"JWKS_FORCED_REFRESH_INTERVAL", &c.JWKSForcedRefresh},
		{"LMS_TIMEOUT", &c.LMSTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.key, *d.dst); err != nil {
			return err
		}
	}
	if c.ReconcileWorkers, err = envInt("RECONCILE_CONCURRENCY", c.ReconcileWorkers); err != nil {
		return err
	}
	if c.LMSMaxPages, err = envInt("LMS_MAX_PAGES", c.LMSMaxPages); err != nil {
		return err
	}
	if c.LMSRateBurst, err = envInt("LMS_RATE_BURST", c.LMSRateBurst); err != nil {
		return err
	}
	if v := os.Getenv("LMS_RATE_LIMIT"); v != "" {
		if c.LMSRateLimit, err = strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("LMS_RATE_LIMIT: %w", err)
		}
	}
	return nil
}

// Validate checks required settings. It runs once at startup so requests
// never see a half-configured service.
func (c Config) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.Split(fld.Tag.Get("yaml"), ",")[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrConfiguration, err)
	}
	if c.CookieSameSite == "none" && !c.CookieSecure {
		return fmt.Errorf("%w: cookie_samesite=none requires cookie_secure", apperr.ErrConfiguration)
	}
	return nil
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func envDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}

func csvOr(k string, def []string) []string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
