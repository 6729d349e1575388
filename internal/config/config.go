package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Twilio  TwilioConfig
	Payment PaymentConfig
	Engine  EngineConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable base for webhook and answer
	// URLs handed to the Call Provider.
	PublicBaseURL string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string

	// CallerID is the E.164 number outbound calls are placed from.
	CallerID string
}

type PaymentConfig struct {
	BaseURL string
	APIKey  string
}

// EngineConfig tunes the orchestration core. Durations are env-parsed
// (e.g. "5m", "5s"); zero values fall back to defaults in Validate.
type EngineConfig struct {
	DefaultDelay  time.Duration
	MaxDelay      time.Duration
	RetryAttempts int
	RetryDelay    time.Duration

	MaxDialAttempts    int
	DialTimeoutSeconds int

	SweepInterval      time.Duration
	StuckAfter         time.Duration
	ExpireAfter        time.Duration
	MaxPendingSessions int

	MinCaptureSeconds  int
	MinBillableSeconds int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = optDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = optDuration("JWT_REFRESH_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.CallerID = strings.TrimSpace(os.Getenv("TWILIO_CALLER_ID"))

	c.Payment.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PAYMENT_BASE_URL")), "/")
	c.Payment.APIKey = os.Getenv("PAYMENT_API_KEY")

	c.Engine.DefaultDelay = optDuration("SCHEDULE_DEFAULT_DELAY")
	c.Engine.MaxDelay = optDuration("SCHEDULE_MAX_DELAY")
	c.Engine.RetryAttempts = optInt("DIAL_RETRY_ATTEMPTS")
	c.Engine.RetryDelay = optDuration("DIAL_RETRY_DELAY")
	c.Engine.MaxDialAttempts = optInt("MAX_DIAL_ATTEMPTS")
	c.Engine.DialTimeoutSeconds = optInt("DIAL_TIMEOUT_SECONDS")
	c.Engine.SweepInterval = optDuration("HEALTH_CHECK_INTERVAL")
	c.Engine.StuckAfter = optDuration("SESSION_STUCK_AFTER")
	c.Engine.ExpireAfter = optDuration("SESSION_EXPIRE_AFTER")
	c.Engine.MaxPendingSessions = optInt("MAX_PENDING_SESSIONS")
	c.Engine.MinCaptureSeconds = optInt("CAPTURE_MIN_SECONDS")
	c.Engine.MinBillableSeconds = optInt("CAPTURE_MIN_BILLABLE_SECONDS")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required (webhook callbacks)"))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
	}
	if c.Twilio.CallerID == "" {
		errs = append(errs, errors.New("TWILIO_CALLER_ID is required"))
	}

	if c.Payment.BaseURL == "" {
		errs = append(errs, errors.New("PAYMENT_BASE_URL is required"))
	}
	if c.Payment.APIKey == "" {
		errs = append(errs, errors.New("PAYMENT_API_KEY is required"))
	}

	c.Engine.applyDefaults()
	if c.Engine.MaxDelay < c.Engine.DefaultDelay {
		errs = append(errs, errors.New("SCHEDULE_MAX_DELAY must be >= SCHEDULE_DEFAULT_DELAY"))
	}
	if c.Engine.MinBillableSeconds > c.Engine.MinCaptureSeconds {
		errs = append(errs, errors.New("CAPTURE_MIN_BILLABLE_SECONDS must be <= CAPTURE_MIN_SECONDS"))
	}

	return joinErrors(errs)
}

func (e *EngineConfig) applyDefaults() {
	if e.DefaultDelay <= 0 {
		e.DefaultDelay = 5 * time.Minute
	}
	if e.MaxDelay <= 0 {
		e.MaxDelay = 10 * time.Minute
	}
	if e.RetryAttempts <= 0 {
		e.RetryAttempts = 3
	}
	if e.RetryDelay <= 0 {
		e.RetryDelay = 5 * time.Second
	}
	if e.MaxDialAttempts <= 0 {
		e.MaxDialAttempts = 3
	}
	if e.DialTimeoutSeconds <= 0 {
		e.DialTimeoutSeconds = 30
	}
	if e.SweepInterval <= 0 {
		e.SweepInterval = time.Minute
	}
	if e.StuckAfter <= 0 {
		e.StuckAfter = 15 * time.Minute
	}
	if e.ExpireAfter <= 0 {
		e.ExpireAfter = 30 * time.Minute
	}
	if e.MaxPendingSessions <= 0 {
		e.MaxPendingSessions = 100
	}
	if e.MinCaptureSeconds <= 0 {
		e.MinCaptureSeconds = 120
	}
	if e.MinBillableSeconds <= 0 {
		e.MinBillableSeconds = 60
	}
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func optDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
