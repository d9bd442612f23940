// Package config provides environment-variable-first configuration loading
// with an optional YAML base file and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp-send-api/internal/email"
	"github.com/shineum/smtp-send-api/internal/request"
)

const (
	// defaultMaxBodySize is 25 MB in bytes.
	defaultMaxBodySize = 26214400

	defaultSMTPTimeout  = 30 * time.Second
	defaultGraphTimeout = 30 * time.Second
)

// Provider names accepted by PROVIDER.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderStdout = "stdout"
)

// ConfigurationError reports a missing or malformed setting. It is fatal at
// startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// Config holds the complete application configuration. It is not modified
// after startup.
type Config struct {
	HTTP     HTTPConfig    `yaml:"http"`
	Provider string        `yaml:"provider"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	SES      SESConfig     `yaml:"ses"`
	Graph    GraphConfig   `yaml:"graph"`
	Stdout   StdoutConfig  `yaml:"stdout"`
	Limits   LimitsConfig  `yaml:"limits"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Logging  LoggingConfig `yaml:"logging"`
}

// HTTPConfig holds the HTTP listener settings.
type HTTPConfig struct {
	Listen       string   `yaml:"listen"`
	MaxBodySize  int64    `yaml:"max_body_size"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// SMTPConfig holds the outbound SMTP relay settings.
type SMTPConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	User          string        `yaml:"user"`
	Pass          string        `yaml:"pass"`
	FromName      string        `yaml:"from_name"`
	FromEmail     string        `yaml:"from_email"`
	Timeout       time.Duration `yaml:"timeout"`
	RequireTLS    bool          `yaml:"require_tls"`
	TLSCAFile     string        `yaml:"tls_ca_file"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify"`
}

// SESConfig holds AWS SES settings.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`

	// Timeout bounds each token and sendMail HTTP call.
	Timeout time.Duration `yaml:"timeout"`
}

// StdoutConfig holds settings for the dry-run provider.
type StdoutConfig struct {
	Raw bool `yaml:"raw"`
}

// LimitsConfig bounds attachments. Zero disables a limit.
type LimitsConfig struct {
	MaxAttachments         int   `yaml:"max_attachments"`
	MaxAttachmentSize      int64 `yaml:"max_attachment_size"`
	MaxTotalAttachmentSize int64 `yaml:"max_total_attachment_size"`
	SanitizeHTML           bool  `yaml:"sanitize_html"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level             string `yaml:"level"`
	SentryDSN         string `yaml:"sentry_dsn"`
	SentryEnvironment string `yaml:"sentry_environment"`
}

// Load loads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadEnvFile exports the variables of a .env file into the process
// environment. Variables already set are left alone and a missing file is
// not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Validate checks the settings required by the selected provider.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderSMTP:
		for _, req := range []struct{ field, value string }{
			{"SMTP_HOST", c.SMTP.Host},
			{"SMTP_USER", c.SMTP.User},
			{"SMTP_PASS", c.SMTP.Pass},
		} {
			if req.value == "" {
				return &ConfigurationError{Field: req.field, Reason: "required"}
			}
		}
		if c.SMTP.Port == 0 {
			return &ConfigurationError{Field: "SMTP_PORT", Reason: "required"}
		}
		if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
			return &ConfigurationError{Field: "SMTP_PORT", Reason: "must be between 1 and 65535"}
		}
		if c.SMTP.Timeout <= 0 {
			return &ConfigurationError{Field: "SMTP_TIMEOUT", Reason: "must be positive"}
		}
		if c.SMTP.TLSCAFile != "" {
			if _, err := os.Stat(c.SMTP.TLSCAFile); err != nil {
				return &ConfigurationError{Field: "SMTP_TLS_CA_FILE", Reason: err.Error()}
			}
		}
	case ProviderSES:
		if !c.SESConfigured() {
			return &ConfigurationError{Field: "SES_REGION", Reason: "SES_REGION and SES_SENDER are required"}
		}
	case ProviderGraph:
		if !c.GraphConfigured() {
			return &ConfigurationError{
				Field:  "GRAPH_TENANT_ID",
				Reason: "GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, and GRAPH_SENDER are required",
			}
		}
		if c.Graph.Timeout <= 0 {
			return &ConfigurationError{Field: "GRAPH_TIMEOUT", Reason: "must be positive"}
		}
	case ProviderStdout:
	default:
		return &ConfigurationError{Field: "PROVIDER", Reason: fmt.Sprintf("unknown provider %q", c.Provider)}
	}

	if c.SMTP.FromEmail != "" && !email.ValidAddress(c.SMTP.FromEmail) {
		return &ConfigurationError{Field: "SMTP_FROM_EMAIL", Reason: "invalid email address"}
	}
	if c.HTTP.MaxBodySize <= 0 {
		return &ConfigurationError{Field: "HTTP_MAX_BODY_SIZE", Reason: "must be positive"}
	}
	if c.Limits.MaxAttachments < 0 || c.Limits.MaxAttachmentSize < 0 || c.Limits.MaxTotalAttachmentSize < 0 {
		return &ConfigurationError{Field: "limits", Reason: "must not be negative"}
	}

	return nil
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// DefaultSender returns the sender used when a request names none.
// SMTP_FROM_EMAIL wins; otherwise the provider's own sender, and for SMTP
// the login user when it is an address.
func (c *Config) DefaultSender() email.Sender {
	s := email.Sender{Name: c.SMTP.FromName, Email: c.SMTP.FromEmail}
	if s.Email != "" {
		return s
	}

	switch c.Provider {
	case ProviderSES:
		s.Email = c.SES.Sender
	case ProviderGraph:
		s.Email = c.Graph.Sender
	default:
		if email.ValidAddress(c.SMTP.User) {
			s.Email = c.SMTP.User
		}
	}
	return s
}

// RequestOptions returns the validator options derived from the limits.
func (c *Config) RequestOptions() request.Options {
	return request.Options{
		MaxAttachments:         c.Limits.MaxAttachments,
		MaxAttachmentSize:      c.Limits.MaxAttachmentSize,
		MaxTotalAttachmentSize: c.Limits.MaxTotalAttachmentSize,
		SanitizeHTML:           c.Limits.SanitizeHTML,
	}
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = ":8000"
	c.HTTP.MaxBodySize = defaultMaxBodySize
	c.HTTP.AllowOrigins = []string{"*"}
	c.Provider = ProviderSMTP
	c.SMTP.Timeout = defaultSMTPTimeout
	c.Graph.Timeout = defaultGraphTimeout

	opts := request.DefaultOptions()
	c.Limits.MaxAttachments = opts.MaxAttachments
	c.Limits.MaxAttachmentSize = opts.MaxAttachmentSize
	c.Limits.MaxTotalAttachmentSize = opts.MaxTotalAttachmentSize

	c.Metrics.Enabled = true
	c.Logging.Level = "info"
	c.Logging.SentryEnvironment = "production"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString("HTTP_LISTEN", &c.HTTP.Listen)
	if v := os.Getenv("CORS_ALLOW_ORIGINS"); v != "" {
		c.HTTP.AllowOrigins = splitList(v)
	}
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	setString("SMTP_HOST", &c.SMTP.Host)
	setString("SMTP_USER", &c.SMTP.User)
	setString("SMTP_PASS", &c.SMTP.Pass)
	setString("SMTP_FROM_NAME", &c.SMTP.FromName)
	setString("SMTP_FROM_EMAIL", &c.SMTP.FromEmail)
	setString("SMTP_TLS_CA_FILE", &c.SMTP.TLSCAFile)

	setString("SES_REGION", &c.SES.Region)
	setString("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	setString("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)
	setString("SES_SENDER", &c.SES.Sender)

	setString("GRAPH_TENANT_ID", &c.Graph.TenantID)
	setString("GRAPH_CLIENT_ID", &c.Graph.ClientID)
	setString("GRAPH_CLIENT_SECRET", &c.Graph.ClientSecret)
	setString("GRAPH_SENDER", &c.Graph.Sender)

	setString("SENTRY_DSN", &c.Logging.SentryDSN)
	setString("SENTRY_ENVIRONMENT", &c.Logging.SentryEnvironment)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	if v := os.Getenv("SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigurationError{Field: "SMTP_PORT", Reason: "must be a number"}
		}
		c.SMTP.Port = port
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"SMTP_TIMEOUT", &c.SMTP.Timeout},
		{"GRAPH_TIMEOUT", &c.Graph.Timeout},
	} {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return &ConfigurationError{Field: d.key, Reason: "must be a duration such as 30s"}
			}
			*d.dst = parsed
		}
	}

	for _, b := range []struct {
		key string
		dst *bool
	}{
		{"SMTP_REQUIRE_TLS", &c.SMTP.RequireTLS},
		{"SMTP_TLS_SKIP_VERIFY", &c.SMTP.TLSSkipVerify},
		{"STDOUT_RAW", &c.Stdout.Raw},
		{"HTML_SANITIZE", &c.Limits.SanitizeHTML},
		{"METRICS_ENABLED", &c.Metrics.Enabled},
	} {
		if v := os.Getenv(b.key); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return &ConfigurationError{Field: b.key, Reason: "must be true or false"}
			}
			*b.dst = parsed
		}
	}

	for _, n := range []struct {
		key string
		dst *int64
	}{
		{"HTTP_MAX_BODY_SIZE", &c.HTTP.MaxBodySize},
		{"MAX_ATTACHMENT_SIZE", &c.Limits.MaxAttachmentSize},
		{"MAX_TOTAL_ATTACHMENT_SIZE", &c.Limits.MaxTotalAttachmentSize},
	} {
		if v := os.Getenv(n.key); v != "" {
			size, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return &ConfigurationError{Field: n.key, Reason: "must be a number"}
			}
			*n.dst = size
		}
	}
	if v := os.Getenv("MAX_ATTACHMENTS"); v != "" {
		count, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigurationError{Field: "MAX_ATTACHMENTS", Reason: "must be a number"}
		}
		c.Limits.MaxAttachments = count
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
