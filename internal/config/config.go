package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	FHIRBaseURL  string        `mapstructure:"FHIR_BASE_URL"`
	AuthTokenURL string        `mapstructure:"AUTH_TOKEN_URL"`
	ClientID     string        `mapstructure:"CLIENT_ID"`
	ClientSecret string        `mapstructure:"CLIENT_SECRET"`
	HTTPTimeout  time.Duration `mapstructure:"HTTP_TIMEOUT"`

	DataDir            string `mapstructure:"DATA_DIR"`
	ResultsDir         string `mapstructure:"RESULTS_DIR"`
	DocumentsDir       string `mapstructure:"DOCUMENTS_DIR"`
	DocumentsBucket    string `mapstructure:"DOCUMENTS_BUCKET"`
	DocumentsPrefix    string `mapstructure:"DOCUMENTS_PREFIX"`
	GCSCredentialsFile string `mapstructure:"GCS_CREDENTIALS_FILE"`
	ScratchDir         string `mapstructure:"SCRATCH_DIR"`
	HTMLRenderer       string `mapstructure:"HTML_RENDERER"`

	Delimiter string `mapstructure:"DELIMITER"`
	Workers   int    `mapstructure:"WORKERS"`

	BotProviderID    string `mapstructure:"BOT_PROVIDER_ID"`
	BotProviderKey   string `mapstructure:"BOT_PROVIDER_KEY"`
	IdentifierSystem string `mapstructure:"IDENTIFIER_SYSTEM"`

	LookupDatabaseURL string `mapstructure:"LOOKUP_DATABASE_URL"`
	DBMaxConns        int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32  `mapstructure:"DB_MIN_CONNS"`

	SandboxAddr       string        `mapstructure:"SANDBOX_ADDR"`
	SandboxSigningKey string        `mapstructure:"SANDBOX_SIGNING_KEY"`
	SandboxTokenTTL   time.Duration `mapstructure:"SANDBOX_TOKEN_TTL"`
}

var keys = []string{
	"ENV", "LOG_LEVEL",
	"FHIR_BASE_URL", "AUTH_TOKEN_URL", "CLIENT_ID", "CLIENT_SECRET", "HTTP_TIMEOUT",
	"DATA_DIR", "RESULTS_DIR", "DOCUMENTS_DIR", "DOCUMENTS_BUCKET", "DOCUMENTS_PREFIX",
	"GCS_CREDENTIALS_FILE", "SCRATCH_DIR", "HTML_RENDERER",
	"DELIMITER", "WORKERS",
	"BOT_PROVIDER_ID", "BOT_PROVIDER_KEY", "IDENTIFIER_SYSTEM",
	"LOOKUP_DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SANDBOX_ADDR", "SANDBOX_SIGNING_KEY", "SANDBOX_TOKEN_TTL",
}

// Load reads the .env file in the working directory, if any, and the
// environment. Environment variables win.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("DATA_DIR", ".")
	v.SetDefault("RESULTS_DIR", "results")
	v.SetDefault("DOCUMENTS_DIR", "documents")
	v.SetDefault("HTML_RENDERER", "wkhtmltopdf")
	v.SetDefault("DELIMITER", "|")
	v.SetDefault("WORKERS", 1)
	v.SetDefault("BOT_PROVIDER_ID", "bot")
	v.SetDefault("BOT_PROVIDER_KEY", "5eede137ecfe4124b8b773040e33be14")
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("DB_MIN_CONNS", 0)
	v.SetDefault("SANDBOX_ADDR", ":8888")
	v.SetDefault("SANDBOX_TOKEN_TTL", "1h")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if utf8.RuneCountInString(c.Delimiter) != 1 {
		return fmt.Errorf("DELIMITER must be a single character, got %q", c.Delimiter)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

// ValidateTarget checks the settings needed to talk to the target API.
func (c *Config) ValidateTarget() error {
	var errs []error
	if c.FHIRBaseURL == "" {
		errs = append(errs, errors.New("FHIR_BASE_URL is required"))
	} else if u, err := url.Parse(c.FHIRBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("FHIR_BASE_URL %q is not an absolute URL", c.FHIRBaseURL))
	}
	if c.ClientID == "" {
		errs = append(errs, errors.New("CLIENT_ID is required"))
	}
	if c.ClientSecret == "" {
		errs = append(errs, errors.New("CLIENT_SECRET is required"))
	}
	return errors.Join(errs...)
}

// TokenURL is AUTH_TOKEN_URL, or /auth/token/ on the target's host.
func (c *Config) TokenURL() string {
	if c.AuthTokenURL != "" {
		return c.AuthTokenURL
	}
	u, err := url.Parse(c.FHIRBaseURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/auth/token/"}).String()
}

// Level is the parsed LOG_LEVEL, info when unset or invalid.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
