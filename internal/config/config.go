package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CINESYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "cinesync.db"
	defaultLogLevel          = "info"
	defaultLogMaxSizeMB      = 100
	defaultLogMaxBackups     = 5
	defaultLogMaxAgeDays     = 28
	defaultCookieName        = "app_session"
	defaultSessionIssuer     = "cinesync-auth"
	defaultRateLimitRequests = 30
	defaultRateLimitWindow   = time.Minute
	defaultFlushInterval     = 5 * time.Second
	defaultMaxPending        = 500
	defaultRetentionCap      = 20
	defaultSource            = "vidsrc"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string

	RateLimitRequests int
	RateLimitWindow   time.Duration

	BatchFlushInterval time.Duration
	BatchMaxPending    int

	RetentionCap int

	DefaultSource          string
	AllowPassivePreference bool

	AllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("log.max_age_days", defaultLogMaxAgeDays)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("ratelimit.requests", defaultRateLimitRequests)
	configViper.SetDefault("ratelimit.window", defaultRateLimitWindow)
	configViper.SetDefault("batch.flush_interval", defaultFlushInterval)
	configViper.SetDefault("batch.max_pending", defaultMaxPending)
	configViper.SetDefault("history.retention_cap", defaultRetentionCap)
	configViper.SetDefault("sources.default", defaultSource)
	configViper.SetDefault("sources.allow_passive_preference", true)
	configViper.SetDefault("cors.allowed_origins", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:            configViper.GetString("http.address"),
		DatabasePath:           configViper.GetString("database.path"),
		LogLevel:               configViper.GetString("log.level"),
		LogFile:                strings.TrimSpace(configViper.GetString("log.file")),
		LogMaxSizeMB:           configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:          configViper.GetInt("log.max_backups"),
		LogMaxAgeDays:          configViper.GetInt("log.max_age_days"),
		SessionSigningSecret:   configViper.GetString("session.signing_secret"),
		SessionIssuer:          configViper.GetString("session.issuer"),
		SessionCookieName:      configViper.GetString("session.cookie_name"),
		RateLimitRequests:      configViper.GetInt("ratelimit.requests"),
		RateLimitWindow:        configViper.GetDuration("ratelimit.window"),
		BatchFlushInterval:     configViper.GetDuration("batch.flush_interval"),
		BatchMaxPending:        configViper.GetInt("batch.max_pending"),
		RetentionCap:           configViper.GetInt("history.retention_cap"),
		DefaultSource:          strings.ToLower(strings.TrimSpace(configViper.GetString("sources.default"))),
		AllowPassivePreference: configViper.GetBool("sources.allow_passive_preference"),
		AllowedOrigins:         splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.RateLimitRequests < 0 {
		return fmt.Errorf("ratelimit.requests must not be negative")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("ratelimit.window must be positive")
	}
	if c.BatchFlushInterval <= 0 {
		return fmt.Errorf("batch.flush_interval must be positive")
	}
	if c.BatchMaxPending <= 0 {
		return fmt.Errorf("batch.max_pending must be positive")
	}
	if c.RetentionCap <= 0 {
		return fmt.Errorf("history.retention_cap must be positive")
	}
	return nil
}

// splitOrigins accepts both list values and a comma separated env string.
func splitOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
