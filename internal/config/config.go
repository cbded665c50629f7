package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "COWRITE"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "cowrite.db"
	defaultSnapshotPath    = "cowrite-snapshots"
	defaultLogLevel        = "info"
	defaultTokenTTLMinutes = 30
	defaultDebounceMillis  = 2000
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	SnapshotPath   string
	LogLevel       string
	SigningSecret  string
	TokenTTL       time.Duration
	IDPJWKSURL     string
	IDPAudience    string
	DebounceWindow time.Duration
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
	configViper.SetDefault("snapshots.path", defaultSnapshotPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("collab.debounce_ms", defaultDebounceMillis)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		SnapshotPath:   configViper.GetString("snapshots.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		IDPJWKSURL:     configViper.GetString("idp.jwks_url"),
		IDPAudience:    configViper.GetString("idp.audience"),
		DebounceWindow: time.Duration(configViper.GetInt("collab.debounce_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SnapshotPath) == "" {
		return fmt.Errorf("snapshots.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("collab.debounce_ms must be positive")
	}
	return nil
}
