package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CHATRELAY"
	defaultDatabasePath        = "chatrelay.db"
	defaultLogLevel            = "info"
	defaultSyncInterval        = time.Minute
	defaultSyncTimeout         = 10 * time.Second
	defaultRegistrationTimeout = 3 * time.Minute
	defaultChatroom            = "lobby"
	defaultIdleTimeout         = time.Minute
	defaultStatusAddress       = "127.0.0.1:8089"
	defaultStatusTriggerRate   = 1.0
	defaultStatusTriggerBurst  = 5
	defaultTracingEndpoint     = "localhost:4317"
	defaultTracingSampleRatio  = 1.0
	defaultAppVersion          = "dev"
)

// AppConfig captures runtime configuration for the relay client.
type AppConfig struct {
	DatabasePath        string
	LogLevel            string
	SyncInterval        time.Duration
	SyncTimeout         time.Duration
	RegistrationTimeout time.Duration
	DefaultChatroom     string
	Latitude            float64
	Longitude           float64
	TransportInsecure   bool
	IdleTimeout         time.Duration
	StatusAddress       string
	StatusTriggerRate   float64
	StatusTriggerBurst  int
	TracingEnabled      bool
	TracingEndpoint     string
	TracingInsecure     bool
	TracingSampleRatio  float64
	AppVersion          string
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

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.timeout", defaultSyncTimeout)
	configViper.SetDefault("registration.timeout", defaultRegistrationTimeout)
	configViper.SetDefault("chatroom.default", defaultChatroom)
	configViper.SetDefault("location.latitude", 0.0)
	configViper.SetDefault("location.longitude", 0.0)
	configViper.SetDefault("transport.insecure", true)
	configViper.SetDefault("transport.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("status.address", defaultStatusAddress)
	configViper.SetDefault("status.trigger_rate", defaultStatusTriggerRate)
	configViper.SetDefault("status.trigger_burst", defaultStatusTriggerBurst)
	configViper.SetDefault("tracing.enabled", false)
	configViper.SetDefault("tracing.endpoint", defaultTracingEndpoint)
	configViper.SetDefault("tracing.insecure", true)
	configViper.SetDefault("tracing.sample_ratio", defaultTracingSampleRatio)
	configViper.SetDefault("app.version", defaultAppVersion)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		SyncInterval:        configViper.GetDuration("sync.interval"),
		SyncTimeout:         configViper.GetDuration("sync.timeout"),
		RegistrationTimeout: configViper.GetDuration("registration.timeout"),
		DefaultChatroom:     strings.TrimSpace(configViper.GetString("chatroom.default")),
		Latitude:            configViper.GetFloat64("location.latitude"),
		Longitude:           configViper.GetFloat64("location.longitude"),
		TransportInsecure:   configViper.GetBool("transport.insecure"),
		IdleTimeout:         configViper.GetDuration("transport.idle_timeout"),
		StatusAddress:       configViper.GetString("status.address"),
		StatusTriggerRate:   configViper.GetFloat64("status.trigger_rate"),
		StatusTriggerBurst:  configViper.GetInt("status.trigger_burst"),
		TracingEnabled:      configViper.GetBool("tracing.enabled"),
		TracingEndpoint:     configViper.GetString("tracing.endpoint"),
		TracingInsecure:     configViper.GetBool("tracing.insecure"),
		TracingSampleRatio:  configViper.GetFloat64("tracing.sample_ratio"),
		AppVersion:          configViper.GetString("app.version"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.DefaultChatroom == "" {
		return fmt.Errorf("chatroom.default is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("sync.timeout must be positive")
	}
	if c.RegistrationTimeout <= 0 {
		return fmt.Errorf("registration.timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("transport.idle_timeout must be positive")
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("location.latitude must be within [-90, 90]")
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("location.longitude must be within [-180, 180]")
	}
	if c.StatusTriggerRate < 0 {
		return fmt.Errorf("status.trigger_rate must not be negative")
	}
	if c.StatusTriggerRate > 0 && c.StatusTriggerBurst <= 0 {
		return fmt.Errorf("status.trigger_burst must be positive when rate limiting is enabled")
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.TracingEnabled && strings.TrimSpace(c.TracingEndpoint) == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}
