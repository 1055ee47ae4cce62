package config

import (
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ClientConfig configures the tracker agent.
type ClientConfig struct {
	ServerURL     string `mapstructure:"TRACKER_SERVER_URL" validate:"required,url"`
	TrackingID    string `mapstructure:"TRACKER_ID"`
	Store         string `mapstructure:"TRACKER_STORE" validate:"oneof=redis sqlite"`
	SQLitePath    string `mapstructure:"TRACKER_SQLITE_PATH"`
	RedisAddr     string `mapstructure:"TRACKER_REDIS_ADDR"`
	TrackFile     string `mapstructure:"TRACKER_TRACK_FILE"`
	PeriodicSync  bool   `mapstructure:"TRACKER_PERIODIC_SYNC"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	UserAgent     string `mapstructure:"TRACKER_USER_AGENT"`
	ProbeInterval int64  `mapstructure:"TRACKER_PROBE_INTERVAL" validate:"gt=0"`

	Tunables Tunables `mapstructure:",squash"`
}

func LoadClient() ClientConfig {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("TRACKER_SERVER_URL", "http://localhost:8080")
	v.SetDefault("TRACKER_STORE", "sqlite")
	v.SetDefault("TRACKER_SQLITE_PATH", "tracker.db")
	v.SetDefault("TRACKER_REDIS_ADDR", "localhost:6379")
	v.SetDefault("TRACKER_PERIODIC_SYNC", true)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TRACKER_USER_AGENT", "nippon-tracker-agent")
	v.SetDefault("TRACKER_PROBE_INTERVAL", 15000)
	setTunableDefaults(v)

	var cfg ClientConfig
	_ = v.Unmarshal(&cfg)
	return cfg
}

func (c ClientConfig) Validate() error {
	return validator.New().Struct(c)
}
