package config

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Tunables are the client timing and threshold knobs. Durations are in
// milliseconds so the JSON form matches the /config endpoint.
type Tunables struct {
	HighAccuracyInterval      int64   `json:"highAccuracyInterval" mapstructure:"CLIENT_HIGH_ACCURACY_INTERVAL" validate:"gt=0"`
	KeepAliveInterval         int64   `json:"keepAliveInterval" mapstructure:"CLIENT_KEEP_ALIVE_INTERVAL" validate:"gt=0"`
	MinDistance               float64 `json:"minDistance" mapstructure:"CLIENT_MIN_DISTANCE" validate:"gte=0"`
	MaxAge                    int64   `json:"maxAge" mapstructure:"CLIENT_MAX_AGE" validate:"gte=0"`
	Timeout                   int64   `json:"timeout" mapstructure:"CLIENT_TIMEOUT" validate:"gt=0"`
	RetryCount                int     `json:"retryCount" mapstructure:"CLIENT_RETRY_COUNT" validate:"gte=0"`
	RetryDelay                int64   `json:"retryDelay" mapstructure:"CLIENT_RETRY_DELAY" validate:"gte=0"`
	WakeRenewDelay            int64   `json:"wakeRenewDelay" mapstructure:"CLIENT_WAKE_RENEW_DELAY" validate:"gte=0"`
	DiagnosticsUploadInterval int64   `json:"diagnosticsUploadInterval" mapstructure:"CLIENT_DIAGNOSTICS_UPLOAD_INTERVAL" validate:"gt=0"`
}

func DefaultTunables() Tunables {
	return Tunables{
		HighAccuracyInterval:      5000,
		KeepAliveInterval:         30000,
		MinDistance:               10,
		MaxAge:                    3000,
		Timeout:                   10000,
		RetryCount:                3,
		RetryDelay:                2000,
		WakeRenewDelay:            1000,
		DiagnosticsUploadInterval: 600000,
	}
}

func setTunableDefaults(v *viper.Viper) {
	d := DefaultTunables()
	v.SetDefault("CLIENT_HIGH_ACCURACY_INTERVAL", d.HighAccuracyInterval)
	v.SetDefault("CLIENT_KEEP_ALIVE_INTERVAL", d.KeepAliveInterval)
	v.SetDefault("CLIENT_MIN_DISTANCE", d.MinDistance)
	v.SetDefault("CLIENT_MAX_AGE", d.MaxAge)
	v.SetDefault("CLIENT_TIMEOUT", d.Timeout)
	v.SetDefault("CLIENT_RETRY_COUNT", d.RetryCount)
	v.SetDefault("CLIENT_RETRY_DELAY", d.RetryDelay)
	v.SetDefault("CLIENT_WAKE_RENEW_DELAY", d.WakeRenewDelay)
	v.SetDefault("CLIENT_DIAGNOSTICS_UPLOAD_INTERVAL", d.DiagnosticsUploadInterval)
}

// Merge overlays a /config response on t. Keys absent from raw keep their
// current value; unknown keys are ignored. An invalid result leaves t unchanged.
func (t Tunables) Merge(raw []byte) (Tunables, error) {
	merged := t
	if err := json.Unmarshal(raw, &merged); err != nil {
		return t, err
	}
	if err := validator.New().Struct(merged); err != nil {
		return t, err
	}
	return merged, nil
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func (t Tunables) PollInterval() time.Duration { return ms(t.HighAccuracyInterval) }
func (t Tunables) KeepAlive() time.Duration { return ms(t.KeepAliveInterval) }
func (t Tunables) MaxAgeDuration() time.Duration { return ms(t.MaxAge) }
func (t Tunables) TimeoutDuration() time.Duration { return ms(t.Timeout) }
func (t Tunables) RetryDelayDuration() time.Duration { return ms(t.RetryDelay) }
func (t Tunables) WakeRenew() time.Duration { return ms(t.WakeRenewDelay) }
func (t Tunables) DiagnosticsUpload() time.Duration { return ms(t.DiagnosticsUploadInterval) }
