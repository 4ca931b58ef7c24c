package voxrelay

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/voxrelay/pkg/adapters/backend"
	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/spf13/viper"
)

// EnvPrefix scopes environment overrides, e.g. VOXRELAY_SERVER_ADDR.
const EnvPrefix = "VOXRELAY"

type Config struct {
	Server      ServerConfig  `mapstructure:"server"`
	Relay       RelayConfig   `mapstructure:"relay"`
	Auth        AuthConfig    `mapstructure:"auth"`
	Vendors     VendorsConfig `mapstructure:"vendors"`
	Environment string        `mapstructure:"environment"`
	LogLevel    string        `mapstructure:"log_level"`
	LogFormat   string        `mapstructure:"log_format"`
	Privacy     PrivacyConfig `mapstructure:"privacy"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	AllowAnyOrigin  bool          `mapstructure:"allow_any_origin"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RelayConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
}

type AuthConfig struct {
	Disabled  bool     `mapstructure:"disabled"`
	KeyPrefix string   `mapstructure:"key_prefix"`
	APIKeys   []string `mapstructure:"api_keys"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	Transcription VendorConfig `mapstructure:"transcription"`
	LiveAudio     VendorConfig `mapstructure:"live_audio"`
}

// For returns the vendor serving kind.
func (v VendorsConfig) For(kind backend.Kind) (VendorConfig, bool) {
	switch kind {
	case backend.KindTranscription:
		return v.Transcription, true
	case backend.KindLiveAudio:
		return v.LiveAudio, true
	}
	return VendorConfig{}, false
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.allow_any_origin", false)
	v.SetDefault("server.read_limit", 1<<20)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("relay.connect_timeout", "10s")
	v.SetDefault("relay.write_timeout", "10s")
	v.SetDefault("relay.drain_timeout", "20s")
	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.key_prefix", DefaultKeyPrefix)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("vendors.transcription.provider", "deepgram")
	v.SetDefault("vendors.live_audio.provider", "gemini")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
}

// LoadConfig reads path (optional), applies VOXRELAY_* overrides, expands
// ${ENV} references and validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.ReadLimit < 0 {
		return fmt.Errorf("server.read_limit must not be negative, got %d", c.Server.ReadLimit)
	}
	if c.Relay.ConnectTimeout <= 0 {
		return fmt.Errorf("relay.connect_timeout must be positive, got %s", c.Relay.ConnectTimeout)
	}
	if strings.TrimSpace(c.Vendors.Transcription.Provider) == "" {
		return fmt.Errorf("vendors.transcription.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LiveAudio.Provider) == "" {
		return fmt.Errorf("vendors.live_audio.provider is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case logging.FormatJSON, logging.FormatText, logging.FormatPretty:
	default:
		return fmt.Errorf("log_format must be one of [json, text, pretty], got %s", c.LogFormat)
	}
	if !c.Auth.Disabled && strings.TrimSpace(c.Auth.KeyPrefix) == "" && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth needs key_prefix or api_keys unless disabled")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.Transcription.Settings = expandSettings(cfg.Vendors.Transcription.Settings)
	cfg.Vendors.LiveAudio.Settings = expandSettings(cfg.Vendors.LiveAudio.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
