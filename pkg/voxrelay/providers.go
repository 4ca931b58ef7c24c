package voxrelay

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/harunnryd/voxrelay/pkg/adapters/backend"
	"github.com/harunnryd/voxrelay/pkg/configutil"
	"github.com/harunnryd/voxrelay/pkg/providers/deepgram"
	"github.com/harunnryd/voxrelay/pkg/providers/gemini"
	"github.com/harunnryd/voxrelay/pkg/providers/mock"
)

// Credential fallbacks read when vendor settings carry no api_key.
const (
	EnvDeepgramAPIKey = "DEEPGRAM_API_KEY"
	EnvGeminiAPIKey   = "GEMINI_API_KEY"
)

type mockSettings struct {
	ConnectDelay time.Duration `mapstructure:"connect_delay"`
	FailConnect  string        `mapstructure:"fail_connect"`
}

// DefaultProviders registers every built-in backend.
func DefaultProviders() *ProviderRegistry {
	reg := NewProviderRegistry()
	reg.Register(backend.KindTranscription, deepgram.ProviderName, newDeepgram)
	reg.Register(backend.KindLiveAudio, gemini.ProviderName, newGemini)
	reg.Register(backend.KindTranscription, mock.ProviderName, newMock)
	reg.Register(backend.KindLiveAudio, mock.ProviderName, newMock)
	return reg
}

// newDeepgram leaves a missing api_key to Connect, so the session that
// needs it fails with a configuration close rather than the whole process.
func newDeepgram(vendor VendorConfig, logger *slog.Logger) (backend.Connector, error) {
	if err := validateSettings("vendors.transcription.settings", vendor.Settings, configutil.Schema{
		Optional: []string{"api_key", "model", "language", "encoding", "sample_rate", "channels",
			"smart_format", "punctuate", "interim_results", "vad_events", "utterance_end_ms"},
	}); err != nil {
		return nil, err
	}
	cfg := deepgram.DefaultConfig()
	if err := configutil.DecodeSettings(vendor.Settings, &cfg); err != nil {
		return nil, err
	}
	cfg.APIKey = configutil.StringValue(cfg.APIKey, os.Getenv(EnvDeepgramAPIKey))
	if cfg.UtteranceEndMS < 0 || cfg.UtteranceEndMS > 5000 {
		return nil, fmt.Errorf("vendors.transcription.settings.utterance_end_ms must be between 0 and 5000, got %d", cfg.UtteranceEndMS)
	}
	if cfg.SampleRate < 0 || cfg.Channels < 0 {
		return nil, fmt.Errorf("vendors.transcription.settings sample_rate and channels must not be negative")
	}
	return deepgram.New(cfg, logger), nil
}

func newGemini(vendor VendorConfig, logger *slog.Logger) (backend.Connector, error) {
	if err := validateSettings("vendors.live_audio.settings", vendor.Settings, configutil.Schema{
		Optional: []string{"api_key", "endpoint", "model", "voice", "response_modality",
			"media_resolution", "turn_coverage", "compression_trigger_tokens",
			"compression_target_tokens", "system_instruction", "output_transcription", "write_timeout"},
	}); err != nil {
		return nil, err
	}
	cfg := gemini.DefaultConfig()
	if err := configutil.DecodeSettings(vendor.Settings, &cfg); err != nil {
		return nil, err
	}
	cfg.APIKey = configutil.StringValue(cfg.APIKey, os.Getenv(EnvGeminiAPIKey))
	switch cfg.ResponseModality {
	case "AUDIO", "TEXT", "audio", "text":
	default:
		return nil, fmt.Errorf("vendors.live_audio.settings.response_modality must be one of [AUDIO, TEXT], got %s", cfg.ResponseModality)
	}
	return gemini.New(cfg, logger), nil
}

func newMock(vendor VendorConfig, _ *slog.Logger) (backend.Connector, error) {
	if err := validateSettings("vendors.settings", vendor.Settings, configutil.Schema{
		Optional: []string{"connect_delay", "fail_connect"},
	}); err != nil {
		return nil, err
	}
	var settings mockSettings
	if err := configutil.DecodeSettings(vendor.Settings, &settings); err != nil {
		return nil, err
	}
	cfg := mock.Config{
		ConnectDelay: settings.ConnectDelay,
		Responder:    mock.EchoResponder,
	}
	if settings.FailConnect != "" {
		cfg.ConnectErr = errors.New(settings.FailConnect)
	}
	return mock.New(cfg), nil
}

func validateSettings(path string, settings map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(settings, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
