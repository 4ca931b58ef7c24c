package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxrelay/pkg/adapters/backend"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/harunnryd/voxrelay/pkg/redact"
)

const (
	ProviderName = "gemini"

	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultModel    = "models/gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice    = "Charon"
)

var errStreamClosed = errors.New("gemini stream closed")

type Config struct {
	APIKey                   string        `mapstructure:"api_key"`
	Endpoint                 string        `mapstructure:"endpoint"`
	Model                    string        `mapstructure:"model"`
	Voice                    string        `mapstructure:"voice"`
	ResponseModality         string        `mapstructure:"response_modality"`
	MediaResolution          string        `mapstructure:"media_resolution"`
	TurnCoverage             string        `mapstructure:"turn_coverage"`
	CompressionTriggerTokens int64         `mapstructure:"compression_trigger_tokens"`
	CompressionTargetTokens  int64         `mapstructure:"compression_target_tokens"`
	SystemInstruction        string        `mapstructure:"system_instruction"`
	OutputTranscription      bool          `mapstructure:"output_transcription"`
	WriteTimeout             time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig mirrors the relay's historical live session settings.
func DefaultConfig() Config {
	return Config{
		Endpoint:                 DefaultEndpoint,
		Model:                    DefaultModel,
		Voice:                    DefaultVoice,
		ResponseModality:         "AUDIO",
		MediaResolution:          "MEDIA_RESOLUTION_MEDIUM",
		TurnCoverage:             "TURN_INCLUDES_ALL_INPUT",
		CompressionTriggerTokens: 25600,
		CompressionTargetTokens:  12800,
		WriteTimeout:             10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.Voice == "" {
		c.Voice = d.Voice
	}
	if c.ResponseModality == "" {
		c.ResponseModality = d.ResponseModality
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// Connector opens Gemini Live sessions over a raw websocket.
type Connector struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		cfg:    cfg.withDefaults(),
		dialer: &websocket.Dialer{Proxy: websocket.DefaultDialer.Proxy, ReadBufferSize: 16384, WriteBufferSize: 16384},
		logger: logging.NewComponentLogger(logger, "gemini_live"),
	}
}

func (c *Connector) Name() string { return ProviderName }

func (c *Connector) endpointURL() (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", errorsx.Errorf(errorsx.ReasonConfiguration, "invalid gemini endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", c.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Connector) setupFor(opts backend.Options) setupMessage {
	model := c.cfg.Model
	if opts.Model != "" {
		model = opts.Model
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	modality := strings.ToUpper(c.cfg.ResponseModality)
	if v := opts.Param("response_modality"); v != "" {
		modality = strings.ToUpper(v)
	}
	voice := c.cfg.Voice
	if v := opts.Param("voice"); v != "" {
		voice = v
	}

	s := setup{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{modality},
			MediaResolution:    c.cfg.MediaResolution,
		},
	}
	if modality == "AUDIO" {
		s.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice}},
		}
		if c.cfg.OutputTranscription {
			s.OutputAudioTranscription = &struct{}{}
		}
	}
	if c.cfg.TurnCoverage != "" {
		s.RealtimeInputConfig = &realtimeInputConfig{TurnCoverage: c.cfg.TurnCoverage}
	}
	if c.cfg.CompressionTriggerTokens > 0 {
		cw := &contextWindowCompression{TriggerTokens: c.cfg.CompressionTriggerTokens}
		if c.cfg.CompressionTargetTokens > 0 {
			cw.SlidingWindow = &slidingWindow{TargetTokens: c.cfg.CompressionTargetTokens}
		}
		s.ContextWindowCompression = cw
	}
	if c.cfg.SystemInstruction != "" {
		s.SystemInstruction = &content{Parts: []part{{Text: c.cfg.SystemInstruction}}}
	}
	return setupMessage{Setup: s}
}

// Connect dials the endpoint, sends setup and waits for setupComplete.
func (c *Connector) Connect(ctx context.Context, opts backend.Options) (backend.Stream, error) {
	if c.cfg.APIKey == "" {
		return nil, errorsx.New(errorsx.ReasonConfiguration, "Gemini API key not configured")
	}
	target, err := c.endpointURL()
	if err != nil {
		return nil, err
	}
	logger := c.logger.With(slog.String("session_id", opts.SessionID))
	msg := c.setupFor(opts)
	logger.Info("initializing gemini live connection",
		slog.String("model", msg.Setup.Model),
		slog.Any("response_modalities", msg.Setup.GenerationConfig.ResponseModalities))

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		logger.Error("gemini_dial_failed", slog.String("error", err.Error()), slog.Int("status", status))
		return nil, errorsx.Errorf(errorsx.ReasonConnectionSetup, "gemini dial: %w", err)
	}

	// A blocked handshake read is released by closing the socket.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err = handshake(conn, msg)
	interrupted := !stop()
	if err != nil || interrupted {
		_ = conn.Close()
		if interrupted && ctx.Err() != nil {
			err = ctx.Err()
		}
		logger.Error("gemini_setup_failed", slog.String("error", err.Error()))
		return nil, errorsx.Errorf(errorsx.ReasonConnectionSetup, "gemini setup: %w", err)
	}
	logger.Info("gemini_connected", slog.String("model", msg.Setup.Model))

	return &Stream{
		sessionID:    opts.SessionID,
		conn:         conn,
		writeTimeout: c.cfg.WriteTimeout,
		logger:       logger,
		closed:       make(chan struct{}),
	}, nil
}

func handshake(conn *websocket.Conn, msg setupMessage) error {
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var sm serverMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			return fmt.Errorf("invalid setup reply: %w", err)
		}
		if sm.Error != nil {
			return fmt.Errorf("setup rejected: %s %s", sm.Error.Status, sm.Error.Message)
		}
		if sm.SetupComplete != nil {
			return nil
		}
	}
}

// Stream is one Gemini Live session.
type Stream struct {
	sessionID    string
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	seq       atomic.Int64
}

// Send emits exactly one backend message per envelope.
func (s *Stream) Send(ctx context.Context, f frames.Frame) error {
	env, ok := f.(frames.ControlEnvelope)
	if !ok {
		return errorsx.Errorf(errorsx.ReasonProtocol, "gemini accepts envelopes only, got %s", f.Kind())
	}
	if s.isClosed() {
		return errorsx.Wrap(errStreamClosed, errorsx.ReasonTransport)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(envelopeMessage(env))
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonProtocol)
	}
	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if s.isClosed() {
			return errorsx.Wrap(errStreamClosed, errorsx.ReasonTransport)
		}
		return errorsx.Errorf(errorsx.ReasonTransport, "gemini send: %w", err)
	}
	s.logger.Debug("envelope_forwarded",
		slog.String("mime_type", env.MIMEType()),
		slog.Bool("end_of_turn", env.EndOfTurn()),
		slog.Int("size_bytes", len(env.Data())))
	return nil
}

// envelopeMessage maps an envelope onto realtimeInput or clientContent.
// Streaming media goes through realtimeInput; text and turn boundaries go
// through clientContent so turnComplete can carry the flag.
func envelopeMessage(env frames.ControlEnvelope) any {
	isText := strings.HasPrefix(strings.ToLower(env.MIMEType()), "text/")
	if !env.EndOfTurn() && !isText {
		return realtimeInputMessage{RealtimeInput: realtimeInput{
			MediaChunks: []blob{{MIMEType: env.MIMEType(), Data: env.Data()}},
		}}
	}
	cc := clientContent{TurnComplete: env.EndOfTurn()}
	if env.Data() != "" {
		var p part
		if isText {
			p.Text = envelopeText(env)
		} else {
			p.InlineData = &blob{MIMEType: env.MIMEType(), Data: env.Data()}
		}
		cc.Turns = []content{{Role: "user", Parts: []part{p}}}
	}
	return clientContentMessage{ClientContent: cc}
}

// envelopeText accepts base64 or plain text payloads.
func envelopeText(env frames.ControlEnvelope) string {
	if raw, err := env.DecodedData(); err == nil {
		return string(raw)
	}
	return env.Data()
}

// Recv returns the next model output. goAway and server errors surface as
// backend_runtime errors; the socket stays readable after them.
func (s *Stream) Recv(ctx context.Context) (frames.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, s.readError(err)
		}
		var sm serverMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			s.logger.Warn("gemini_invalid_message", slog.String("error", err.Error()))
			continue
		}
		switch {
		case sm.GoAway != nil:
			s.logger.Warn("gemini_go_away", slog.String("time_left", sm.GoAway.TimeLeft))
			return nil, errorsx.Errorf(errorsx.ReasonBackendRuntime, "gemini go_away, time left %s", sm.GoAway.TimeLeft)
		case sm.Error != nil:
			s.logger.Error("gemini_error", slog.Int("code", sm.Error.Code), slog.String("status", sm.Error.Status))
			return nil, errorsx.Errorf(errorsx.ReasonBackendRuntime, "gemini error %d: %s", sm.Error.Code, sm.Error.Message)
		case sm.ServerContent != nil:
			if ev, ok := s.synthesis(sm.ServerContent); ok {
				return ev, nil
			}
		}
	}
}

func (s *Stream) synthesis(sc *serverContent) (frames.SynthesisEvent, bool) {
	if sc.Interrupted {
		s.logger.Debug("gemini_turn_interrupted")
	}
	if sc.TurnComplete {
		s.logger.Debug("gemini_turn_complete")
	}
	var audio []byte
	var text strings.Builder
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.Text != "" {
				text.WriteString(p.Text)
			}
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				s.logger.Warn("gemini_invalid_inline_data", slog.String("error", err.Error()))
				continue
			}
			audio = append(audio, raw...)
		}
	}
	if text.Len() == 0 && sc.OutputTranscription != nil {
		text.WriteString(sc.OutputTranscription.Text)
	}
	if len(audio) == 0 && text.Len() == 0 {
		return frames.SynthesisEvent{}, false
	}
	s.logger.Debug("synthesis_received",
		slog.Int("audio_bytes", len(audio)),
		slog.String("text", redact.Text(text.String())))
	meta := map[string]string{
		frames.MetaSource:   frames.SourceBackend,
		frames.MetaProvider: ProviderName,
	}
	return frames.NewSynthesisEvent(s.sessionID, s.seq.Add(1), audio, text.String(), meta), true
}

func (s *Stream) readError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	if s.isClosed() || errors.Is(err, net.ErrClosed) {
		return errorsx.Wrap(errStreamClosed, errorsx.ReasonTransport)
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		s.logger.Warn("gemini_closed", slog.Int("code", ce.Code), slog.String("reason", ce.Text))
		return errorsx.Errorf(errorsx.ReasonTransport, "gemini closed with code %d: %s", ce.Code, ce.Text)
	}
	return errorsx.Errorf(errorsx.ReasonTransport, "gemini receive: %w", err)
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.logger.Info("closing gemini connection")
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

var (
	_ backend.Connector = (*Connector)(nil)
	_ backend.Stream    = (*Stream)(nil)
)
