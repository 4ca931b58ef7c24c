package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/voxrelay/pkg/adapters/backend"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/harunnryd/voxrelay/pkg/redact"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

const ProviderName = "deepgram"

var errStreamClosed = errors.New("deepgram stream closed")

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Channels       int    `mapstructure:"channels"`
	SmartFormat    bool   `mapstructure:"smart_format"`
	Punctuate      bool   `mapstructure:"punctuate"`
	InterimResults bool   `mapstructure:"interim_results"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

// DefaultConfig mirrors the relay's historical Deepgram options.
func DefaultConfig() Config {
	return Config{
		Model:          "nova-2",
		Language:       "en-US",
		SmartFormat:    true,
		InterimResults: true,
		VADEvents:      true,
	}
}

// Connector opens Deepgram live transcription streams.
type Connector struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{cfg: cfg, logger: logging.NewComponentLogger(logger, "deepgram_stt")}
}

func (c *Connector) Name() string { return ProviderName }

// liveOptions overlays per-session selectors on the configured defaults.
func (c *Connector) liveOptions(opts backend.Options) *interfaces.LiveTranscriptionOptions {
	model := c.cfg.Model
	if opts.Model != "" {
		model = opts.Model
	}
	language := c.cfg.Language
	if opts.Language != "" {
		language = opts.Language
	}
	encoding := c.cfg.Encoding
	if v := opts.Param("encoding"); v != "" {
		encoding = v
	}
	lo := &interfaces.LiveTranscriptionOptions{
		Model:          model,
		Language:       language,
		Encoding:       encoding,
		SampleRate:     opts.IntParam("sample_rate", c.cfg.SampleRate),
		Channels:       opts.IntParam("channels", c.cfg.Channels),
		SmartFormat:    opts.BoolParam("smart_format", c.cfg.SmartFormat),
		Punctuate:      opts.BoolParam("punctuate", c.cfg.Punctuate),
		InterimResults: opts.BoolParam("interim_results", c.cfg.InterimResults),
		VadEvents:      opts.BoolParam("vad_events", c.cfg.VADEvents),
	}
	if ms := opts.IntParam("utterance_end_ms", c.cfg.UtteranceEndMS); ms > 0 {
		lo.UtteranceEndMs = strconv.Itoa(ms)
	}
	return lo
}

// Connect dials Deepgram and waits for the socket to open or ctx to expire.
func (c *Connector) Connect(ctx context.Context, opts backend.Options) (backend.Stream, error) {
	if c.cfg.APIKey == "" {
		return nil, errorsx.New(errorsx.ReasonConfiguration, "Server misconfiguration")
	}
	s := newStream(opts.SessionID, c.logger)
	lo := c.liveOptions(opts)

	s.logger.Info("initializing deepgram connection",
		slog.String("model", lo.Model),
		slog.String("language", lo.Language),
		slog.Bool("interim_results", lo.InterimResults),
		slog.Bool("vad_events", lo.VadEvents),
		slog.Int("sample_rate", lo.SampleRate))

	// The socket outlives the connect deadline.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	dgClient, err := client.NewWSUsingCallback(streamCtx, c.cfg.APIKey, clientOptions, lo, &callback{parent: s})
	if err != nil {
		cancel()
		s.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return nil, errorsx.Errorf(errorsx.ReasonConnectionSetup, "deepgram client: %w", err)
	}
	s.dgClient = dgClient

	connected := make(chan bool, 1)
	go func() { connected <- dgClient.Connect() }()
	select {
	case ok := <-connected:
		if !ok {
			_ = s.Close()
			s.logger.Error("deepgram_connect_failed")
			return nil, errorsx.New(errorsx.ReasonConnectionSetup, "Deepgram connection failed")
		}
	case <-ctx.Done():
		_ = s.Close()
		s.logger.Error("deepgram_connect_timeout", slog.String("error", ctx.Err().Error()))
		return nil, errorsx.Errorf(errorsx.ReasonConnectionSetup, "deepgram connect: %w", ctx.Err())
	}

	s.logger.Info("deepgram_connected", slog.String("model", lo.Model))

	go func() {
		err := dgClient.Stream(s.pipeReader)
		if err != nil && !s.isClosed() {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
			s.deliver(item{err: errorsx.Errorf(errorsx.ReasonTransport, "deepgram stream: %w", err)})
		}
	}()
	return s, nil
}

type item struct {
	frame frames.Frame
	err   error
}

// Stream is one Deepgram live session. Callback events are handed to Recv
// one at a time; a slow reader holds back the SDK's read loop.
type Stream struct {
	sessionID string
	logger    *slog.Logger

	dgClient   *client.WSCallback
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	events       chan item
	closed       chan struct{}
	remoteClosed chan struct{}
	closeOnce    sync.Once
	remoteOnce   sync.Once
	metaLogged   atomic.Bool
	seq          atomic.Int64
}

func newStream(sessionID string, logger *slog.Logger) *Stream {
	pr, pw := io.Pipe()
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		sessionID:    sessionID,
		logger:       logger.With(slog.String("session_id", sessionID)),
		pipeReader:   pr,
		pipeWriter:   pw,
		events:       make(chan item),
		closed:       make(chan struct{}),
		remoteClosed: make(chan struct{}),
	}
}

// Send forwards one audio chunk as a binary message.
func (s *Stream) Send(ctx context.Context, f frames.Frame) error {
	chunk, ok := f.(frames.AudioChunk)
	if !ok {
		return errorsx.Errorf(errorsx.ReasonProtocol, "deepgram accepts audio only, got %s", f.Kind())
	}
	if s.isClosed() {
		return errorsx.Wrap(errStreamClosed, errorsx.ReasonTransport)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if chunk.Len() == 0 {
		return nil
	}
	s.logger.Debug("forwarding audio to deepgram", slog.Int("size_bytes", chunk.Len()))
	if _, err := s.pipeWriter.Write(chunk.RawPayload()); err != nil {
		if s.isClosed() {
			return errorsx.Wrap(errStreamClosed, errorsx.ReasonTransport)
		}
		return errorsx.Errorf(errorsx.ReasonTransport, "deepgram send: %w", err)
	}
	return nil
}

// Recv returns transcripts in arrival order, in-band errors as
// backend_runtime errors, and io.EOF after Deepgram closed the socket.
func (s *Stream) Recv(ctx context.Context) (frames.Frame, error) {
	select {
	case it := <-s.events:
		return it.frame, it.err
	case <-s.remoteClosed:
		select {
		case it := <-s.events:
			return it.frame, it.err
		default:
			return nil, io.EOF
		}
	case <-s.closed:
		return nil, errorsx.Wrap(errStreamClosed, errorsx.ReasonTransport)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.logger.Info("closing deepgram connection")
		_ = s.pipeWriter.Close()
		if s.cancel != nil {
			s.cancel()
		}
		if s.dgClient != nil {
			s.dgClient.Stop()
		}
	})
	return nil
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Stream) deliver(it item) {
	select {
	case s.events <- it:
	case <-s.closed:
	}
}

func (s *Stream) markRemoteClosed() {
	s.remoteOnce.Do(func() { close(s.remoteClosed) })
}

type callback struct {
	parent *Stream
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	transcript := ""
	if len(mr.Channel.Alternatives) > 0 {
		transcript = mr.Channel.Alternatives[0].Transcript
	}
	meta := map[string]string{
		frames.MetaSource:   frames.SourceBackend,
		frames.MetaProvider: ProviderName,
	}
	if mr.SpeechFinal {
		meta["speech_final"] = "true"
	}
	c.parent.logger.Debug("transcript_received",
		slog.String("transcript", redact.Text(transcript)),
		slog.Bool("is_final", mr.IsFinal))

	pts := c.parent.seq.Add(1)
	c.parent.deliver(item{frame: frames.NewTranscriptEvent(c.parent.sessionID, pts, transcript, mr.IsFinal, meta)})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if c.parent.metaLogged.CompareAndSwap(false, true) {
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event")
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event")
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	c.parent.markRemoteClosed()
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.deliver(item{err: errorsx.New(errorsx.ReasonBackendRuntime, fmt.Sprintf("deepgram %s: %s", er.ErrCode, er.ErrMsg))})
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("size_bytes", len(byData)))
	return nil
}

var (
	_ backend.Connector                 = (*Connector)(nil)
	_ backend.Stream                    = (*Stream)(nil)
	_ msginterfaces.LiveMessageCallback = (*callback)(nil)
)
