package backend

import (
	"context"
	"strconv"
	"strings"

	"github.com/harunnryd/voxrelay/pkg/frames"
)

// Kind names the flavour of upstream a session relays to.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindLiveAudio     Kind = "live_audio"
)

// ParseKind accepts the canonical names plus common spellings.
func ParseKind(v string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "transcription", "stt", "transcribe":
		return KindTranscription, true
	case "live_audio", "live-audio", "liveaudio", "live":
		return KindLiveAudio, true
	}
	return "", false
}

// Connector establishes per-session backend streams. Implementations are
// safe for concurrent use; each Connect returns an independent Stream.
type Connector interface {
	// Name returns the provider name for logging/metrics.
	Name() string
	// Connect dials the backend and completes its handshake. It fails with a
	// configuration or connection_setup reason and must honor ctx expiry.
	Connect(ctx context.Context, opts Options) (Stream, error)
}

// Stream is one session's duplex connection to a backend.
//
// Send is called only by the client->backend pump and Recv only by the
// backend->client pump. Close may be called from anywhere, any number of
// times, and unblocks pending Send and Recv calls.
type Stream interface {
	Send(ctx context.Context, f frames.Frame) error
	// Recv returns the next backend frame. It returns io.EOF once the backend
	// ended the stream. Errors with the backend_runtime reason are in-band
	// events; the stream stays usable after them.
	Recv(ctx context.Context) (frames.Frame, error)
	Close() error
}

// Options carries per-session selectors chosen by the client.
type Options struct {
	SessionID string
	Model     string
	Language  string
	Params    map[string]string
}

// Param returns a trimmed selector value.
func (o Options) Param(key string) string {
	if o.Params == nil {
		return ""
	}
	return strings.TrimSpace(o.Params[key])
}

// BoolParam parses a boolean selector, returning fallback when absent or invalid.
func (o Options) BoolParam(key string, fallback bool) bool {
	v := o.Param(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// IntParam parses an integer selector, returning fallback when absent or invalid.
func (o Options) IntParam(key string, fallback int) int {
	v := o.Param(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
