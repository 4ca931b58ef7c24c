package frames

import "encoding/base64"

type Kind string

const (
	KindAudio      Kind = "audio"
	KindControl    Kind = "control"
	KindTranscript Kind = "transcript"
	KindSynthesis  Kind = "synthesis"
	KindClose      Kind = "close"
)

// Frame is one unit relayed in either direction of a session.
// Within one direction frames are consumed in the order they were produced.
type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// AudioChunk carries raw client media bound for a transcription backend.
type AudioChunk struct {
	pts  int64
	data []byte
	meta map[string]string
}

func NewAudioChunk(sessionID string, pts int64, data []byte, meta map[string]string) AudioChunk {
	return AudioChunk{
		pts:  pts,
		data: data,
		meta: mergeMeta(sessionID, meta),
	}
}

func (a AudioChunk) Kind() Kind              { return KindAudio }
func (a AudioChunk) PTS() int64              { return a.pts }
func (a AudioChunk) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioChunk) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioChunk) RawPayload() []byte      { return a.data }
func (a AudioChunk) Len() int                { return len(a.data) }

// ControlEnvelope is one client-authored live-audio input. Data stays in the
// encoding the client sent it in (base64 for binary media).
type ControlEnvelope struct {
	pts       int64
	mimeType  string
	data      string
	endOfTurn bool
	meta      map[string]string
}

func NewControlEnvelope(sessionID string, pts int64, mimeType, data string, endOfTurn bool, meta map[string]string) ControlEnvelope {
	return ControlEnvelope{
		pts:       pts,
		mimeType:  mimeType,
		data:      data,
		endOfTurn: endOfTurn,
		meta:      mergeMeta(sessionID, meta),
	}
}

func (c ControlEnvelope) Kind() Kind              { return KindControl }
func (c ControlEnvelope) PTS() int64              { return c.pts }
func (c ControlEnvelope) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlEnvelope) MIMEType() string        { return c.mimeType }
func (c ControlEnvelope) Data() string            { return c.data }
func (c ControlEnvelope) EndOfTurn() bool         { return c.endOfTurn }

// DecodedData returns the payload with its base64 transport encoding removed.
func (c ControlEnvelope) DecodedData() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.data)
}

// TranscriptEvent is an interim (IsFinal false) or settled transcript.
type TranscriptEvent struct {
	pts     int64
	text    string
	isFinal bool
	meta    map[string]string
}

func NewTranscriptEvent(sessionID string, pts int64, text string, isFinal bool, meta map[string]string) TranscriptEvent {
	return TranscriptEvent{
		pts:     pts,
		text:    text,
		isFinal: isFinal,
		meta:    mergeMeta(sessionID, meta),
	}
}

func (t TranscriptEvent) Kind() Kind              { return KindTranscript }
func (t TranscriptEvent) PTS() int64              { return t.pts }
func (t TranscriptEvent) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TranscriptEvent) Text() string            { return t.text }
func (t TranscriptEvent) IsFinal() bool           { return t.isFinal }

// SynthesisEvent carries backend output. Either field may be absent;
// an empty audio slice or empty text means absent.
type SynthesisEvent struct {
	pts   int64
	audio []byte
	text  string
	meta  map[string]string
}

func NewSynthesisEvent(sessionID string, pts int64, audio []byte, text string, meta map[string]string) SynthesisEvent {
	return SynthesisEvent{
		pts:   pts,
		audio: audio,
		text:  text,
		meta:  mergeMeta(sessionID, meta),
	}
}

func (s SynthesisEvent) Kind() Kind              { return KindSynthesis }
func (s SynthesisEvent) PTS() int64              { return s.pts }
func (s SynthesisEvent) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SynthesisEvent) Audio() []byte           { return append([]byte(nil), s.audio...) }
func (s SynthesisEvent) RawAudio() []byte        { return s.audio }
func (s SynthesisEvent) Text() string            { return s.text }
func (s SynthesisEvent) HasAudio() bool          { return len(s.audio) > 0 }
func (s SynthesisEvent) HasText() bool           { return s.text != "" }

// CloseSignal is the terminal frame of a direction.
type CloseSignal struct {
	pts    int64
	code   int
	reason string
	meta   map[string]string
}

func NewCloseSignal(sessionID string, pts int64, code int, reason string, meta map[string]string) CloseSignal {
	return CloseSignal{
		pts:    pts,
		code:   code,
		reason: reason,
		meta:   mergeMeta(sessionID, meta),
	}
}

func (c CloseSignal) Kind() Kind              { return KindClose }
func (c CloseSignal) PTS() int64              { return c.pts }
func (c CloseSignal) Meta() map[string]string { return cloneMeta(c.meta) }
func (c CloseSignal) Code() int               { return c.code }
func (c CloseSignal) Reason() string          { return c.reason }

func mergeMeta(sessionID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 1+len(meta))
	if sessionID != "" {
		out[MetaSessionID] = sessionID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
