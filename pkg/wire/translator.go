// Package wire translates between client websocket frames and relay frames.
// Every function here is pure; callers supply frame timestamps.
package wire

import (
	"encoding/json"

	"github.com/harunnryd/voxrelay/pkg/adapters/backend"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/transports"
)

// Envelope is the live-audio client message.
type Envelope struct {
	MIMEType  *string `json:"mime_type"`
	Data      *string `json:"data"`
	EndOfTurn bool    `json:"end_of_turn,omitempty"`
}

type transcriptMessage struct {
	Channel transcriptChannel `json:"channel"`
	IsFinal bool              `json:"is_final"`
}

type transcriptChannel struct {
	Alternatives []transcriptAlternative `json:"alternatives"`
}

type transcriptAlternative struct {
	Transcript string `json:"transcript"`
}

type textMessage struct {
	Text string `json:"text"`
}

// DecodeClient dispatches on the session kind.
func DecodeClient(kind backend.Kind, sessionID string, pts int64, msg transports.Message) (frames.Frame, error) {
	switch kind {
	case backend.KindTranscription:
		return DecodeClientAudio(sessionID, pts, msg)
	case backend.KindLiveAudio:
		return DecodeClientEnvelope(sessionID, pts, msg)
	default:
		return nil, errorsx.Errorf(errorsx.ReasonConfiguration, "unsupported session kind %q", kind)
	}
}

// DecodeClientAudio passes binary bytes through unchanged.
func DecodeClientAudio(sessionID string, pts int64, msg transports.Message) (frames.AudioChunk, error) {
	if msg.Type != transports.BinaryMessage {
		return frames.AudioChunk{}, errorsx.Errorf(errorsx.ReasonProtocol, "expected binary audio frame, got %s", msg.Type)
	}
	meta := map[string]string{frames.MetaSource: frames.SourceClient}
	return frames.NewAudioChunk(sessionID, pts, msg.Data, meta), nil
}

// DecodeClientEnvelope parses a JSON envelope. mime_type must be non-empty and
// data must be present; end_of_turn defaults to false.
func DecodeClientEnvelope(sessionID string, pts int64, msg transports.Message) (frames.ControlEnvelope, error) {
	if msg.Type != transports.TextMessage {
		return frames.ControlEnvelope{}, errorsx.Errorf(errorsx.ReasonProtocol, "expected text envelope frame, got %s", msg.Type)
	}
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return frames.ControlEnvelope{}, errorsx.Errorf(errorsx.ReasonProtocol, "invalid envelope: %w", err)
	}
	if env.MIMEType == nil || *env.MIMEType == "" {
		return frames.ControlEnvelope{}, errorsx.New(errorsx.ReasonProtocol, "envelope missing mime_type")
	}
	if env.Data == nil {
		return frames.ControlEnvelope{}, errorsx.New(errorsx.ReasonProtocol, "envelope missing data")
	}
	meta := map[string]string{
		frames.MetaSource:   frames.SourceClient,
		frames.MetaMIMEType: *env.MIMEType,
	}
	return frames.NewControlEnvelope(sessionID, pts, *env.MIMEType, *env.Data, env.EndOfTurn, meta), nil
}

// EncodeBackend renders a backend frame into zero or more client messages.
func EncodeBackend(f frames.Frame) ([]transports.Message, error) {
	switch v := f.(type) {
	case frames.TranscriptEvent:
		return EncodeTranscript(v)
	case frames.SynthesisEvent:
		return EncodeSynthesis(v)
	default:
		return nil, errorsx.Errorf(errorsx.ReasonProtocol, "cannot encode %s frame for client", f.Kind())
	}
}

// EncodeTranscript yields nothing for an empty transcript.
func EncodeTranscript(ev frames.TranscriptEvent) ([]transports.Message, error) {
	if ev.Text() == "" {
		return nil, nil
	}
	payload := transcriptMessage{
		Channel: transcriptChannel{Alternatives: []transcriptAlternative{{Transcript: ev.Text()}}},
		IsFinal: ev.IsFinal(),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonProtocol)
	}
	return []transports.Message{{Type: transports.TextMessage, Data: b}}, nil
}

// EncodeSynthesis emits audio first, then text, omitting absent parts.
func EncodeSynthesis(ev frames.SynthesisEvent) ([]transports.Message, error) {
	out := make([]transports.Message, 0, 2)
	if ev.HasAudio() {
		out = append(out, transports.Message{Type: transports.BinaryMessage, Data: ev.RawAudio()})
	}
	if ev.HasText() {
		b, err := json.Marshal(textMessage{Text: ev.Text()})
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonProtocol)
		}
		out = append(out, transports.Message{Type: transports.TextMessage, Data: b})
	}
	return out, nil
}
