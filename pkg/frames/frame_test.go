package frames

import "testing"

func TestMetaCarriesSessionAndIsCopied(t *testing.T) {
	f := NewAudioChunk("sess-1", 1, []byte{1, 2, 3}, map[string]string{MetaSource: SourceClient})
	meta := f.Meta()
	if meta[MetaSessionID] != "sess-1" {
		t.Fatalf("expected session id in meta, got %q", meta[MetaSessionID])
	}
	meta[MetaSource] = "mutated"
	if f.Meta()[MetaSource] != SourceClient {
		t.Fatalf("expected meta to be copied on read")
	}
}

func TestAudioChunkDataIsCopy(t *testing.T) {
	raw := []byte{1, 2, 3}
	f := NewAudioChunk("sess-1", 1, raw, nil)
	d := f.Data()
	d[0] = 9
	if f.RawPayload()[0] != 1 {
		t.Fatalf("expected Data to return a copy")
	}
}

func TestSynthesisEventPresence(t *testing.T) {
	ev := NewSynthesisEvent("sess-1", 1, nil, "", nil)
	if ev.HasAudio() || ev.HasText() {
		t.Fatalf("expected empty synthesis event to carry nothing")
	}
	ev = NewSynthesisEvent("sess-1", 1, []byte{1}, "hi", nil)
	if !ev.HasAudio() || !ev.HasText() {
		t.Fatalf("expected both audio and text")
	}
}

func TestControlEnvelopeDecodedData(t *testing.T) {
	env := NewControlEnvelope("sess-1", 1, "audio/pcm", "QUJD", true, nil)
	raw, err := env.DecodedData()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw) != "ABC" {
		t.Fatalf("expected ABC, got %q", raw)
	}
	if !env.EndOfTurn() {
		t.Fatalf("expected end of turn")
	}
}
