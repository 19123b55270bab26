package codec

import "testing"

func TestNewRegistrySeedsBuiltinAudio(t *testing.T) {
	r := NewRegistry()
	audio := r.Audio()
	if len(audio) != 2 {
		t.Fatalf("expected 2 built-in audio codecs, got %d", len(audio))
	}
	if audio[0].Name != "PCMU" || audio[1].Name != "PCMA" {
		t.Fatalf("unexpected audio order: %+v", audio)
	}
	if len(r.Video()) != 0 {
		t.Fatalf("expected no video codecs by default")
	}
}

func TestAddVideoSetsKind(t *testing.T) {
	r := NewRegistry()
	r.AddVideo(Descriptor{Name: "VP8", PayloadType: 100})

	video := r.Video()
	if len(video) != 1 {
		t.Fatalf("expected 1 video codec, got %d", len(video))
	}
	if video[0].Kind != KindVideo {
		t.Fatalf("expected AddVideo to force Kind=KindVideo, got %v", video[0].Kind)
	}
}

func TestByPayloadType(t *testing.T) {
	r := NewRegistry()
	r.AddVideo(Descriptor{Name: "VP8", PayloadType: 100})

	if d, ok := r.ByPayloadType(0); !ok || d.Name != "PCMU" {
		t.Fatalf("expected PCMU at payload type 0, got %+v, ok=%v", d, ok)
	}
	if d, ok := r.ByPayloadType(100); !ok || d.Name != "VP8" {
		t.Fatalf("expected VP8 at payload type 100, got %+v, ok=%v", d, ok)
	}
	if _, ok := r.ByPayloadType(99); ok {
		t.Fatalf("expected no descriptor at unregistered payload type")
	}
}

func TestSamplesPerFrame(t *testing.T) {
	if got := PCMU.SamplesPerFrame(); got != 160 {
		t.Fatalf("expected 160 samples per 20ms frame at 8kHz, got %d", got)
	}
}

func TestPCMUEncodeDecodeRoundTrip(t *testing.T) {
	pcm := []byte{0x00, 0x01, 0x02, 0x03, 0xff, 0xfe, 0x10, 0x20}
	encoded := PCMU.Encode(pcm)
	if len(encoded) != len(pcm)/2 {
		t.Fatalf("expected ulaw encode to halve 16-bit PCM, got %d bytes from %d", len(encoded), len(pcm))
	}
	decoded := PCMU.Decode(encoded)
	if len(decoded) != len(pcm) {
		t.Fatalf("expected decode to restore original length, got %d", len(decoded))
	}
}
