// Package codec holds the audio/video codec descriptor and the ordered
// registry MediaSystem exposes to each Userflow's Mediaflow. Descriptor
// shape is grounded on the teacher's internal/rtpmanager/media.Codec; the
// built-in PCMU entry's encode/decode functions are real, backed by
// github.com/zaf/g711, the same codec library the teacher wires for its
// own default codec (internal/rtpmanager/media/audio.go).
package codec

import (
	"time"

	"github.com/zaf/g711"
)

// Kind distinguishes audio from video codec entries in a registry.
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

// Descriptor is an immutable codec registry entry. The actual audio/video
// codec implementation (Opus/VP8) is out of scope per spec §1; PCMU and PCMA
// are the built-in entries with a real (G.711) encode/decode pair, and the
// reference Mediaflow's StartMedia uses the first audio codec's Encode for
// its synthetic RTP payload.
type Descriptor struct {
	Name        string
	Kind        Kind
	PayloadType uint8
	ClockRate   uint32
	SampleDur   time.Duration
	Channels    int

	Encode func(pcm []byte) []byte
	Decode func(payload []byte) []byte
}

// SamplesPerFrame returns samples per encode/decode frame at ClockRate.
func (d Descriptor) SamplesPerFrame() int {
	return int(d.ClockRate) * int(d.SampleDur) / int(time.Second)
}

// PCMU is the built-in G.711 mu-law audio codec, always first in a freshly
// constructed Registry's audio sequence.
var PCMU = Descriptor{
	Name:        "PCMU",
	Kind:        KindAudio,
	PayloadType: 0,
	ClockRate:   8000,
	SampleDur:   20 * time.Millisecond,
	Channels:    1,
	Encode:      g711.EncodeUlaw,
	Decode:      g711.DecodeUlaw,
}

// PCMA is the built-in G.711 A-law audio codec.
var PCMA = Descriptor{
	Name:        "PCMA",
	Kind:        KindAudio,
	PayloadType: 8,
	ClockRate:   8000,
	SampleDur:   20 * time.Millisecond,
	Channels:    1,
	Encode:      g711.EncodeAlaw,
	Decode:      g711.DecodeAlaw,
}

// Registry is MediaSystem's ordered codec sequence (§3: "audio and video
// codec registries (ordered sequences)").
type Registry struct {
	audio []Descriptor
	video []Descriptor
}

// NewRegistry returns a registry seeded with the built-in audio codecs.
// Video codecs are empty until AddVideo is called (Userflow.Alloc's
// "optionally adds video codecs" per spec §4.2).
func NewRegistry() *Registry {
	return &Registry{
		audio: []Descriptor{PCMU, PCMA},
	}
}

// Audio returns the ordered audio codec sequence.
func (r *Registry) Audio() []Descriptor {
	out := make([]Descriptor, len(r.audio))
	copy(out, r.audio)
	return out
}

// Video returns the ordered video codec sequence.
func (r *Registry) Video() []Descriptor {
	out := make([]Descriptor, len(r.video))
	copy(out, r.video)
	return out
}

// AddVideo appends a video codec descriptor to the registry.
func (r *Registry) AddVideo(d Descriptor) {
	d.Kind = KindVideo
	r.video = append(r.video, d)
}

// ByPayloadType looks up a codec descriptor across audio and video by its
// RTP payload type.
func (r *Registry) ByPayloadType(pt uint8) (Descriptor, bool) {
	for _, d := range r.audio {
		if d.PayloadType == pt {
			return d, true
		}
	}
	for _, d := range r.video {
		if d.PayloadType == pt {
			return d, true
		}
	}
	return Descriptor{}, false
}
