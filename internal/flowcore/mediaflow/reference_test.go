package mediaflow

import (
	"net"
	"testing"

	"github.com/sebas/flowcore/internal/flowcore/codec"
	"github.com/sebas/flowcore/internal/flowcore/ferrors"
)

func TestSetLocalDescriptionRequiresGathered(t *testing.T) {
	r := New(Config{SelfUserID: "a", AudioCodecs: []codec.Descriptor{codec.PCMU}})
	if _, err := r.SetLocalDescription(SDPTypeOffer); err != ferrors.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument before gathering, got %v", err)
	}
}

func TestGatherCompleteFiresOnceAndUnlocksSDP(t *testing.T) {
	var fired int
	r := New(Config{
		SelfUserID:  "a",
		AudioCodecs: []codec.Descriptor{codec.PCMU},
		Callbacks:   Callbacks{OnGatherComplete: func() { fired++ }},
	})

	if r.IsGathered() {
		t.Fatalf("expected ungathered before any candidate is added")
	}

	if err := r.AddLocalHostCandidate(net.Interface{Name: "eth0"}, net.ParseIP("10.0.0.5")); err != nil {
		t.Fatal(err)
	}
	if !r.IsGathered() {
		t.Fatalf("expected gathered after adding a host candidate")
	}
	if fired != 1 {
		t.Fatalf("expected OnGatherComplete exactly once, got %d", fired)
	}

	if err := r.GatherSTUN("stun.example.com:3478"); err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Fatalf("expected OnGatherComplete not to refire on subsequent gathers, got %d", fired)
	}

	sdp, err := r.SetLocalDescription(SDPTypeOffer)
	if err != nil {
		t.Fatalf("expected offer generation to succeed once gathered: %v", err)
	}
	if sdp.Type != SDPTypeOffer || sdp.Body == "" {
		t.Fatalf("expected a non-empty offer body, got %+v", sdp)
	}
	if !r.IsSDPComplete() {
		t.Fatalf("expected SetLocalDescription to mark sdpComplete")
	}
}

func TestSetRemoteDescriptionRejectsMalformedSDP(t *testing.T) {
	r := New(Config{SelfUserID: "a"})
	err := r.SetRemoteDescription(SDP{Type: SDPTypeOffer, Body: "not an sdp body"})
	if err == nil {
		t.Fatalf("expected an error for malformed SDP")
	}
}

func TestStartICEFiresCallbackAndMarksReady(t *testing.T) {
	var established bool
	r := New(Config{SelfUserID: "a", Callbacks: Callbacks{OnICEEstablished: func() { established = true }}})

	if r.ICEReady() || r.DTLSReady() {
		t.Fatalf("expected ICE/DTLS not ready before StartICE")
	}
	if err := r.StartICE(); err != nil {
		t.Fatal(err)
	}
	if !r.ICEReady() || !r.DTLSReady() {
		t.Fatalf("expected ICE/DTLS ready after StartICE")
	}
	if !established {
		t.Fatalf("expected OnICEEstablished callback to fire")
	}
}

func TestStartMediaFailsAfterClose(t *testing.T) {
	r := New(Config{SelfUserID: "a", AudioCodecs: []codec.Descriptor{codec.PCMU}})
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.StartMedia(); err != ferrors.ErrMediaFail {
		t.Fatalf("expected ErrMediaFail after Close, got %v", err)
	}
}

func TestHoldMediaStopsWithoutClosing(t *testing.T) {
	r := New(Config{SelfUserID: "a", AudioCodecs: []codec.Descriptor{codec.PCMU}})
	if err := r.AddLocalHostCandidate(net.Interface{}, net.ParseIP("10.0.0.5")); err != nil {
		t.Fatal(err)
	}
	if err := r.StartMedia(); err != nil {
		t.Fatal(err)
	}
	r.HoldMedia()
	if err := r.StartMedia(); err != nil {
		t.Fatalf("expected resuming from hold to succeed: %v", err)
	}
}

func TestStatsReportsCandidateTypesCodecAndCrypto(t *testing.T) {
	r := New(Config{SelfUserID: "a", AudioCodecs: []codec.Descriptor{codec.PCMU}})

	if s := r.Stats(); s.LocalCandidateType != "unknown" || s.Codec != "PCMU" || s.Crypto != "none" {
		t.Fatalf("unexpected pre-gather stats: %+v", s)
	}

	if err := r.AddLocalHostCandidate(net.Interface{}, net.ParseIP("10.0.0.5")); err != nil {
		t.Fatal(err)
	}
	if err := r.AddRemoteCandidate(Candidate{SDP: "candidate:1 1 UDP 1 1.2.3.4 1 typ srflx"}); err != nil {
		t.Fatal(err)
	}
	if err := r.StartICE(); err != nil {
		t.Fatal(err)
	}

	s := r.Stats()
	if s.LocalCandidateType != "host" {
		t.Fatalf("expected local candidate type host, got %q", s.LocalCandidateType)
	}
	if s.RemoteCandidateType != "srflx" {
		t.Fatalf("expected remote candidate type srflx, got %q", s.RemoteCandidateType)
	}
	if !s.DTLSReady || !s.ICEReady {
		t.Fatalf("expected DTLS/ICE ready after StartICE, got %+v", s)
	}
	if s.Crypto != "DTLS-SRTP" {
		t.Fatalf("expected crypto DTLS-SRTP once DTLS ready, got %q", s.Crypto)
	}
}
