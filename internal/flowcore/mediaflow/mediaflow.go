// Package mediaflow defines the Mediaflow external interface of spec §3 and
// ships one reference implementation. The real SRTP/DTLS/ICE session is
// explicitly out of scope (spec §1); a conforming implementation may
// substitute any realisation behind this interface. The reference
// implementation builds real offer/answer SDP bodies with
// github.com/pion/sdp/v3 (grounded on services/rtpmanager/sdp/builder.go)
// and models RTP-start detection with github.com/pion/rtp.
package mediaflow

import (
	"net"

	"github.com/sebas/flowcore/internal/flowcore/codec"
)

// SDPType distinguishes offer from answer bodies.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SDP pairs a type with its body, mirroring Userflow's "last generated SDP"
// attribute (spec §3).
type SDP struct {
	Type SDPType
	Body string
}

// Candidate is a single ICE candidate as carried on the wire (spec §6).
type Candidate struct {
	SDP           string
	SDPMid        string
	SDPMLineIndex int
}

// Callbacks are the asynchronous notifications a Mediaflow fires back into
// its owning Userflow/Flow (spec §3): gather-complete, ICE-established,
// RTP-start, and close.
type Callbacks struct {
	OnGatherComplete  func()
	OnICEEstablished  func()
	OnRTPStart        func()
	OnClose           func(err error)
}

// Stats is a point-in-time snapshot of a Mediaflow's negotiated media
// parameters, feeding the per-flow §4.5 send_metrics payload.
type Stats struct {
	LocalCandidateType  string
	RemoteCandidateType string
	Codec               string
	Crypto              string
	DTLSReady           bool
	ICEReady            bool
}

// Config configures a freshly allocated Mediaflow (spec §4.2 Userflow.alloc).
type Config struct {
	SelfUserID   string
	RemoteUserID string
	LocalAddr    net.IP
	Loopback     bool
	Privacy      bool
	AudioCodecs  []codec.Descriptor
	Callbacks    Callbacks
}

// Mediaflow is the opaque SRTP/DTLS/ICE session handle of spec §3.
type Mediaflow interface {
	SetLocalDescription(t SDPType) (SDP, error)
	SetRemoteDescription(sdp SDP) error
	AddRemoteCandidate(c Candidate) error

	StartICE() error
	StartMedia() error
	StopMedia()
	HoldMedia()
	ResetMedia() // re-initialises encoder/decoder state without reallocating, used by the x-streamchange path (SPEC_FULL §12.4)

	IsGathered() bool
	IsSDPComplete() bool
	ResetSDPState()

	DTLSReady() bool
	ICEReady() bool
	Stats() Stats

	EnablePrivacy(bool)
	AddVideo(codec.Descriptor)
	AddLocalHostCandidate(iface net.Interface, addr net.IP) error

	GatherSTUN(server string) error
	GatherTURN(server, username, credential string) error
	GatherTURNTCP(server, username, credential string) error

	Close() error
}
