package userflow

import (
	"errors"
	"net"
	"testing"

	"github.com/sebas/flowcore/internal/flowcore/codec"
	"github.com/sebas/flowcore/internal/flowcore/ferrors"
	"github.com/sebas/flowcore/internal/flowcore/mediaflow"
)

// fakeMediaflow is a minimal test double driven by the test, not a full
// SDP/ICE implementation (that lives in mediaflow.Reference and is
// exercised separately).
type fakeMediaflow struct {
	gathered  bool
	remoteSet []mediaflow.SDP
	localGen  int
	iceStarts int
	resets    int
	failLocal bool
}

func (f *fakeMediaflow) SetLocalDescription(t mediaflow.SDPType) (mediaflow.SDP, error) {
	if f.failLocal {
		return mediaflow.SDP{}, errors.New("boom")
	}
	f.localGen++
	return mediaflow.SDP{Type: t, Body: "v=0..."}, nil
}
func (f *fakeMediaflow) SetRemoteDescription(sdp mediaflow.SDP) error {
	f.remoteSet = append(f.remoteSet, sdp)
	return nil
}
func (f *fakeMediaflow) AddRemoteCandidate(c mediaflow.Candidate) error { return nil }
func (f *fakeMediaflow) StartICE() error                               { f.iceStarts++; return nil }
func (f *fakeMediaflow) StartMedia() error                             { return nil }
func (f *fakeMediaflow) StopMedia()                                    {}
func (f *fakeMediaflow) HoldMedia()                                    {}
func (f *fakeMediaflow) ResetMedia()                                   {}
func (f *fakeMediaflow) IsGathered() bool                              { return f.gathered }
func (f *fakeMediaflow) IsSDPComplete() bool                           { return true }
func (f *fakeMediaflow) ResetSDPState()                                { f.resets++ }
func (f *fakeMediaflow) DTLSReady() bool                               { return false }
func (f *fakeMediaflow) ICEReady() bool                                { return false }
func (f *fakeMediaflow) Stats() mediaflow.Stats                        { return mediaflow.Stats{} }
func (f *fakeMediaflow) EnablePrivacy(bool)                            {}
func (f *fakeMediaflow) AddVideo(codec.Descriptor)                     {}
func (f *fakeMediaflow) AddLocalHostCandidate(iface net.Interface, addr net.IP) error {
	return nil
}
func (f *fakeMediaflow) GatherSTUN(server string) error                         { return nil }
func (f *fakeMediaflow) GatherTURN(server, username, credential string) error    { return nil }
func (f *fakeMediaflow) GatherTURNTCP(server, username, credential string) error { return nil }
func (f *fakeMediaflow) Close() error                                           { return nil }

var _ mediaflow.Mediaflow = (*fakeMediaflow)(nil)

func TestGenerateOfferDefersWhenUngathered(t *testing.T) {
	mf := &fakeMediaflow{gathered: false}
	uf := New("self", "remote", "Remote", mf, Hooks{})

	if err := uf.GenerateOffer(); err != nil {
		t.Fatal(err)
	}
	if mf.localGen != 0 {
		t.Fatalf("expected no SDP generated while ungathered")
	}
	if uf.SignalState() != SignalStable {
		t.Fatalf("signal state should remain stable until gather completes")
	}

	mf.gathered = true
	uf.OnGatherComplete()

	if mf.localGen != 1 {
		t.Fatalf("expected offer generated after gather complete, got %d", mf.localGen)
	}
	if uf.SignalState() != SignalHaveLocalOffer {
		t.Fatalf("expected have-local-offer, got %v", uf.SignalState())
	}
}

func TestGenerateOfferPostedViaHook(t *testing.T) {
	mf := &fakeMediaflow{gathered: true}
	var posted mediaflow.SDPType
	var body string
	uf := New("self", "remote", "Remote", mf, Hooks{
		RequestLocalSDP: func(t mediaflow.SDPType, b string) { posted = t; body = b },
	})
	uf.SetState(NegOffer)

	if err := uf.GenerateOffer(); err != nil {
		t.Fatal(err)
	}
	if posted != mediaflow.SDPTypeOffer || body == "" {
		t.Fatalf("expected offer to be posted via hook, got %v %q", posted, body)
	}
	if uf.NegotiationState() != NegIdle {
		t.Fatalf("expected negotiation state reset to idle, got %v", uf.NegotiationState())
	}
}

func TestAcceptGlareSelfWins(t *testing.T) {
	mf := &fakeMediaflow{gathered: true}
	uf := New("zzz", "aaa", "Remote", mf, Hooks{})
	uf.SetState(NegOffer)
	if err := uf.GenerateOffer(); err != nil {
		t.Fatal(err)
	}
	if uf.SignalState() != SignalHaveLocalOffer {
		t.Fatalf("setup: expected have-local-offer")
	}

	if err := uf.Accept("v=0 remote offer"); err != nil {
		t.Fatal(err)
	}
	if uf.SignalState() != SignalHaveLocalOffer {
		t.Fatalf("self (zzz) should win glare against aaa and keep its own offer, got %v", uf.SignalState())
	}
	if mf.resets != 0 {
		t.Fatalf("winner should not reset SDP state")
	}
}

func TestAcceptGlareSelfLoses(t *testing.T) {
	mf := &fakeMediaflow{gathered: true}
	uf := New("aaa", "zzz", "Remote", mf, Hooks{})
	uf.SetState(NegOffer)
	if err := uf.GenerateOffer(); err != nil {
		t.Fatal(err)
	}

	if err := uf.Accept("v=0 remote offer"); err != nil {
		t.Fatal(err)
	}
	if mf.resets != 1 {
		t.Fatalf("loser (aaa) should reset SDP state against zzz, got %d resets", mf.resets)
	}
	if mf.iceStarts != 1 {
		t.Fatalf("accept must unconditionally start ICE, got %d starts", mf.iceStarts)
	}
}

func TestAcceptDefersAnswerWhenUngathered(t *testing.T) {
	mf := &fakeMediaflow{gathered: false}
	uf := New("self", "remote", "Remote", mf, Hooks{})

	if err := uf.Accept("v=0..."); err != nil {
		t.Fatal(err)
	}
	if mf.localGen != 0 {
		t.Fatalf("should not generate answer while ungathered")
	}
	if uf.NegotiationState() != NegAnswer {
		t.Fatalf("expected negotiation state ANSWER while deferred, got %v", uf.NegotiationState())
	}
	if mf.iceStarts != 1 {
		t.Fatalf("accept must start ICE even when answer is deferred")
	}

	mf.gathered = true
	uf.OnGatherComplete()
	if mf.localGen != 1 {
		t.Fatalf("expected deferred answer generated on gather complete")
	}
	if uf.SignalState() != SignalStable {
		t.Fatalf("expected stable after deferred answer, got %v", uf.SignalState())
	}
}

func TestUpdateRequiresHaveLocalOffer(t *testing.T) {
	mf := &fakeMediaflow{gathered: true}
	uf := New("self", "remote", "Remote", mf, Hooks{})

	err := uf.Update("v=0 answer")
	if !errors.Is(err, ferrors.ErrAlready) {
		t.Fatalf("expected ErrAlready when not awaiting an answer, got %v", err)
	}

	uf.SetState(NegOffer)
	if err := uf.GenerateOffer(); err != nil {
		t.Fatal(err)
	}
	if err := uf.Update("v=0 answer"); err != nil {
		t.Fatal(err)
	}
	if uf.SignalState() != SignalStable {
		t.Fatalf("expected stable after update, got %v", uf.SignalState())
	}
	if mf.iceStarts != 1 {
		t.Fatalf("update must start ICE")
	}
}

func TestSetStateIdleClearsSDPReady(t *testing.T) {
	mf := &fakeMediaflow{gathered: true}
	uf := New("self", "remote", "Remote", mf, Hooks{})
	uf.SetState(NegPost)
	if err := uf.GenerateOffer(); err != nil {
		t.Fatal(err)
	}
	if !uf.SDPReady() {
		t.Fatalf("expected sdp ready after offer generation")
	}
	uf.SetState(NegIdle)
	if uf.SDPReady() {
		t.Fatalf("expected sdp ready cleared after idle transition")
	}
}

func TestBindUnbind(t *testing.T) {
	mf := &fakeMediaflow{}
	uf := New("self", "remote", "Remote", mf, Hooks{})
	if uf.BoundFlowID() != "" {
		t.Fatalf("expected unbound initially")
	}
	uf.Bind("flow1")
	if uf.BoundFlowID() != "flow1" {
		t.Fatalf("expected bound to flow1")
	}
	uf.Unbind()
	if uf.BoundFlowID() != "" {
		t.Fatalf("expected unbound after Unbind")
	}
}
