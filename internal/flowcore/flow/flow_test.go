package flow

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebas/flowcore/internal/flowcore/codec"
	"github.com/sebas/flowcore/internal/flowcore/events"
	"github.com/sebas/flowcore/internal/flowcore/mcat"
	"github.com/sebas/flowcore/internal/flowcore/mediaflow"
	"github.com/sebas/flowcore/internal/flowcore/userflow"
)

type fakeMediaflow struct {
	gathered     bool
	sdpComplete  bool
	candidates   []mediaflow.Candidate
	started      int
	stopped      int
	held         int
	resetSDP     int
	resetMedia   int
}

func (f *fakeMediaflow) SetLocalDescription(t mediaflow.SDPType) (mediaflow.SDP, error) {
	return mediaflow.SDP{Type: t, Body: "v=0..."}, nil
}
func (f *fakeMediaflow) SetRemoteDescription(sdp mediaflow.SDP) error { return nil }
func (f *fakeMediaflow) AddRemoteCandidate(c mediaflow.Candidate) error {
	f.candidates = append(f.candidates, c)
	return nil
}
func (f *fakeMediaflow) StartICE() error    { return nil }
func (f *fakeMediaflow) StartMedia() error  { f.started++; return nil }
func (f *fakeMediaflow) StopMedia()         { f.stopped++ }
func (f *fakeMediaflow) HoldMedia()         { f.held++ }
func (f *fakeMediaflow) ResetMedia()        { f.resetMedia++ }
func (f *fakeMediaflow) IsGathered() bool   { return f.gathered }
func (f *fakeMediaflow) IsSDPComplete() bool {
	return f.sdpComplete
}
func (f *fakeMediaflow) ResetSDPState()     { f.resetSDP++ }
func (f *fakeMediaflow) DTLSReady() bool          { return false }
func (f *fakeMediaflow) ICEReady() bool           { return false }
func (f *fakeMediaflow) Stats() mediaflow.Stats   { return mediaflow.Stats{} }
func (f *fakeMediaflow) EnablePrivacy(bool)       {}
func (f *fakeMediaflow) AddVideo(codec.Descriptor) {}
func (f *fakeMediaflow) AddLocalHostCandidate(iface net.Interface, addr net.IP) error {
	return nil
}
func (f *fakeMediaflow) GatherSTUN(server string) error                         { return nil }
func (f *fakeMediaflow) GatherTURN(server, username, credential string) error    { return nil }
func (f *fakeMediaflow) GatherTURNTCP(server, username, credential string) error { return nil }
func (f *fakeMediaflow) Close() error                                           { return nil }

var _ mediaflow.Mediaflow = (*fakeMediaflow)(nil)

func newTestFlow(t *testing.T, hooks Hooks) (*Flow, *fakeMediaflow) {
	t.Helper()
	mf := &fakeMediaflow{gathered: true}
	uf := userflow.New("self", "remote", "Remote", mf, userflow.Hooks{})
	return New("f1", "remote", true, uf, hooks), mf
}

func TestCategoryRecompute(t *testing.T) {
	cases := []struct {
		mask EstablishFlag
		want mcat.Category
	}{
		{0, mcat.Normal},
		{FlagICE, mcat.Hold},
		{FlagActive, mcat.Active},
		{FlagICE | FlagActive, mcat.Call},
		{FlagRTP | FlagActive, mcat.CallVideo},
	}
	for _, c := range cases {
		got := category(c.mask, mcat.CallVideo)
		if got != c.want {
			t.Errorf("category(%v) = %v, want %v", c.mask, got, c.want)
		}
	}
}

func TestActivateRequestsOfferWhenCreator(t *testing.T) {
	var posCalls []bool
	f, _ := newTestFlow(t, Hooks{
		ConferencePosition: func(active bool) { posCalls = append(posCalls, active) },
	})

	f.Activate(true, mcat.Normal)
	if f.Mask()&FlagActive == 0 {
		t.Fatalf("expected ACTIVE bit set")
	}
	if len(posCalls) != 1 || !posCalls[0] {
		t.Fatalf("expected conference-add hook call, got %v", posCalls)
	}
	if f.Userflow().NegotiationState() != userflow.NegIdle {
		t.Fatalf("expected offer flow to complete and reset to idle, got %v", f.Userflow().NegotiationState())
	}

	f.Activate(false, mcat.Normal)
	if len(posCalls) != 2 || posCalls[1] {
		t.Fatalf("expected conference-remove hook call on deactivate, got %v", posCalls)
	}
}

func TestHandleSDPFlushesPendingCandidates(t *testing.T) {
	f, mf := newTestFlow(t, Hooks{})

	f.HandleCandidates([]events.Candidate{{SDP: "candidate:1", SDPMid: "audio", SDPMLineIndex: 0}})
	if len(mf.candidates) != 0 {
		t.Fatalf("candidate should be queued before SDP arrives")
	}

	ev := events.RemoteSDP{
		Envelope: events.Envelope{Type: events.TypeRemoteSDP, Conversation: "cv1", Flow: "f1"},
		State:    events.SDPStateOffer,
		SDP:      "v=0 offer",
	}
	if err := f.HandleSDP(ev, mcat.Normal); err != nil {
		t.Fatal(err)
	}
	if len(mf.candidates) != 1 {
		t.Fatalf("expected pending candidate flushed after SDP, got %d", len(mf.candidates))
	}
}

func TestHandleSDPStreamChangeResetsInPlace(t *testing.T) {
	f, mf := newTestFlow(t, Hooks{})
	mf.sdpComplete = true

	ev := events.RemoteSDP{
		Envelope: events.Envelope{Type: events.TypeRemoteSDP, Conversation: "cv1", Flow: "f1"},
		State:    events.SDPStateOffer,
		SDP:      "v=0 offer\r\na=x-streamchange\r\n",
	}
	if err := f.HandleSDP(ev, mcat.Normal); err != nil {
		t.Fatal(err)
	}
	if mf.stopped != 1 || mf.resetSDP != 1 || mf.resetMedia != 1 {
		t.Fatalf("expected stop+reset-sdp+reset-media on streamchange, got stop=%d reset_sdp=%d reset_media=%d",
			mf.stopped, mf.resetSDP, mf.resetMedia)
	}
}

func TestHandleSDPDuplicateAnswerDropped(t *testing.T) {
	f, _ := newTestFlow(t, Hooks{})
	ev := events.RemoteSDP{
		Envelope: events.Envelope{Type: events.TypeRemoteSDP, Conversation: "cv1", Flow: "f1"},
		State:    events.SDPStateAnswer,
		SDP:      "v=0 answer",
	}
	// signal state starts STABLE, so this must be silently dropped rather
	// than routed into userflow.Update (which would error ErrAlready).
	if err := f.HandleSDP(ev, mcat.Normal); err != nil {
		t.Fatalf("duplicate answer must be dropped silently, got err: %v", err)
	}
}

func TestErrorReleasesAndRequestsDelete(t *testing.T) {
	var deleteReason DeleteReason
	var errored bool
	var posRemoved bool
	f, _ := newTestFlow(t, Hooks{
		RequestDelete:      func(r DeleteReason) { deleteReason = r },
		Errored:            func() { errored = true },
		ConferencePosition: func(active bool) { posRemoved = !active },
	})

	f.Error()
	if deleteReason != ReasonReleased {
		t.Fatalf("expected delete reason released, got %q", deleteReason)
	}
	if !errored || !posRemoved {
		t.Fatalf("expected errored hook and conference removal, got errored=%v posRemoved=%v", errored, posRemoved)
	}

	// Second call must be a no-op.
	f.Error()
}

func TestOnICEEstablishedFiresEstablishedHookOnce(t *testing.T) {
	var fires int
	var lastSetup time.Duration
	f, _ := newTestFlow(t, Hooks{
		Established: func(setupTime time.Duration) { fires++; lastSetup = setupTime },
	})

	f.Activate(true, mcat.Normal)
	f.OnICEEstablished(mcat.Normal)
	if fires != 1 {
		t.Fatalf("expected Established hook to fire exactly once, got %d", fires)
	}
	if lastSetup < 0 {
		t.Fatalf("expected non-negative setup time, got %v", lastSetup)
	}
	if !f.Established() {
		t.Fatalf("expected Established() true after reaching MEDIA")
	}

	f.OnICEEstablished(mcat.Normal)
	if fires != 1 {
		t.Fatalf("expected Established hook not to refire, got %d calls", fires)
	}
}

func TestStatsReflectsEstablishmentAndError(t *testing.T) {
	f, _ := newTestFlow(t, Hooks{})

	s := f.Stats("cv1")
	if s.ConvID != "cv1" || s.FlowID != "f1" || !s.Success {
		t.Fatalf("unexpected pre-establishment stats: %+v", s)
	}
	if s.SetupTimeMillis != 0 {
		t.Fatalf("expected zero setup time before establishment, got %d", s.SetupTimeMillis)
	}

	f.Activate(true, mcat.Normal)
	f.OnICEEstablished(mcat.Normal)
	s = f.Stats("cv1")
	if !s.Success {
		t.Fatalf("expected success true absent an error")
	}

	f.Error()
	s = f.Stats("cv1")
	if s.Success {
		t.Fatalf("expected success false after Error()")
	}
}

func TestRTPWatchdogEscalation(t *testing.T) {
	orig := rtpTimeout
	rtpTimeout = 5 * time.Millisecond
	defer func() { rtpTimeout = orig }()

	var interrupted int32
	var deleteReason DeleteReason
	f, _ := newTestFlow(t, Hooks{
		Interrupted:   func() { atomic.AddInt32(&interrupted, 1) },
		RequestDelete: func(r DeleteReason) { deleteReason = r },
	})

	f.OnRTPStart(mcat.Normal)

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&interrupted) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for interruption-started notification")
		}
		time.Sleep(time.Millisecond)
	}

	for deleteReason == "" {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for timeout deletion")
		}
		time.Sleep(time.Millisecond)
	}
	if deleteReason != ReasonTimeout {
		t.Fatalf("expected delete reason timeout, got %q", deleteReason)
	}
}

func TestRTPWatchdogResetsOnFreshTraffic(t *testing.T) {
	orig := rtpTimeout
	rtpTimeout = 20 * time.Millisecond
	defer func() { rtpTimeout = orig }()

	var interrupted int32
	f, _ := newTestFlow(t, Hooks{
		Interrupted: func() { atomic.AddInt32(&interrupted, 1) },
	})

	f.OnRTPStart(mcat.Normal)
	time.Sleep(10 * time.Millisecond)
	f.OnRTPStart(mcat.Normal) // fresh RTP arrives before the first stage fires
	time.Sleep(10 * time.Millisecond)

	if atomic.LoadInt32(&interrupted) != 0 {
		t.Fatalf("expected watchdog restart to suppress interruption, got %d notifications", interrupted)
	}
}
