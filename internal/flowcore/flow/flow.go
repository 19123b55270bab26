// Package flow implements the per-RTP-stream establishment state machine of
// spec §4.3, grounded on original_source/src/flowmgr/flow.c for the
// SDP/candidate event policies and on the teacher's session.Session type
// (internal/rtpmanager/session/manager.go) for the "record owned by a
// parent dictionary, mutated under its own lock" shape.
package flow

import (
	"strings"
	"sync"
	"time"

	"github.com/sebas/flowcore/internal/flowcore/events"
	"github.com/sebas/flowcore/internal/flowcore/logging"
	"github.com/sebas/flowcore/internal/flowcore/mcat"
	"github.com/sebas/flowcore/internal/flowcore/mediaflow"
	"github.com/sebas/flowcore/internal/flowcore/metrics"
	"github.com/sebas/flowcore/internal/flowcore/userflow"
)

var log = logging.For("flow")

// rtpTimeout is the per-flow RTP watchdog period of spec §5 Timers /
// SPEC_FULL §12.5: a first silent period fires an interruption-started
// notification; a second consecutive one deletes the flow with
// reason=timeout.
var rtpTimeout = 2 * time.Second

// EstablishFlag is one bit of the establishment bitmask of spec §3/§4.3.
type EstablishFlag uint8

const (
	FlagICE EstablishFlag = 1 << iota
	FlagActive
	FlagRTP
)

// HasMedia reports MEDIA = ICE ∧ ACTIVE.
func (f EstablishFlag) HasMedia() bool {
	return f&FlagICE != 0 && f&FlagActive != 0
}

// DeleteReason is the `reason` query parameter of the delete REST request.
type DeleteReason string

const (
	ReasonReleased DeleteReason = "released"
	ReasonTimeout  DeleteReason = "timeout"
)

// Hooks are the side effects a Flow triggers in its owning Call (spec §9:
// "each references the other by id, looked up in the Call's two maps").
type Hooks struct {
	// RequestDelete issues the DELETE …/flows/<id>?reason=<reason> request.
	RequestDelete func(reason DeleteReason)
	// CategoryChanged reports this flow's recomputed category contribution;
	// Call.mcat_change/mcat_changed folds it into the call-wide category.
	CategoryChanged func(cat mcat.Category)
	// ConferencePosition adds (true) or removes (false) this flow from the
	// call's ordered conference-participant list.
	ConferencePosition func(active bool)
	// Errored reports a MEDIA_FAIL-class error for Call-level escalation
	// ("if no good flow remains ... or this was the active flow of a 1-1
	// call, notifies the application's error handler", spec §4.3).
	Errored func()
	// Restart reallocates this flow's userflow (release mediaflow,
	// reallocate, generate offer) and rebinds via Rebind.
	Restart func()
	// Interrupted reports the first-stage RTP-timeout notification (spec
	// §5 Timers, §7 TIMEOUT): "interruption started", not yet fatal.
	Interrupted func()
	// Established reports this flow reaching MEDIA establishment for the
	// first time, carrying the elapsed setup time (spec §4.5 send_metrics
	// setup_time / metrics.SetupTime histogram).
	Established func(setupTime time.Duration)
}

// Flow is one active RTP stream on a conversation (spec §3, §4.3).
type Flow struct {
	mu sync.Mutex

	ID           string
	RemoteUserID string
	Creator      bool

	deleted bool
	mask    EstablishFlag
	gotSDP  bool
	pending []events.Candidate

	uf *userflow.Userflow

	errored      bool
	rtpTimer     *time.Timer
	timeoutStage int
	hooks        Hooks

	created       time.Time
	establishedAt time.Time
	rtpStartedAt  time.Time
}

// New constructs a Flow already bound to uf (spec §4.3 alloc, minus the
// userflow acquire-or-reuse step which is Call's dictionary responsibility).
func New(id, remoteUserID string, creator bool, uf *userflow.Userflow, hooks Hooks) *Flow {
	uf.Bind(id)
	return &Flow{
		ID:           id,
		RemoteUserID: remoteUserID,
		Creator:      creator,
		uf:           uf,
		hooks:        hooks,
		created:      time.Now(),
	}
}

// Userflow returns the bound negotiation state machine.
func (f *Flow) Userflow() *userflow.Userflow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uf
}

// Rebind swaps in a freshly reallocated userflow, e.g. after Restart.
func (f *Flow) Rebind(uf *userflow.Userflow) {
	f.mu.Lock()
	old := f.uf
	f.uf = uf
	f.gotSDP = false
	f.mask &^= FlagICE
	f.mu.Unlock()
	if old != nil {
		old.Unbind()
	}
	uf.Bind(f.ID)
}

// Mask returns the current establishment bitmask.
func (f *Flow) Mask() EstablishFlag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mask
}

// Deleted reports whether this flow has been marked for removal.
func (f *Flow) Deleted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted
}

// category recomputes this flow's category contribution per spec §4.3's
// establishment state machine: MEDIA => CALL; ACTIVE alone => ACTIVE;
// ICE alone => HOLD; RTP+ACTIVE => inherit; otherwise NORMAL.
func category(mask EstablishFlag, inherited mcat.Category) mcat.Category {
	switch {
	case mask.HasMedia():
		return mcat.Call
	case mask == FlagActive:
		return mcat.Active
	case mask == FlagICE:
		return mcat.Hold
	case mask&FlagRTP != 0 && mask&FlagActive != 0:
		return inherited
	default:
		return mcat.Normal
	}
}

func (f *Flow) recompute(inherited mcat.Category) {
	f.mu.Lock()
	mask := f.mask
	f.mu.Unlock()
	if f.hooks.CategoryChanged != nil {
		f.hooks.CategoryChanged(category(mask, inherited))
	}
}

// OnICEEstablished is wired as the Mediaflow's ICE-established callback.
func (f *Flow) OnICEEstablished(inherited mcat.Category) {
	f.mu.Lock()
	f.mask |= FlagICE
	setupTime, justEstablished := f.markEstablishedLocked()
	f.mu.Unlock()
	if justEstablished && f.hooks.Established != nil {
		f.hooks.Established(setupTime)
	}
	f.recompute(inherited)
}

// OnRTPStart is wired as the Mediaflow's RTP-start callback. Each received
// RTP packet cancels (restarts) the watchdog, per spec §5 Timers.
func (f *Flow) OnRTPStart(inherited mcat.Category) {
	f.mu.Lock()
	f.mask |= FlagRTP
	f.timeoutStage = 0
	if f.rtpStartedAt.IsZero() {
		f.rtpStartedAt = time.Now()
	}
	f.mu.Unlock()
	f.armRTPWatchdog()
	f.recompute(inherited)
}

// markEstablishedLocked records the first transition into MEDIA
// establishment (ICE+ACTIVE), called with f.mu held. Returns the elapsed
// setup time and whether this call was the one that made the transition.
func (f *Flow) markEstablishedLocked() (time.Duration, bool) {
	if !f.establishedAt.IsZero() || !f.mask.HasMedia() {
		return 0, false
	}
	f.establishedAt = time.Now()
	return f.establishedAt.Sub(f.created), true
}

// armRTPWatchdog (re)starts the 2-second RTP-timeout timer (spec §5, §7
// TIMEOUT, SPEC_FULL §12.5).
func (f *Flow) armRTPWatchdog() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted || f.errored {
		return
	}
	if f.rtpTimer != nil {
		f.rtpTimer.Stop()
	}
	f.rtpTimer = time.AfterFunc(rtpTimeout, f.onRTPTimeout)
}

// stopRTPWatchdog cancels the timer, e.g. on delete/error.
func (f *Flow) stopRTPWatchdog() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rtpTimer != nil {
		f.rtpTimer.Stop()
		f.rtpTimer = nil
	}
}

// onRTPTimeout fires on a silent RTP period. The first firing emits an
// interruption-started notification and rearms; a second consecutive
// firing (no RTP seen in between) deletes the flow with reason=timeout
// (spec §7 TIMEOUT, SPEC_FULL §12.5 two-stage escalation).
func (f *Flow) onRTPTimeout() {
	f.mu.Lock()
	stage := f.timeoutStage
	f.timeoutStage++
	f.mu.Unlock()

	if stage == 0 {
		log.Info("rtp interruption started", "flow", f.ID)
		if f.hooks.Interrupted != nil {
			f.hooks.Interrupted()
		}
		f.armRTPWatchdog()
		return
	}

	log.Warn("rtp timeout: deleting flow", "flow", f.ID)
	f.HandleDelete(ReasonTimeout)
}

// Activate toggles the ACTIVE bit (spec §4.3 activate). On activation it
// ensures the userflow requests an offer when this side is the creator; on
// deactivation it removes the flow from the conference-position list.
func (f *Flow) Activate(active bool, inherited mcat.Category) {
	f.mu.Lock()
	if active {
		f.mask |= FlagActive
	} else {
		f.mask &^= FlagActive
	}
	creator := f.Creator
	uf := f.uf
	setupTime, justEstablished := f.markEstablishedLocked()
	f.mu.Unlock()

	if justEstablished && f.hooks.Established != nil {
		f.hooks.Established(setupTime)
	}
	f.recompute(inherited)

	if active {
		if f.hooks.ConferencePosition != nil {
			f.hooks.ConferencePosition(true)
		}
		if creator && uf != nil {
			uf.SetState(userflow.NegOffer)
			if err := uf.GenerateOffer(); err != nil {
				log.Warn("activate: generate offer failed", "flow", f.ID, "err", err)
			}
		}
	} else if f.hooks.ConferencePosition != nil {
		f.hooks.ConferencePosition(false)
	}
}

// UpdateMedia starts, holds, or stops media per spec §4.3 update_media.
func (f *Flow) UpdateMedia(cat mcat.Category) {
	f.mu.Lock()
	mask := f.mask
	uf := f.uf
	f.mu.Unlock()
	if uf == nil {
		return
	}
	mf := uf.Mediaflow()

	switch {
	case (cat == mcat.Call || cat == mcat.CallVideo) && mask.HasMedia():
		if err := mf.StartMedia(); err != nil {
			log.Warn("update_media: start failed", "flow", f.ID, "err", err)
		}
	case cat == mcat.Hold:
		mf.HoldMedia()
	default:
		mf.StopMedia()
	}
}

// HandleSDP processes an inbound call.remote-sdp event (spec §4.3 sdp_handler).
func (f *Flow) HandleSDP(ev events.RemoteSDP, inherited mcat.Category) error {
	f.mu.Lock()
	uf := f.uf
	gotSDPAlready := f.gotSDP
	f.mu.Unlock()
	mf := uf.Mediaflow()

	switch {
	case mf.IsSDPComplete() && strings.Contains(ev.SDP, "x-streamchange"):
		// Preserved verbatim: the remote side has reset its ICE state with
		// no negotiation for this token (spec §9 open question 2).
		log.Info("x-streamchange: restarting media in place", "flow", f.ID)
		mf.StopMedia()
		mf.ResetSDPState()
		mf.ResetMedia()
		if err := mf.StartMedia(); err != nil {
			log.Warn("x-streamchange: restart media failed", "flow", f.ID, "err", err)
		}

	case ev.State == events.SDPStateOffer && gotSDPAlready:
		log.Info("second offer: restarting flow", "flow", f.ID)
		f.mu.Lock()
		f.gotSDP = false
		f.mask &^= FlagICE
		f.mu.Unlock()
		if f.hooks.Restart != nil {
			f.hooks.Restart()
		}

	case ev.State == events.SDPStateAnswer && uf.SignalState() == userflow.SignalStable:
		log.Debug("duplicate answer dropped", "flow", f.ID)

	case ev.State == events.SDPStateOffer:
		if err := uf.Accept(ev.SDP); err != nil {
			return err
		}

	case ev.State == events.SDPStateAnswer:
		if err := uf.Update(ev.SDP); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.gotSDP = true
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	for _, c := range pending {
		if err := mf.AddRemoteCandidate(mediaflow.Candidate{
			SDP: c.SDP, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex,
		}); err != nil {
			log.Warn("flush pending candidate failed", "flow", f.ID, "err", err)
		}
	}
	return nil
}

// HandleCandidates processes a remote-candidates-add/update event (spec §4.3).
func (f *Flow) HandleCandidates(cands []events.Candidate) {
	f.mu.Lock()
	gotSDP := f.gotSDP
	uf := f.uf
	if !gotSDP {
		f.pending = append(f.pending, cands...)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	mf := uf.Mediaflow()
	for _, c := range cands {
		if err := mf.AddRemoteCandidate(mediaflow.Candidate{
			SDP: c.SDP, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex,
		}); err != nil {
			log.Warn("add remote candidate failed", "flow", f.ID, "err", err)
		}
	}
}

// HandleActive processes a call.flow-active event.
func (f *Flow) HandleActive(ev events.FlowActive, inherited mcat.Category) {
	f.Activate(ev.Active, inherited)
}

// HandleDelete processes a call.flow-delete event (spec §4.3 del_handler).
func (f *Flow) HandleDelete(reason DeleteReason) {
	f.mu.Lock()
	already := f.deleted
	f.deleted = true
	f.mu.Unlock()
	f.stopRTPWatchdog()
	if already {
		return
	}
	if f.hooks.RequestDelete != nil {
		f.hooks.RequestDelete(reason)
	}
}

// Error unlinks the flow on a MEDIA_FAIL-class error (spec §4.3, §7):
// removes it from conference, releases its mediaflow, issues the delete
// request, and lets Call decide whether to notify the application.
func (f *Flow) Error() {
	f.mu.Lock()
	if f.errored {
		f.mu.Unlock()
		return
	}
	f.errored = true
	uf := f.uf
	f.mu.Unlock()
	f.stopRTPWatchdog()

	if f.hooks.ConferencePosition != nil {
		f.hooks.ConferencePosition(false)
	}
	if uf != nil {
		uf.ReleaseMediaflow()
	}
	if f.hooks.RequestDelete != nil {
		f.hooks.RequestDelete(ReasonReleased)
	}
	if f.hooks.Errored != nil {
		f.hooks.Errored()
	}
}

// Established reports whether this flow has ever reached MEDIA
// establishment (ICE+ACTIVE), used for the established-flows gauge's
// removal-time accounting.
func (f *Flow) Established() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.establishedAt.IsZero()
}

// Stats builds the per-flow §4.5 send_metrics payload: timing captured by
// the establishment state machine above, plus a mediaflow snapshot for
// candidate types, codec, crypto, and DTLS/ICE readiness.
func (f *Flow) Stats(convID string) metrics.FlowStats {
	f.mu.Lock()
	id := f.ID
	created := f.created
	established := f.establishedAt
	success := !f.errored
	uf := f.uf
	f.mu.Unlock()

	var setupMS, mediaMS int64
	if !established.IsZero() {
		setupMS = established.Sub(created).Milliseconds()
		mediaMS = time.Since(established).Milliseconds()
	}

	var mfStats mediaflow.Stats
	if uf != nil {
		if mf := uf.Mediaflow(); mf != nil {
			mfStats = mf.Stats()
		}
	}

	return metrics.FlowStats{
		ConvID:              convID,
		FlowID:              id,
		SetupTimeMillis:     setupMS,
		LocalCandidateType:  mfStats.LocalCandidateType,
		RemoteCandidateType: mfStats.RemoteCandidateType,
		MediaTimeMillis:     mediaMS,
		Codec:               mfStats.Codec,
		Crypto:              mfStats.Crypto,
		DTLSReady:           mfStats.DTLSReady,
		ICEReady:            mfStats.ICEReady,
		Success:             success,
	}
}
