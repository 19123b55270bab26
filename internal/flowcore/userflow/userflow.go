// Package userflow implements the per-remote-participant negotiation state
// machine of spec §4.2, grounded on original_source/src/flowmgr/userflow.c.
// Side effects that in the original reach back into the owning Call/Flow
// (flow_local_sdp_req, call_check_and_post) are modelled as injected
// closures (Hooks) rather than void-pointer callbacks, per spec §9's
// redesign note ("Callbacks with void-pointer argument. Replace with
// closures or trait objects capturing the specific owner").
package userflow

import (
	"fmt"
	"sync"

	"github.com/sebas/flowcore/internal/flowcore/ferrors"
	"github.com/sebas/flowcore/internal/flowcore/logging"
	"github.com/sebas/flowcore/internal/flowcore/mediaflow"
)

var log = logging.For("userflow")

// SignalState is the SDP signalling state of spec §3's Userflow.
type SignalState int

const (
	SignalStable SignalState = iota
	SignalHaveLocalOffer
	SignalHaveRemoteOffer
)

func (s SignalState) String() string {
	switch s {
	case SignalStable:
		return "stable"
	case SignalHaveLocalOffer:
		return "have-local-offer"
	case SignalHaveRemoteOffer:
		return "have-remote-offer"
	default:
		return "unknown"
	}
}

// NegotiationState drives POST/restart/answer/offer bookkeeping (spec §3).
type NegotiationState int

const (
	NegIdle NegotiationState = iota
	NegPost
	NegRestart
	NegAnswer
	NegOffer
)

func (s NegotiationState) String() string {
	switch s {
	case NegIdle:
		return "idle"
	case NegPost:
		return "post"
	case NegRestart:
		return "restart"
	case NegAnswer:
		return "answer"
	case NegOffer:
		return "offer"
	default:
		return "unknown"
	}
}

// Hooks are the side effects a Userflow triggers in its owning Call/Flow.
type Hooks struct {
	// RequestLocalSDP PUTs the freshly generated local SDP to the backend
	// (flow_local_sdp_req in the original).
	RequestLocalSDP func(t mediaflow.SDPType, body string)
	// CheckAndPost re-evaluates the call's POST-pending userflows
	// (call_check_and_post in the original).
	CheckAndPost func()
}

// Userflow is the negotiation state machine and mediaflow owner of spec §4.2.
type Userflow struct {
	mu sync.Mutex

	selfUserID string
	userID     string
	name       string

	mf mediaflow.Mediaflow

	signalState SignalState
	negState    NegotiationState

	lastSDP     mediaflow.SDP
	sdpReady    bool
	asyncOffer  bool
	asyncAnswer bool

	boundFlowID string
	hooks       Hooks
}

// New constructs a Userflow already bound to a live Mediaflow; allocation
// of the Mediaflow itself (DTLS config, ICE candidate gathering, TURN
// scheduling) is the caller's responsibility (see call.Hooks.AllocMediaflow),
// mirroring userflow_alloc's separation of concerns from mediaflow_alloc.
func New(selfUserID, userID, name string, mf mediaflow.Mediaflow, hooks Hooks) *Userflow {
	return &Userflow{
		selfUserID: selfUserID,
		userID:     userID,
		name:       name,
		mf:         mf,
		hooks:      hooks,
	}
}

// UserID returns the remote user id this Userflow negotiates for.
func (u *Userflow) UserID() string {
	return u.userID
}

// Name returns the remote display name.
func (u *Userflow) Name() string {
	return u.name
}

// Mediaflow returns the owned Mediaflow handle.
func (u *Userflow) Mediaflow() mediaflow.Mediaflow {
	return u.mf
}

// SignalState returns the current SDP signalling state.
func (u *Userflow) SignalState() SignalState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.signalState
}

// NegotiationState returns the current negotiation sub-state.
func (u *Userflow) NegotiationState() NegotiationState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.negState
}

// SDPReady reports whether a freshly generated SDP is waiting to be posted.
func (u *Userflow) SDPReady() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sdpReady
}

// LastSDP returns the most recently generated local SDP.
func (u *Userflow) LastSDP() mediaflow.SDP {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastSDP
}

// BoundFlowID returns the id of the Flow this Userflow is currently bound
// to, or "" if unbound. Invariant (spec §8.2): at most one Flow references
// a given Userflow at any instant; this field is the single source of truth
// for that binding rather than a back-pointer held by Flow.
func (u *Userflow) BoundFlowID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.boundFlowID
}

// Bind records which Flow currently owns this Userflow.
func (u *Userflow) Bind(flowID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.boundFlowID = flowID
}

// Unbind clears the bound-flow back-reference, e.g. on Flow destruction.
func (u *Userflow) Unbind() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.boundFlowID = ""
}

// OnGatherComplete is wired as the Mediaflow's gather-complete callback. It
// re-drives whichever SDP generation was deferred while ungathered,
// mirroring mediaflow_gather_handler in userflow.c.
func (u *Userflow) OnGatherComplete() {
	u.mu.Lock()
	doOffer := u.asyncOffer
	doAnswer := u.asyncAnswer
	u.mu.Unlock()

	log.Debug("gather complete", "user", u.userID, "async_offer", doOffer, "async_answer", doAnswer)

	if doOffer {
		if err := u.GenerateOffer(); err != nil {
			log.Warn("gather: generate offer failed", "err", err)
		}
		u.mu.Lock()
		u.asyncOffer = false
		u.mu.Unlock()
	}

	if doAnswer {
		sdp, err := u.mf.SetLocalDescription(mediaflow.SDPTypeAnswer)
		if err != nil {
			log.Warn("gather: generate answer failed", "err", err)
			return
		}

		u.mu.Lock()
		u.lastSDP = sdp
		u.sdpReady = true
		u.signalState = SignalStable
		neg := u.negState
		u.asyncAnswer = false
		u.mu.Unlock()

		switch neg {
		case NegPost:
			if u.hooks.CheckAndPost != nil {
				u.hooks.CheckAndPost()
			}
		case NegAnswer, NegRestart:
			if u.hooks.RequestLocalSDP != nil {
				u.hooks.RequestLocalSDP(mediaflow.SDPTypeAnswer, sdp.Body)
			}
			u.SetState(NegIdle)
		}
	}
}

// GenerateOffer produces an offer SDP when the signalling state is STABLE
// and the mediaflow is gathered. In STABLE with gathering not yet done it
// arms the async-offer deferred flag for OnGatherComplete to pick up later
// (spec §4.2); outside STABLE it returns nil and does nothing.
func (u *Userflow) GenerateOffer() error {
	u.mu.Lock()
	if u.signalState != SignalStable {
		u.mu.Unlock()
		return nil
	}

	if !u.mf.IsGathered() {
		u.asyncOffer = true
		u.mu.Unlock()
		return nil
	}
	u.mu.Unlock()

	sdp, err := u.mf.SetLocalDescription(mediaflow.SDPTypeOffer)
	if err != nil {
		return fmt.Errorf("%w: generate offer: %v", ferrors.ErrProtocol, err)
	}

	u.mu.Lock()
	u.lastSDP = sdp
	u.signalState = SignalHaveLocalOffer
	u.sdpReady = true
	neg := u.negState
	u.mu.Unlock()

	switch neg {
	case NegPost:
		if u.hooks.CheckAndPost != nil {
			u.hooks.CheckAndPost()
		}
	case NegOffer, NegRestart:
		if u.hooks.RequestLocalSDP != nil {
			u.hooks.RequestLocalSDP(mediaflow.SDPTypeOffer, sdp.Body)
		}
		u.SetState(NegIdle)
	}
	return nil
}

// Accept consumes a remote offer, applying glare resolution (spec §4.2,
// §8.4): if both sides offered simultaneously (signalState is already
// HAVE_LOCAL_OFFER), the lexicographically greater self/remote user id
// wins and keeps its own offer; the loser resets SDP state and accepts.
func (u *Userflow) Accept(sdp string) error {
	u.mu.Lock()

	switch u.signalState {
	case SignalHaveLocalOffer:
		if u.selfUserID > u.userID {
			log.Info("sdp conflict: winning, ignoring remote offer", "remote", u.userID)
			u.mu.Unlock()
			return nil
		}
		log.Info("sdp conflict: losing, accepting remote offer", "remote", u.userID)
		u.mf.ResetSDPState()

	case SignalHaveRemoteOffer:
		log.Warn("accept called while already awaiting remote offer processing", "remote", u.userID)
		u.mu.Unlock()
		return nil

	default:
	}

	u.signalState = SignalHaveRemoteOffer
	u.mu.Unlock()

	if err := u.mf.SetRemoteDescription(mediaflow.SDP{Type: mediaflow.SDPTypeOffer, Body: sdp}); err != nil {
		return err
	}

	if u.mf.IsGathered() {
		answer, err := u.mf.SetLocalDescription(mediaflow.SDPTypeAnswer)
		if err != nil {
			return fmt.Errorf("%w: generate answer: %v", ferrors.ErrProtocol, err)
		}

		u.mu.Lock()
		u.lastSDP = answer
		u.sdpReady = true
		neg := u.negState
		u.mu.Unlock()

		if u.hooks.RequestLocalSDP != nil {
			u.hooks.RequestLocalSDP(mediaflow.SDPTypeAnswer, answer.Body)
		}
		if neg == NegPost {
			if u.hooks.CheckAndPost != nil {
				u.hooks.CheckAndPost()
			}
			u.SetState(NegIdle)
		}

		u.mu.Lock()
		u.signalState = SignalStable
		u.mu.Unlock()
	} else {
		u.mu.Lock()
		u.asyncAnswer = true
		u.mu.Unlock()
		u.SetState(NegAnswer)
	}

	return u.mf.StartICE()
}

// Update consumes a remote answer. Requires signalState HAVE_LOCAL_OFFER,
// otherwise returns ErrAlready (spec §4.2).
func (u *Userflow) Update(sdp string) error {
	u.mu.Lock()
	if u.signalState != SignalHaveLocalOffer {
		u.mu.Unlock()
		return ferrors.ErrAlready
	}
	u.mu.Unlock()

	if err := u.mf.SetRemoteDescription(mediaflow.SDP{Type: mediaflow.SDPTypeAnswer, Body: sdp}); err != nil {
		return err
	}

	u.mu.Lock()
	u.signalState = SignalStable
	u.mu.Unlock()

	return u.mf.StartICE()
}

// SetState drives the negotiation sub-state and its side effects (spec §4.2):
// POST re-checks post-readiness, IDLE clears sdp-ready, ANSWER arms the
// async-answer deferred flag.
func (u *Userflow) SetState(s NegotiationState) {
	u.mu.Lock()
	if u.negState == s {
		u.mu.Unlock()
		return
	}
	u.negState = s
	u.mu.Unlock()

	switch s {
	case NegPost:
		if u.hooks.CheckAndPost != nil {
			u.hooks.CheckAndPost()
		}
	case NegIdle:
		u.mu.Lock()
		u.sdpReady = false
		u.mu.Unlock()
	case NegAnswer:
		u.mu.Lock()
		u.asyncAnswer = true
		u.mu.Unlock()
	}
}

// ReleaseMediaflow tears down the owned mediaflow, e.g. before a restart.
func (u *Userflow) ReleaseMediaflow() {
	u.mu.Lock()
	mf := u.mf
	u.mu.Unlock()
	if mf != nil {
		_ = mf.Close()
	}
}
