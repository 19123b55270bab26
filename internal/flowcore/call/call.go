// Package call implements the per-conversation dictionary of spec §4.4,
// grounded on the teacher's session.Manager (internal/rtpmanager/session/
// manager.go) for the "map owned and mutated under its own lock" shape,
// generalised from RTP sessions to flows/userflows.
package call

import (
	"sort"
	"sync"
	"time"

	"github.com/sebas/flowcore/internal/flowcore/events"
	"github.com/sebas/flowcore/internal/flowcore/ferrors"
	"github.com/sebas/flowcore/internal/flowcore/flow"
	"github.com/sebas/flowcore/internal/flowcore/logging"
	"github.com/sebas/flowcore/internal/flowcore/mcat"
	"github.com/sebas/flowcore/internal/flowcore/mediaflow"
	"github.com/sebas/flowcore/internal/flowcore/metrics"
	"github.com/sebas/flowcore/internal/flowcore/userflow"
)

var log = logging.For("call")

// Offer is one entry of the `sdp` map posted to …/call/flows/v2.
type Offer struct {
	Type mediaflow.SDPType `json:"type"`
	SDP  string            `json:"sdp"`
}

// Hooks are the side effects a Call triggers in its owning FlowManager,
// replacing the original's direct REST/MediaSystem calls (spec §9).
type Hooks struct {
	AllocMediaflow   func(userID, name string, cb mediaflow.Callbacks) (mediaflow.Mediaflow, error)
	PutLocalSDP      func(flowID string, t mediaflow.SDPType, body string)
	PostFlows        func(sdp map[string]Offer) ([]events.RawFlow, error)
	DeleteFlowReq    func(flowID string, reason flow.DeleteReason)
	CategoryChanged  func(convID string, cat mcat.Category)
	MediaEstablished func(convID string, established bool)
	ErrorHandler     func(convID string)
	Conference       func(convID string, participants []string)
	FlowAdded        func(flowID string) // lets FlowManager replay queued events
	// NetworkQuality reports the per-call "interruption started" signal
	// fired by the per-flow RTP watchdog (spec §7: "per-call network-
	// quality handler").
	NetworkQuality func(convID string, interrupted bool)
	// VolumeSample fires every 100ms while the call holds at least one
	// flow (spec §5 Timers: "periodic volume-sampling timer"). The audio
	// device readout itself is out of scope (spec §1); this is the hook
	// a platform audio-route layer would attach to.
	VolumeSample func(convID string)
	// FlowEstablished reports a flow reaching MEDIA establishment for the
	// first time, carrying its elapsed setup time (spec §4.5 send_metrics
	// setup_time / the established-flows and setup-time metrics).
	FlowEstablished func(flowID string, setupTime time.Duration)
	// FlowRemoved reports a flow leaving the call's dictionary, along with
	// whether it had ever reached establishment (spec §4.5 metrics
	// bookkeeping: an established flow going away must retire its gauge).
	FlowRemoved func(flowID string, wasEstablished bool)
	// FlowErrored reports a flow entering its errored state, independent of
	// whether it was the call's sole flow (spec §4.5 flow-error metrics).
	FlowErrored func(flowID string)
}

// volumeSamplePeriod is the spec §5 Timers volume-sampling granularity.
var volumeSamplePeriod = 100 * time.Millisecond

// Call is the per-conversation dictionary of spec §3/§4.4.
type Call struct {
	mu sync.Mutex

	ConvID    string
	SessionID string

	category        mcat.Category
	pendingCategory mcat.Category

	flowIndex uint64
	flows     map[string]*flow.Flow
	userflows map[string]*userflow.Userflow

	conference []string

	active bool
	muted  bool

	volumeTicker *time.Ticker
	volumeStop   chan struct{}

	hooks Hooks
}

// New constructs an empty Call (spec §4.4 lookup_alloc's allocation branch).
func New(convID string, hooks Hooks) *Call {
	return &Call{
		ConvID:    convID,
		flows:     make(map[string]*flow.Flow),
		userflows: make(map[string]*userflow.Userflow),
		hooks:     hooks,
	}
}

// SetSession records the backend session id for this call.
func (c *Call) SetSession(id string) {
	c.mu.Lock()
	c.SessionID = id
	c.mu.Unlock()
}

// Session returns the backend session id.
func (c *Call) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SessionID
}

// SetActive records call activation (spec §4.4 set_active).
func (c *Call) SetActive(b bool) {
	c.mu.Lock()
	c.active = b
	c.mu.Unlock()
}

// Active reports whether the call has been activated.
func (c *Call) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SetMuted records the local mute state (SPEC_FULL §12.8 supplemented feature).
func (c *Call) SetMuted(b bool) {
	c.mu.Lock()
	c.muted = b
	c.mu.Unlock()
}

// Muted reports the local mute state.
func (c *Call) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Category returns the committed media category.
func (c *Call) Category() mcat.Category {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.category
}

// HasMedia reports whether any flow has reached MEDIA establishment,
// backing FlowManager.HasMedia (SPEC_FULL §12.7 supplemented feature).
func (c *Call) HasMedia() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.flows {
		if f.Mask().HasMedia() {
			return true
		}
	}
	return false
}

// HasVideo reports whether the call's committed category is CALL_VIDEO
// (SPEC_FULL §12.7 supplemented feature).
func (c *Call) HasVideo() bool {
	return c.Category() == mcat.CallVideo
}

// FlowCount returns the number of flows currently on the call.
func (c *Call) FlowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flows)
}

// Empty reports whether the call has no remaining flows.
func (c *Call) Empty() bool {
	return c.FlowCount() == 0
}

// FlowStats collects the §4.5 send_metrics per-flow payload for every flow
// currently on the call, grounded on the original's call_stats_prepare
// iterating the call's flow dictionary before POSTing.
func (c *Call) FlowStats() []metrics.FlowStats {
	c.mu.Lock()
	flows := make([]*flow.Flow, 0, len(c.flows))
	for _, f := range c.flows {
		flows = append(flows, f)
	}
	c.mu.Unlock()

	stats := make([]metrics.FlowStats, 0, len(flows))
	for _, f := range flows {
		stats = append(stats, f.Stats(c.ConvID))
	}
	return stats
}

// Flow looks up a flow by id.
func (c *Call) Flow(id string) (*flow.Flow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flows[id]
	return f, ok
}

// Userflow looks up a userflow by remote user id.
func (c *Call) Userflow(userID string) (*userflow.Userflow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	uf, ok := c.userflows[userID]
	return uf, ok
}

func (c *Call) acquireUserflow(userID, name string) (*userflow.Userflow, bool, error) {
	c.mu.Lock()
	if uf, ok := c.userflows[userID]; ok {
		c.mu.Unlock()
		return uf, false, nil
	}
	c.mu.Unlock()

	mf, err := c.hooks.AllocMediaflow(userID, name, c.mediaflowCallbacksFor(userID))
	if err != nil {
		return nil, false, err
	}
	uf := userflow.New(c.ConvID, userID, name, mf, c.userflowHooksFor(userID))

	c.mu.Lock()
	if existing, ok := c.userflows[userID]; ok {
		c.mu.Unlock()
		_ = mf.Close()
		return existing, false, nil
	}
	c.userflows[userID] = uf
	c.mu.Unlock()
	return uf, true, nil
}

func (c *Call) userflowHooksFor(userID string) userflow.Hooks {
	return userflow.Hooks{
		RequestLocalSDP: func(t mediaflow.SDPType, body string) {
			c.mu.Lock()
			uf, ok := c.userflows[userID]
			c.mu.Unlock()
			if !ok {
				return
			}
			flowID := uf.BoundFlowID()
			if flowID != "" && c.hooks.PutLocalSDP != nil {
				c.hooks.PutLocalSDP(flowID, t, body)
			}
		},
		CheckAndPost: func() { c.CheckAndPost() },
	}
}

// mediaflowCallbacksFor wires a freshly allocated Mediaflow's gather-
// complete/ICE-established/RTP-start/close callbacks back into the
// Userflow (by user id) and whichever Flow it is currently bound to (spec
// §3 Mediaflow callback set, §4.3 establishment state machine). The
// mediaflow is created before any Flow exists to bind it, so these
// closures resolve the current binding by user id on each firing rather
// than capturing a Flow pointer directly.
func (c *Call) mediaflowCallbacksFor(userID string) mediaflow.Callbacks {
	return mediaflow.Callbacks{
		OnGatherComplete: func() {
			if uf, ok := c.Userflow(userID); ok {
				uf.OnGatherComplete()
			}
		},
		OnICEEstablished: func() {
			c.withBoundFlow(userID, func(f *flow.Flow) {
				f.OnICEEstablished(c.Category())
			})
		},
		OnRTPStart: func() {
			c.withBoundFlow(userID, func(f *flow.Flow) {
				f.OnRTPStart(c.Category())
			})
		},
		OnClose: func(err error) {
			if err == nil {
				return
			}
			log.Warn("mediaflow closed with error", "user", userID, "err", err)
			c.withBoundFlow(userID, func(f *flow.Flow) {
				f.Error()
			})
		},
	}
}

// withBoundFlow resolves userID's currently bound Flow, if any, and runs fn.
func (c *Call) withBoundFlow(userID string, fn func(f *flow.Flow)) {
	uf, ok := c.Userflow(userID)
	if !ok {
		return
	}
	flowID := uf.BoundFlowID()
	if flowID == "" {
		return
	}
	f, ok := c.Flow(flowID)
	if !ok {
		return
	}
	fn(f)
}

// AddFlow binds a flow to its userflow (spec §4.3 alloc / §4.4 post_flows
// response handling / flow-add event handling). For a POST response creator
// comes from the raw flow's tri-state `creator` field, resolved by the caller
// per SPEC_FULL §12.1 (null => self-created, string => other-created, absent
// => true); flows arriving through a flow-add event are always added with
// creator false.
func (c *Call) AddFlow(raw events.RawFlow, creator bool) (*flow.Flow, error) {
	c.mu.Lock()
	if existing, ok := c.flows[raw.ID]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.flowIndex++
	c.mu.Unlock()

	uf, isNew, err := c.acquireUserflow(raw.RemoteUser, raw.RemoteUser)
	if err != nil {
		return nil, err
	}

	f := flow.New(raw.ID, raw.RemoteUser, creator, uf, c.flowHooksFor(raw.ID, raw.RemoteUser))

	c.mu.Lock()
	c.flows[raw.ID] = f
	shouldStart := len(c.flows) == 1
	c.mu.Unlock()
	if shouldStart {
		c.startVolumeSampler()
	}

	if raw.Active && creator && isNew {
		uf.SetState(userflow.NegOffer)
		if err := uf.GenerateOffer(); err != nil {
			log.Warn("add_flow: generate offer failed", "flow", raw.ID, "err", err)
		}
	}

	if c.hooks.FlowAdded != nil {
		c.hooks.FlowAdded(raw.ID)
	}
	return f, nil
}

func (c *Call) removeFlow(flowID string) {
	c.mu.Lock()
	f, ok := c.flows[flowID]
	if ok {
		delete(c.flows, flowID)
	}
	empty := len(c.flows) == 0
	c.mu.Unlock()
	if !ok {
		return
	}
	if empty {
		c.stopVolumeSampler()
	}
	if c.hooks.FlowRemoved != nil {
		c.hooks.FlowRemoved(flowID, f.Established())
	}
	if uf := f.Userflow(); uf != nil {
		uf.Unbind()
	}
}

func (c *Call) flowHooksFor(flowID, userID string) flow.Hooks {
	var wasSoleFlow bool
	return flow.Hooks{
		RequestDelete: func(reason flow.DeleteReason) {
			c.mu.Lock()
			wasSoleFlow = len(c.flows) <= 1
			c.mu.Unlock()
			if c.hooks.DeleteFlowReq != nil {
				c.hooks.DeleteFlowReq(flowID, reason)
			}
			c.removeFlow(flowID)
		},
		CategoryChanged: func(cat mcat.Category) {
			c.mcatChange(cat)
		},
		ConferencePosition: func(active bool) {
			c.setConferencePosition(userID, active)
		},
		Errored: func() {
			if c.hooks.FlowErrored != nil {
				c.hooks.FlowErrored(flowID)
			}
			if (c.Empty() || wasSoleFlow) && c.hooks.ErrorHandler != nil {
				c.hooks.ErrorHandler(c.ConvID)
			}
		},
		Restart: func() {
			c.restartFlow(flowID)
		},
		Interrupted: func() {
			if c.hooks.NetworkQuality != nil {
				c.hooks.NetworkQuality(c.ConvID, true)
			}
		},
		Established: func(setupTime time.Duration) {
			if c.hooks.FlowEstablished != nil {
				c.hooks.FlowEstablished(flowID, setupTime)
			}
		},
	}
}

func (c *Call) restartFlow(flowID string) {
	f, ok := c.Flow(flowID)
	if !ok {
		return
	}
	oldUF := f.Userflow()
	var name string
	if oldUF != nil {
		name = oldUF.Name()
		oldUF.ReleaseMediaflow()
	}
	mf, err := c.hooks.AllocMediaflow(f.RemoteUserID, name, c.mediaflowCallbacksFor(f.RemoteUserID))
	if err != nil {
		log.Warn("restart: realloc mediaflow failed", "flow", flowID, "err", err)
		return
	}
	newUF := userflow.New(c.ConvID, f.RemoteUserID, name, mf, c.userflowHooksFor(f.RemoteUserID))

	c.mu.Lock()
	c.userflows[f.RemoteUserID] = newUF
	c.mu.Unlock()

	f.Rebind(newUF)
	newUF.SetState(userflow.NegOffer)
	if err := newUF.GenerateOffer(); err != nil {
		log.Warn("restart: generate offer failed", "flow", flowID, "err", err)
	}
}

// Restart reallocates every flow's mediaflow and re-offers (spec §4.4 restart).
func (c *Call) Restart() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.flows))
	for id := range c.flows {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.restartFlow(id)
	}
}

// DeestablishMedia clears media on every flow and drops the flow dictionary
// (spec §4.4 deestablish_media). The dictionary is swapped out before
// iterating its old contents, mirroring the original's "null the reference
// before releasing it" ordering for a cross-thread-safe teardown.
func (c *Call) DeestablishMedia() {
	c.mu.Lock()
	old := c.flows
	c.flows = make(map[string]*flow.Flow)
	c.mu.Unlock()

	c.stopVolumeSampler()
	for id, f := range old {
		f.UpdateMedia(mcat.Normal)
		if c.hooks.FlowRemoved != nil {
			c.hooks.FlowRemoved(id, f.Established())
		}
	}
}

// startVolumeSampler arms the 100ms volume-sampling timer of spec §5
// Timers; a no-op if one is already running.
func (c *Call) startVolumeSampler() {
	c.mu.Lock()
	if c.volumeTicker != nil {
		c.mu.Unlock()
		return
	}
	c.volumeTicker = time.NewTicker(volumeSamplePeriod)
	c.volumeStop = make(chan struct{})
	ticker := c.volumeTicker
	stop := c.volumeStop
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				if c.hooks.VolumeSample != nil {
					c.hooks.VolumeSample(c.ConvID)
				}
			case <-stop:
				return
			}
		}
	}()
}

// stopVolumeSampler cancels the timer when the call no longer holds any
// flow (spec §5: "runs ... when at least one flow exists").
func (c *Call) stopVolumeSampler() {
	c.mu.Lock()
	ticker := c.volumeTicker
	stop := c.volumeStop
	c.volumeTicker = nil
	c.volumeStop = nil
	c.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if stop != nil {
		close(stop)
	}
}

// mcatChange updates the pending category and notifies the application
// (spec §4.4 mcat_change).
func (c *Call) mcatChange(cat mcat.Category) {
	c.mu.Lock()
	c.pendingCategory = cat
	c.mu.Unlock()
	if c.hooks.CategoryChanged != nil {
		c.hooks.CategoryChanged(c.ConvID, cat)
	}
	c.mcatChanged(cat)
}

// mcatChanged commits the category and re-runs update_media on every flow
// (spec §4.4 mcat_changed).
func (c *Call) mcatChanged(cat mcat.Category) {
	c.mu.Lock()
	wasEstablished := c.category == mcat.Call || c.category == mcat.CallVideo
	c.category = cat
	ids := make([]*flow.Flow, 0, len(c.flows))
	for _, f := range c.flows {
		ids = append(ids, f)
	}
	c.mu.Unlock()

	for _, f := range ids {
		f.UpdateMedia(cat)
	}

	established := cat == mcat.Call || cat == mcat.CallVideo
	if established != wasEstablished && c.hooks.MediaEstablished != nil {
		c.hooks.MediaEstablished(c.ConvID, established)
	}
}

func (c *Call) setConferencePosition(userID string, active bool) {
	c.mu.Lock()
	idx := -1
	for i, u := range c.conference {
		if u == userID {
			idx = i
			break
		}
	}
	if active {
		if idx == -1 {
			c.conference = append(c.conference, userID)
			sort.Strings(c.conference)
		}
	} else if idx != -1 {
		c.conference = append(c.conference[:idx], c.conference[idx+1:]...)
	}
	participants := append([]string(nil), c.conference...)
	c.mu.Unlock()

	if c.hooks.Conference != nil {
		c.hooks.Conference(c.ConvID, participants)
	}
}

// Conference returns a copy of the ordered conference-participant list.
func (c *Call) Conference() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.conference...)
}

// PendingOffers collects {userID: {type,sdp}} for every userflow with a
// ready local SDP, used to build the POST …/flows/v2 body (spec §4.4).
func (c *Call) PendingOffers() map[string]Offer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Offer)
	for userID, uf := range c.userflows {
		if uf.SDPReady() {
			sdp := uf.LastSDP()
			out[userID] = Offer{Type: sdp.Type, SDP: sdp.Body}
		}
	}
	return out
}

// PostFlows issues POST …/flows[/v2] and processes the returned flow list,
// including ghost-flow collection (spec §4.4, §8 invariant 6).
func (c *Call) PostFlows() error {
	if c.hooks.PostFlows == nil {
		return ferrors.ErrInvalidArgument
	}
	sdp := c.PendingOffers()

	raw, err := c.hooks.PostFlows(sdp)
	if err != nil {
		return err
	}

	for _, rf := range raw {
		kind, _ := rf.DecodeCreator()
		var creator bool
		switch kind {
		case events.CreatorNull:
			creator = true
		case events.CreatorUser:
			creator = false
		case events.CreatorAbsent:
			creator = true // this POST initiated the flow
		}
		if rf.SDPStep != "pending" && rf.Active {
			// SPEC_FULL §12.2: an already-active, non-pending flow is kept
			// as-is but is never ours to claim creation of.
			creator = false
		}
		if _, err := c.AddFlow(rf, creator); err != nil {
			log.Warn("post_flows: add flow failed", "flow", rf.ID, "err", err)
		}
	}

	for _, rf := range raw {
		if rf.SDPStep != "pending" && !rf.Active {
			log.Info("ghost flow: scheduling delete", "flow", rf.ID)
			if f, ok := c.Flow(rf.ID); ok {
				f.HandleDelete(flow.ReasonReleased)
			}
		}
	}
	return nil
}

// CheckAndPost posts once every POST-state userflow has a ready SDP, then
// resets those userflows to IDLE (spec §4.4 check_and_post).
func (c *Call) CheckAndPost() {
	c.mu.Lock()
	anyPost := false
	allReady := true
	for _, uf := range c.userflows {
		if uf.NegotiationState() == userflow.NegPost {
			anyPost = true
			if !uf.SDPReady() {
				allReady = false
			}
		}
	}
	c.mu.Unlock()

	if !anyPost || !allReady {
		return
	}

	if err := c.PostFlows(); err != nil {
		log.Warn("check_and_post: post_flows failed", "convid", c.ConvID, "err", err)
		return
	}

	c.mu.Lock()
	pending := make([]*userflow.Userflow, 0)
	for _, uf := range c.userflows {
		if uf.NegotiationState() == userflow.NegPost {
			pending = append(pending, uf)
		}
	}
	c.mu.Unlock()
	for _, uf := range pending {
		uf.SetState(userflow.NegIdle)
	}
}

// FlowAdd processes an inbound call.flow-add event (creator always false:
// the backend is telling us about a flow somebody else created).
func (c *Call) FlowAdd(ev events.FlowAdd) {
	for _, rf := range ev.Flows {
		if _, err := c.AddFlow(rf, false); err != nil {
			log.Warn("flow-add event: add flow failed", "flow", rf.ID, "err", err)
		}
	}
}
