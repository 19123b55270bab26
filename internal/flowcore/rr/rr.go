// Package rr implements the pending REST request/response correlation
// record of spec §4.7, grounded on original_source/src/flowmgr/rr.c (magic
// sentinel, request/response timestamps, 5-second guard-time warning) and
// on the teacher's map-keyed-registry pattern (internal/rtpmanager/session.
// Manager) for the owning registries that replace the original's intrusive
// list membership (spec §9: "RR is on the flowmgr list and a call list").
package rr

import (
	"time"

	"github.com/google/uuid"
	"github.com/sebas/flowcore/internal/flowcore/logging"
)

var log = logging.For("rr")

// guardTime is the round-trip guard of spec §9 open question 1: breaches
// are logged, never acted on (preserved verbatim from rr.c's RR_GUARDTIME).
const guardTime = 5 * time.Second

// ResponseFunc is invoked when the correlated REST response arrives, or
// with a synthetic 499 status on FlowManager teardown (spec §5 Cancellation).
type ResponseFunc func(status int, reason string, contentType string, content []byte, arg any)

// RR is a pending request/response correlation record.
type RR struct {
	ID       string
	CallID   string // owning conversation id; empty if not call-scoped
	Label    string // debug label
	Arg      any
	resp     ResponseFunc
	reqTime  time.Time
	respTime time.Time
	valid    bool
}

// Registry owns all RRs for one FlowManager, replacing the original's two
// intrusive list memberships (flowmgr list + call list) with two id-keyed
// maps per spec §9.
type Registry struct {
	byID     map[string]*RR
	byCallID map[string][]string // callID -> []rr id, insertion order
}

// NewRegistry creates an empty RR registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*RR),
		byCallID: make(map[string][]string),
	}
}

// Alloc creates a pending record and registers it under the registry and,
// if callID is non-empty, under the owning call.
func (reg *Registry) Alloc(callID, label string, resp ResponseFunc, arg any) *RR {
	r := &RR{
		ID:      uuid.NewString(),
		CallID:  callID,
		Label:   label,
		Arg:     arg,
		resp:    resp,
		reqTime: time.Now(),
		valid:   true,
	}
	reg.byID[r.ID] = r
	if callID != "" {
		reg.byCallID[callID] = append(reg.byCallID[callID], r.ID)
	}
	return r
}

// Get looks up a pending RR by id.
func (reg *Registry) Get(id string) (*RR, bool) {
	r, ok := reg.byID[id]
	return r, ok
}

// Cancel unlinks an RR and clears its callback, matching rr_cancel. Late
// responses that subsequently call Complete on a cancelled RR id will find
// it absent from the registry and should be logged and dropped by the
// caller (spec §5 Cancellation).
func (reg *Registry) Cancel(id string) {
	r, ok := reg.byID[id]
	if !ok {
		return
	}
	reg.unlink(r)
	r.resp = nil
}

// CancelAllForCall cancels every RR belonging to a call, used by
// Call teardown/release (spec §4.5 release_flows).
func (reg *Registry) CancelAllForCall(callID string) {
	for _, id := range append([]string(nil), reg.byCallID[callID]...) {
		reg.Cancel(id)
	}
}

// CancelAll cancels every pending RR, firing a synthetic 499 response to
// each (spec §5: "Tearing down a FlowManager fires a 499-status synthetic
// response to every still-pending RR's callback").
func (reg *Registry) CancelAll() {
	for _, r := range reg.all() {
		resp := r.resp
		arg := r.Arg
		reg.unlink(r)
		r.resp = nil
		if resp != nil {
			resp(499, "flow manager torn down", "", nil, arg)
		}
	}
}

func (reg *Registry) all() []*RR {
	out := make([]*RR, 0, len(reg.byID))
	for _, r := range reg.byID {
		out = append(out, r)
	}
	return out
}

func (reg *Registry) unlink(r *RR) {
	delete(reg.byID, r.ID)
	if r.CallID != "" {
		ids := reg.byCallID[r.CallID]
		for i, id := range ids {
			if id == r.ID {
				reg.byCallID[r.CallID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(reg.byCallID[r.CallID]) == 0 {
			delete(reg.byCallID, r.CallID)
		}
	}
	r.valid = false
}

// Complete records the response timestamp, logs a guard-time breach, and
// invokes the response callback, then unlinks the RR. If id is unknown
// (already cancelled) it logs and returns false, matching resp()'s
// "if absent, logs and discards" policy (spec §4.5).
func (reg *Registry) Complete(id string, status int, reason, contentType string, content []byte) bool {
	r, ok := reg.byID[id]
	if !ok {
		log.Warn("response for unknown or cancelled rr", "rr_id", id)
		return false
	}

	r.respTime = time.Now()
	elapsed := r.respTime.Sub(r.reqTime)
	if elapsed > guardTime {
		log.Warn("slow request", "label", r.Label, "elapsed", elapsed, "guard", guardTime)
	}

	resp := r.resp
	arg := r.Arg
	reg.unlink(r)

	if resp != nil {
		resp(status, reason, contentType, content, arg)
	}
	return true
}

// IsValid reports whether rr has not yet been cancelled or completed.
func IsValid(r *RR) bool {
	return r != nil && r.valid
}

// Len returns the number of pending RRs, mainly for tests/metrics.
func (reg *Registry) Len() int {
	return len(reg.byID)
}
