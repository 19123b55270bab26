// Package events defines the typed signalling-event enum mirroring spec §6
// and decodes the wire JSON once at the boundary, replacing the "JSON
// accessed by string keys throughout" pattern spec §9 calls out for
// re-architecture. Grounded on the teacher's events package
// (services/signaling/events/{types,builder,subjects}.go), generalised
// from SIP/NATS call events to the six flow-manager signalling events.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/sebas/flowcore/internal/flowcore/ferrors"
)

// Type is the wire `type` discriminant of an inbound signalling event.
type Type string

const (
	TypeFlowAdd               Type = "call.flow-add"
	TypeFlowDelete            Type = "call.flow-delete"
	TypeFlowActive            Type = "call.flow-active"
	TypeRemoteCandidatesAdd   Type = "call.remote-candidates-add"
	TypeRemoteCandidatesUpd   Type = "call.remote-candidates-update"
	TypeRemoteSDP             Type = "call.remote-sdp"
)

// Candidate is one entry of a remote-candidates-add/update event.
type Candidate struct {
	SDP           string `json:"sdp"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex int    `json:"sdp_mline_index"`
}

// RawFlow is one entry of the `flows` array returned by POST …/flows[/v2]
// and carried in a call.flow-add event, keeping the tri-state `creator`
// field undecoded until Flow construction (SPEC_FULL §12.1).
type RawFlow struct {
	ID         string          `json:"id"`
	Active     bool            `json:"active"`
	SDPStep    string          `json:"sdp_step"`
	RemoteUser string          `json:"remote_user"`
	Creator    json.RawMessage `json:"creator"`
}

// CreatorKind distinguishes the three wire shapes of the `creator` field.
type CreatorKind int

const (
	// CreatorAbsent: the field was not present at all.
	CreatorAbsent CreatorKind = iota
	// CreatorNull: creator was JSON null (this POST created the flow).
	CreatorNull
	// CreatorUser: creator was a user-id string (someone else created it).
	CreatorUser
)

// DecodeCreator classifies the tri-state `creator` field per SPEC_FULL §12.1.
func (f RawFlow) DecodeCreator() (kind CreatorKind, userID string) {
	if f.Creator == nil {
		return CreatorAbsent, ""
	}
	if string(f.Creator) == "null" {
		return CreatorNull, ""
	}
	var s string
	if err := json.Unmarshal(f.Creator, &s); err == nil {
		return CreatorUser, s
	}
	return CreatorAbsent, ""
}

// Envelope is the common shape of every inbound signalling event.
type Envelope struct {
	Type         Type
	Conversation string
	Flow         string // empty for flow-add, which carries flows in the body
}

// FlowAdd is the decoded body of call.flow-add.
type FlowAdd struct {
	Envelope
	Flows []RawFlow
}

// FlowDelete is the decoded body of call.flow-delete.
type FlowDelete struct {
	Envelope
	Reason string // "released" | "timeout", empty if not supplied
}

// FlowActive is the decoded body of call.flow-active.
type FlowActive struct {
	Envelope
	Active bool
}

// RemoteCandidates is the decoded body of call.remote-candidates-{add,update}.
type RemoteCandidates struct {
	Envelope
	Candidates []Candidate
}

// SDPState distinguishes offer vs answer in a call.remote-sdp event.
type SDPState string

const (
	SDPStateOffer  SDPState = "offer"
	SDPStateAnswer SDPState = "answer"
)

// RemoteSDP is the decoded body of call.remote-sdp.
type RemoteSDP struct {
	Envelope
	State SDPState
	SDP   string
}

// Event is implemented by every decoded event payload above.
type Event interface {
	EventType() Type
	ConvID() string
	FlowID() string
}

func (e Envelope) EventType() Type  { return e.Type }
func (e Envelope) ConvID() string   { return e.Conversation }
func (e Envelope) FlowID() string   { return e.Flow }

type wireEnvelope struct {
	Type         string `json:"type"`
	Conversation string `json:"conversation"`
	Flow         string `json:"flow"`
}

type wireFlowAdd struct {
	wireEnvelope
	Flows []RawFlow `json:"flows"`
}

type wireFlowDelete struct {
	wireEnvelope
	Reason string `json:"reason"`
}

type wireFlowActive struct {
	wireEnvelope
	Active bool `json:"active"`
}

type wireCandidates struct {
	wireEnvelope
	Candidates []Candidate `json:"candidates"`
}

type wireRemoteSDP struct {
	wireEnvelope
	State string `json:"state"`
	SDP   string `json:"sdp"`
}

// Decode parses the wire JSON of one inbound signalling event and dispatches
// by `type`, returning a typed Event. Unknown event types yield ErrProtocol
// (spec §7: "unknown event state ... logged, event skipped").
func Decode(content []byte) (Event, error) {
	var base wireEnvelope
	if err := json.Unmarshal(content, &base); err != nil {
		return nil, fmt.Errorf("%w: %v", ferrors.ErrProtocol, err)
	}
	if base.Conversation == "" {
		return nil, fmt.Errorf("%w: missing conversation", ferrors.ErrProtocol)
	}

	switch Type(base.Type) {
	case TypeFlowAdd:
		var w wireFlowAdd
		if err := json.Unmarshal(content, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ferrors.ErrProtocol, err)
		}
		return FlowAdd{
			Envelope: Envelope{Type: TypeFlowAdd, Conversation: w.Conversation, Flow: w.Flow},
			Flows:    w.Flows,
		}, nil

	case TypeFlowDelete:
		var w wireFlowDelete
		if err := json.Unmarshal(content, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ferrors.ErrProtocol, err)
		}
		if w.Flow == "" {
			return nil, fmt.Errorf("%w: flow-delete missing flow id", ferrors.ErrProtocol)
		}
		return FlowDelete{
			Envelope: Envelope{Type: TypeFlowDelete, Conversation: w.Conversation, Flow: w.Flow},
			Reason:   w.Reason,
		}, nil

	case TypeFlowActive:
		var w wireFlowActive
		if err := json.Unmarshal(content, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ferrors.ErrProtocol, err)
		}
		if w.Flow == "" {
			return nil, fmt.Errorf("%w: flow-active missing flow id", ferrors.ErrProtocol)
		}
		return FlowActive{
			Envelope: Envelope{Type: TypeFlowActive, Conversation: w.Conversation, Flow: w.Flow},
			Active:   w.Active,
		}, nil

	case TypeRemoteCandidatesAdd, TypeRemoteCandidatesUpd:
		var w wireCandidates
		if err := json.Unmarshal(content, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ferrors.ErrProtocol, err)
		}
		if w.Flow == "" {
			return nil, fmt.Errorf("%w: remote-candidates missing flow id", ferrors.ErrProtocol)
		}
		return RemoteCandidates{
			Envelope:   Envelope{Type: Type(w.Type), Conversation: w.Conversation, Flow: w.Flow},
			Candidates: w.Candidates,
		}, nil

	case TypeRemoteSDP:
		var w wireRemoteSDP
		if err := json.Unmarshal(content, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ferrors.ErrProtocol, err)
		}
		if w.Flow == "" {
			return nil, fmt.Errorf("%w: remote-sdp missing flow id", ferrors.ErrProtocol)
		}
		state := SDPState(w.State)
		if state != SDPStateOffer && state != SDPStateAnswer {
			return nil, fmt.Errorf("%w: remote-sdp unknown state %q", ferrors.ErrProtocol, w.State)
		}
		return RemoteSDP{
			Envelope: Envelope{Type: TypeRemoteSDP, Conversation: w.Conversation, Flow: w.Flow},
			State:    state,
			SDP:      w.SDP,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ferrors.ErrProtocol, base.Type)
	}
}
