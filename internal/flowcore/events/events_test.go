package events

import (
	"errors"
	"testing"

	"github.com/sebas/flowcore/internal/flowcore/ferrors"
)

func TestDecodeFlowAddCreatorTriState(t *testing.T) {
	raw := []byte(`{
		"type": "call.flow-add",
		"conversation": "cv1",
		"flows": [
			{"id":"f1","active":true,"sdp_step":"pending","remote_user":"b","creator":null},
			{"id":"f2","active":true,"sdp_step":"pending","remote_user":"b","creator":"userB"},
			{"id":"f3","active":false,"sdp_step":"answered","remote_user":"b"}
		]
	}`)

	ev, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	fa, ok := ev.(FlowAdd)
	if !ok {
		t.Fatalf("expected FlowAdd, got %T", ev)
	}
	if fa.ConvID() != "cv1" {
		t.Fatalf("unexpected convid %q", fa.ConvID())
	}
	if len(fa.Flows) != 3 {
		t.Fatalf("expected 3 flows, got %d", len(fa.Flows))
	}

	k0, u0 := fa.Flows[0].DecodeCreator()
	if k0 != CreatorNull || u0 != "" {
		t.Fatalf("flow0: expected CreatorNull, got %v %q", k0, u0)
	}
	k1, u1 := fa.Flows[1].DecodeCreator()
	if k1 != CreatorUser || u1 != "userB" {
		t.Fatalf("flow1: expected CreatorUser/userB, got %v %q", k1, u1)
	}
	k2, u2 := fa.Flows[2].DecodeCreator()
	if k2 != CreatorAbsent || u2 != "" {
		t.Fatalf("flow2: expected CreatorAbsent, got %v %q", k2, u2)
	}
}

func TestDecodeRemoteSDP(t *testing.T) {
	raw := []byte(`{"type":"call.remote-sdp","conversation":"cv1","flow":"f1","state":"offer","sdp":"v=0..."}`)
	ev, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	sdp, ok := ev.(RemoteSDP)
	if !ok {
		t.Fatalf("expected RemoteSDP, got %T", ev)
	}
	if sdp.State != SDPStateOffer || sdp.FlowID() != "f1" {
		t.Fatalf("unexpected decode: %+v", sdp)
	}
}

func TestDecodeUnknownTypeIsProtocolError(t *testing.T) {
	raw := []byte(`{"type":"call.something-else","conversation":"cv1"}`)
	_, err := Decode(raw)
	if !errors.Is(err, ferrors.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestDecodeMissingConversationIsProtocolError(t *testing.T) {
	raw := []byte(`{"type":"call.flow-delete","flow":"f1"}`)
	_, err := Decode(raw)
	if !errors.Is(err, ferrors.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestDecodeCandidates(t *testing.T) {
	raw := []byte(`{"type":"call.remote-candidates-add","conversation":"cv1","flow":"f1","candidates":[
		{"sdp":"candidate:1 1 UDP 1 10.0.0.1 1 typ host","sdp_mid":"audio","sdp_mline_index":0}
	]}`)
	ev, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	rc, ok := ev.(RemoteCandidates)
	if !ok {
		t.Fatalf("expected RemoteCandidates, got %T", ev)
	}
	if len(rc.Candidates) != 1 || rc.Candidates[0].SDPMid != "audio" {
		t.Fatalf("unexpected decode: %+v", rc)
	}
}
