package main

import (
	"encoding/json"
	"testing"

	"guffrelay/internal/core/domain"
	"guffrelay/pkg/client"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func message(t *testing.T, kind domain.SignalKind, payload interface{}) client.Message {
	t.Helper()
	fields := map[string]interface{}{"signal_type": kind.String()}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &fields))
	fields["signal_type"] = kind.String()

	raw, err = json.Marshal(fields)
	require.NoError(t, err)
	return client.Message{Type: kind.String(), Raw: raw}
}

func TestNegotiator_BuffersEarlyCandidates(t *testing.T) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()

	n := &negotiator{
		pc:     pc,
		match:  &client.Match{Self: domain.SideUser2},
		logger: zaptest.NewLogger(t).Sugar(),
	}
	assert.Equal(t, domain.SignalICECandidateUser2, n.candidateKind())

	mid := "0"
	candidate := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host",
		SDPMid:    &mid,
	}
	require.NoError(t, n.handle(message(t, domain.SignalICECandidateUser1, candidatePayload{Candidate: candidate})))
	require.Len(t, n.pending, 1)
	assert.Equal(t, candidate.Candidate, n.pending[0].Candidate)

	// A real offer from a second connection.
	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer offerer.Close()
	_, err = offerer.CreateDataChannel("guff", nil)
	require.NoError(t, err)
	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)

	require.NoError(t, n.setRemote(offer))
	assert.True(t, n.remoteSet)
	assert.Empty(t, n.pending)
}

func TestNegotiator_IgnoresUnknownMessages(t *testing.T) {
	n := &negotiator{logger: zaptest.NewLogger(t).Sugar()}
	assert.NoError(t, n.handle(client.Message{Type: "match", Raw: []byte(`{"signal_type":"match"}`)}))
}

func TestNegotiator_RejectsBadOffer(t *testing.T) {
	n := &negotiator{logger: zaptest.NewLogger(t).Sugar()}
	err := n.handle(client.Message{Type: "offer", Raw: []byte(`{"signal_type":"offer","sdp":"nope"}`)})
	assert.Error(t, err)
}
