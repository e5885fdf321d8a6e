package main

import (
	"context"
	"fmt"
	"sync"

	"guffrelay/internal/core/domain"
	"guffrelay/pkg/client"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type sdpPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type candidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// negotiator drives one peer connection through the relay. Inbound messages
// are handled on a single goroutine, so pending needs no lock.
type negotiator struct {
	relay  *client.Client
	match  *client.Match
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	pending   []webrtc.ICECandidateInit
	remoteSet bool

	greeting string
	received chan string
	once     sync.Once
}

func newNegotiator(relay *client.Client, match *client.Match, iceServers []string, greeting string, logger *zap.SugaredLogger) (*negotiator, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	n := &negotiator{
		relay:    relay,
		match:    match,
		pc:       pc,
		logger:   logger,
		greeting: greeting,
		received: make(chan string, 1),
	}

	pc.OnICECandidate(n.sendCandidate)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Infow("peer connection state changed", "state", state.String())
	})
	pc.OnDataChannel(n.attach)

	return n, nil
}

// candidateKind is the signal this side uses for its own candidates.
func (n *negotiator) candidateKind() domain.SignalKind {
	if n.match.Offerer() {
		return domain.SignalICECandidateUser1
	}
	return domain.SignalICECandidateUser2
}

func (n *negotiator) sendCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	if err := n.relay.Send(n.candidateKind(), n.match, candidatePayload{Candidate: c.ToJSON()}); err != nil {
		n.logger.Warnw("failed to send ice candidate", "error", err)
	}
}

func (n *negotiator) attach(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		n.logger.Infow("data channel open", "label", dc.Label())
		if err := dc.SendText(n.greeting); err != nil {
			n.logger.Warnw("failed to send greeting", "error", err)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		n.once.Do(func() { n.received <- string(msg.Data) })
	})
}

// Start opens the negotiation when this side is the offerer.
func (n *negotiator) Start() error {
	if !n.match.Offerer() {
		return nil
	}

	dc, err := n.pc.CreateDataChannel("guff", nil)
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	n.attach(dc)

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return n.relay.Send(domain.SignalOffer, n.match, sdpPayload{SDP: offer})
}

// Run handles relay messages until ctx ends or the relay connection fails.
func (n *negotiator) Run(ctx context.Context) error {
	for {
		msg, err := n.relay.Next(ctx)
		if err != nil {
			return err
		}
		if err := n.handle(msg); err != nil {
			return err
		}
	}
}

func (n *negotiator) handle(msg client.Message) error {
	kind, ok := domain.ParseSignalKind(msg.Type)
	if !ok {
		n.logger.Debugw("ignoring message", "signal_type", msg.Type)
		return nil
	}

	switch kind {
	case domain.SignalOffer:
		var p sdpPayload
		if err := msg.Decode(&p); err != nil {
			return fmt.Errorf("invalid offer: %w", err)
		}
		if err := n.setRemote(p.SDP); err != nil {
			return err
		}
		answer, err := n.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := n.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to set local description: %w", err)
		}
		return n.relay.Send(domain.SignalAnswer, n.match, sdpPayload{SDP: answer})

	case domain.SignalAnswer:
		var p sdpPayload
		if err := msg.Decode(&p); err != nil {
			return fmt.Errorf("invalid answer: %w", err)
		}
		return n.setRemote(p.SDP)

	default:
		var p candidatePayload
		if err := msg.Decode(&p); err != nil {
			return fmt.Errorf("invalid ice candidate: %w", err)
		}
		// Candidates can overtake the description they belong to.
		if !n.remoteSet {
			n.pending = append(n.pending, p.Candidate)
			return nil
		}
		return n.pc.AddICECandidate(p.Candidate)
	}
}

func (n *negotiator) setRemote(desc webrtc.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	n.remoteSet = true

	for _, c := range n.pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.logger.Warnw("failed to add buffered candidate", "error", err)
		}
	}
	n.pending = nil
	return nil
}

// Received yields the first message the partner sends over the data channel.
func (n *negotiator) Received() <-chan string {
	return n.received
}

func (n *negotiator) Close() error {
	return n.pc.Close()
}
