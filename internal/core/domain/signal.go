package domain

// SignalKind is the closed set of negotiation messages the router understands.
type SignalKind int

const (
	SignalUnknown SignalKind = iota
	SignalOffer
	SignalAnswer
	SignalICECandidateUser1
	SignalICECandidateUser2
)

// SignalTypeMatch is the signal_type of the server-originated match event.
const SignalTypeMatch = "match"

var signalKindNames = map[string]SignalKind{
	"offer":               SignalOffer,
	"answer":              SignalAnswer,
	"ice_candidate_user1": SignalICECandidateUser1,
	"ice_candidate_user2": SignalICECandidateUser2,
}

// ParseSignalKind maps a wire signal_type onto a SignalKind.
func ParseSignalKind(s string) (SignalKind, bool) {
	k, ok := signalKindNames[s]
	return k, ok
}

func (k SignalKind) String() string {
	switch k {
	case SignalOffer:
		return "offer"
	case SignalAnswer:
		return "answer"
	case SignalICECandidateUser1:
		return "ice_candidate_user1"
	case SignalICECandidateUser2:
		return "ice_candidate_user2"
	default:
		return "unknown"
	}
}

// Side selects one of the two parties of a match.
type Side int

const (
	SideNone Side = iota
	SideUser1
	SideUser2
)

// Recipient returns the side a signal of this kind is forwarded to.
func (k SignalKind) Recipient() Side {
	switch k {
	case SignalOffer, SignalICECandidateUser1:
		return SideUser2
	case SignalAnswer, SignalICECandidateUser2:
		return SideUser1
	default:
		return SideNone
	}
}

// Sender returns the side expected to originate a signal of this kind.
func (k SignalKind) Sender() Side {
	switch k.Recipient() {
	case SideUser1:
		return SideUser2
	case SideUser2:
		return SideUser1
	default:
		return SideNone
	}
}

// SignalEnvelope holds the only fields of a signal the router reads. Everything
// else in the message is opaque and forwarded untouched.
type SignalEnvelope struct {
	SignalType string `json:"signal_type"`
	User1      *Party `json:"user1,omitempty"`
	User2      *Party `json:"user2,omitempty"`
}

// Party returns the party on the given side, or nil if the message omitted it.
func (e SignalEnvelope) Party(side Side) *Party {
	switch side {
	case SideUser1:
		return e.User1
	case SideUser2:
		return e.User2
	default:
		return nil
	}
}

// DeliveryResult is the outcome of pushing a payload to a live connection.
type DeliveryResult int

const (
	Delivered DeliveryResult = iota
	RecipientGone
)

func (r DeliveryResult) String() string {
	if r == Delivered {
		return "delivered"
	}
	return "recipient_gone"
}
