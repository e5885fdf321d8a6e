package domain

// MatchEvent introduces two paired connections to each other. It is sent to both.
type MatchEvent struct {
	SignalType string `json:"signal_type"`
	User1      Party  `json:"user1"`
	User2      Party  `json:"user2"`
}

// NewMatchEvent builds the event for a dequeued pair; the most recent entry
// becomes user1.
func NewMatchEvent(pair Pair) MatchEvent {
	return MatchEvent{
		SignalType: SignalTypeMatch,
		User1:      pair.First.Party(),
		User2:      pair.Second.Party(),
	}
}
