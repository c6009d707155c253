package domain

import "time"

type EventKind int

const (
	VoteSelect EventKind = iota + 1
	VoteDeselect
)

func (k EventKind) String() string {
	switch k {
	case VoteSelect:
		return "select"
	case VoteDeselect:
		return "deselect"
	default:
		return "unknown"
	}
}

// VoteEvent - reaction added to or removed from a poll display.
type VoteEvent struct {
	Kind      EventKind
	DisplayID string
	ActorID   string
	Marker    string
}

type SubscriptionID uint64

type PollEventType string

const (
	EventPollCreated    PollEventType = "poll_created"
	EventVoteRegistered PollEventType = "vote_registered"
	EventVoteWithdrawn  PollEventType = "vote_withdrawn"
	EventPollClosed     PollEventType = "poll_closed"
)

// PollEvent - notification about a change of a poll, published outside the process.
type PollEvent struct {
	Type    PollEventType `json:"type"`
	Code    string        `json:"code"`
	ActorID string        `json:"actor_id,omitempty"`
	Option  *int          `json:"option,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Tally   []int         `json:"tally"`
	Winner  *int          `json:"winner,omitempty"`
	At      time.Time     `json:"at"`
}
