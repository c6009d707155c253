package domain

import (
	"encoding/base32"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MinOptions = 2
	MaxOptions = 10

	codeLength = 8
)

// Status - state of poll's lifecycle. Transitions are Open -> Closed only.
type Status int

const (
	StatusOpen Status = iota
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reason - why the poll was closed.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonExpired
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonExpired:
		return "expired"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// markers are mattermost emoji names, option i is voted with markers[i].
var markers = [MaxOptions]string{
	"one", "two", "three", "four", "five",
	"six", "seven", "eight", "nine", "keycap_ten",
}

// Poll - structure for storing information about a running poll.
type Poll struct {
	// Code - public identifier, generated once and never recomputed.
	Code      string
	ChannelID string
	// OwnerID - ID of poll's author, the only user allowed to cancel it.
	OwnerID string
	// ContextID - ID of the post with the command which created the poll.
	ContextID string
	Prompt    string
	Options   []string
	// Markers - emoji name per option, same order as Options.
	Markers   []string
	CreatedAt time.Time
	Deadline  time.Time
	Status    Status
	Reason    Reason
	// DisplayID - ID of the post users react to. Empty if the post is unknown.
	DisplayID string
}

// Vote - structure for connecting the user and his choice in the poll.
type Vote struct {
	Code    string
	VoterID string
	// Option - index in the list of poll's options.
	Option int
	// Seq - order in which the ledger accepted the vote.
	Seq uint64
}

// PollRecord - durable mirror of a poll, used to rebuild state after restart.
type PollRecord struct {
	Code      string
	ChannelID string
	OwnerID   string
	ContextID string
	DisplayID string
	Prompt    string
	Options   []string
	StartedAt time.Time
	ClosesAt  time.Time
	Votes     []VoteRecord
}

// VoteRecord - durable mirror of a vote.
type VoteRecord struct {
	Code    string
	VoterID string
	Option  int
}

func NewPoll(code, channelID, ownerID, contextID, prompt string, options []string, createdAt time.Time, timeout time.Duration) *Poll {
	return &Poll{
		Code:      code,
		ChannelID: channelID,
		OwnerID:   ownerID,
		ContextID: contextID,
		Prompt:    prompt,
		Options:   options,
		Markers:   MarkersFor(len(options)),
		CreatedAt: createdAt,
		Deadline:  createdAt.Add(timeout),
		Status:    StatusOpen,
	}
}

// PollFromRecord restores a poll persisted by a previous process.
func PollFromRecord(rec *PollRecord) *Poll {
	return &Poll{
		Code:      rec.Code,
		ChannelID: rec.ChannelID,
		OwnerID:   rec.OwnerID,
		ContextID: rec.ContextID,
		Prompt:    rec.Prompt,
		Options:   rec.Options,
		Markers:   MarkersFor(len(rec.Options)),
		CreatedAt: rec.StartedAt,
		Deadline:  rec.ClosesAt,
		Status:    StatusOpen,
		DisplayID: rec.DisplayID,
	}
}

func (p *Poll) Record() *PollRecord {
	return &PollRecord{
		Code:      p.Code,
		ChannelID: p.ChannelID,
		OwnerID:   p.OwnerID,
		ContextID: p.ContextID,
		DisplayID: p.DisplayID,
		Prompt:    p.Prompt,
		Options:   p.Options,
		StartedAt: p.CreatedAt,
		ClosesAt:  p.Deadline,
	}
}

func (p *Poll) IsOwner(userID string) bool {
	return p.OwnerID == userID
}

// OptionByMarker returns index of the option voted with the marker.
func (p *Poll) OptionByMarker(marker string) (int, bool) {
	for i, m := range p.Markers {
		if m == marker {
			return i, true
		}
	}
	return 0, false
}

func (p *Poll) ValidOption(option int) bool {
	return option >= 0 && option < len(p.Options)
}

// NormalizeOptions drops empty and repeated options keeping the first occurrence.
func NormalizeOptions(options []string) []string {
	seen := make(map[string]struct{}, len(options))
	res := make([]string, 0, len(options))
	for _, opt := range options {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		if _, ok := seen[opt]; ok {
			continue
		}
		seen[opt] = struct{}{}
		res = append(res, opt)
	}
	return res
}

func MarkersFor(n int) []string {
	if n > MaxOptions {
		n = MaxOptions
	}
	if n < 0 {
		n = 0
	}
	res := make([]string, n)
	copy(res, markers[:n])
	return res
}

// NewCode generates a short random poll code.
func NewCode() string {
	id := uuid.New()
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(id[:5])
	return enc[:codeLength]
}
