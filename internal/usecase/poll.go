package usecase

import (
	"context"
	"errors"

	"github.com/Xausdorf/reactpoll/internal/domain"
)

var (
	ErrValidation       = errors.New("invalid poll")
	ErrPermissionDenied = errors.New("user is not poll author")
	ErrPollNotFound     = errors.New("poll not found")
	ErrPollClosed       = errors.New("poll is not active")
	ErrConflict         = errors.New("record already exists")
	ErrTransport        = errors.New("transport failure")
	ErrStorage          = errors.New("storage failure")
	ErrCorruptRecord    = errors.New("persisted record is malformed")

	ErrAlreadyVoted    = errors.New("voter has already voted")
	ErrIneligibleVoter = errors.New("voter is not allowed to vote")
	ErrNoSuchOption    = errors.New("there is no such option in poll")
	ErrVoteNotFound    = errors.New("vote not found")
	ErrStaleWithdraw   = errors.New("vote is for another option")
)

// PollStore persists running polls so they survive restarts.
// It makes no decisions: duplicates are reported with ErrConflict.
type PollStore interface {
	CreatePoll(ctx context.Context, rec *domain.PollRecord) error
	DeletePoll(ctx context.Context, code string) error
	// ListOpenPolls returns persisted polls ordered by start time, with their votes.
	// Records that can not be decoded are left out and reported in an error
	// matching ErrCorruptRecord, returned together with the readable ones.
	ListOpenPolls(ctx context.Context) ([]*domain.PollRecord, error)
	AddVote(ctx context.Context, code string, voterID string, option int) error
	RemoveVote(ctx context.Context, code string, voterID string) error
}

// Embed is the structured part of a poll post.
type Embed struct {
	Title  string
	Author string
	Lines  []string
}

// Transport posts and maintains poll displays in chat.
type Transport interface {
	SendPrompt(ctx context.Context, channelID string, text string, embed Embed) (displayID string, err error)
	EditDisplay(ctx context.Context, displayID string, text string, embed Embed) error
	// DeleteDisplay must succeed when the display is already gone.
	DeleteDisplay(ctx context.Context, displayID string) error
	AttachMarkers(ctx context.Context, displayID string, markers []string) error
	ResolveDisplay(ctx context.Context, displayID string) error
	// Reactions lists the markers currently on a display as VoteSelect events.
	Reactions(ctx context.Context, displayID string) ([]domain.VoteEvent, error)
	Announce(ctx context.Context, channelID string, text string) error
	Permalink(channelID string, displayID string) string
}

// EventSource delivers vote events coming from the chat.
type EventSource interface {
	Subscribe(kind domain.EventKind, filter func(domain.VoteEvent) bool, handler func(domain.VoteEvent)) domain.SubscriptionID
	Unsubscribe(id domain.SubscriptionID)
}

// Identity tells who the bot itself is. Its own reactions never count as votes.
type Identity interface {
	SelfID() string
}

// Notifier receives poll lifecycle events, e.g. to publish or broadcast them.
type Notifier interface {
	Notify(ctx context.Context, ev domain.PollEvent)
}

// Metrics is implemented by internal/metrics.
type Metrics interface {
	PollCreated()
	PollClosed(reason domain.Reason)
	OpenPolls(n int)
	VoteAccepted()
	VoteWithdrawn()
	VoteRejected(reason string)
}

type noopMetrics struct{}

func (noopMetrics) PollCreated()             {}
func (noopMetrics) PollClosed(domain.Reason) {}
func (noopMetrics) OpenPolls(int)            {}
func (noopMetrics) VoteAccepted()            {}
func (noopMetrics) VoteWithdrawn()           {}
func (noopMetrics) VoteRejected(string)      {}

// rejectReason maps a vote rejection to a metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyVoted):
		return "already_voted"
	case errors.Is(err, ErrIneligibleVoter):
		return "ineligible"
	case errors.Is(err, ErrNoSuchOption):
		return "no_such_option"
	case errors.Is(err, ErrVoteNotFound):
		return "vote_not_found"
	case errors.Is(err, ErrStaleWithdraw):
		return "stale_withdraw"
	case errors.Is(err, ErrPollClosed):
		return "closed"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "other"
	}
}
