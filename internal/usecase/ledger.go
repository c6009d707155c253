package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Xausdorf/reactpoll/internal/domain"
)

// Ledger is the authoritative tally of one poll.
//
// Register only accepts a voter without a vote and Withdraw only removes the exact
// vote the voter holds, so a switch is always withdraw-then-register. Reordered
// select/deselect events for the same voter therefore cannot lose an update.
type Ledger struct {
	mu      sync.Mutex
	code    string
	ownerID string
	selfID  string
	options int
	store   PollStore
	votes   map[string]domain.Vote
	seq     uint64
}

func NewLedger(poll *domain.Poll, selfID string, store PollStore) *Ledger {
	return &Ledger{
		code:    poll.Code,
		ownerID: poll.OwnerID,
		selfID:  selfID,
		options: len(poll.Options),
		store:   store,
		votes:   make(map[string]domain.Vote),
	}
}

// restore loads votes persisted by a previous process without mirroring them again.
// Records that could never have been accepted are skipped and returned.
func (l *Ledger) restore(records []domain.VoteRecord) []domain.VoteRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var skipped []domain.VoteRecord
	for _, rec := range records {
		if l.checkEligible(rec.VoterID, rec.Option) != nil {
			skipped = append(skipped, rec)
			continue
		}
		if _, ok := l.votes[rec.VoterID]; ok {
			skipped = append(skipped, rec)
			continue
		}
		l.seq++
		l.votes[rec.VoterID] = domain.Vote{Code: l.code, VoterID: rec.VoterID, Option: rec.Option, Seq: l.seq}
	}
	return skipped
}

// Register records a vote. A rejected vote leaves the ledger unchanged.
// The vote is mirrored to the store before it counts; a store failure rejects it.
// A store row the ledger does not know about is replaced.
func (l *Ledger) Register(ctx context.Context, voterID string, option int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkEligible(voterID, option); err != nil {
		return err
	}
	if _, ok := l.votes[voterID]; ok {
		return ErrAlreadyVoted
	}

	err := l.store.AddVote(ctx, l.code, voterID, option)
	if errors.Is(err, ErrConflict) {
		// a stale row left behind by a failed withdraw
		if rerr := l.store.RemoveVote(ctx, l.code, voterID); rerr != nil {
			return fmt.Errorf("store already has a vote unknown to the ledger: %w", err)
		}
		err = l.store.AddVote(ctx, l.code, voterID, option)
	}
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("store already has a vote unknown to the ledger: %w", err)
		}
		return fmt.Errorf("could not save vote: %w", err)
	}

	l.seq++
	l.votes[voterID] = domain.Vote{Code: l.code, VoterID: voterID, Option: option, Seq: l.seq}
	return nil
}

// Withdraw removes the vote voterID holds for option.
// The vote is removed from memory even if the store fails; the error then only
// reports the failed mirror.
func (l *Ledger) Withdraw(ctx context.Context, voterID string, option int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	vote, ok := l.votes[voterID]
	if !ok {
		return ErrVoteNotFound
	}
	if vote.Option != option {
		return ErrStaleWithdraw
	}

	delete(l.votes, voterID)
	if err := l.store.RemoveVote(ctx, l.code, voterID); err != nil {
		return fmt.Errorf("could not remove vote: %w", err)
	}
	return nil
}

// Tally maps every option index to its number of votes.
func (l *Ledger) Tally() map[int]int {
	counts := l.Counts()
	res := make(map[int]int, len(counts))
	for i, c := range counts {
		res[i] = c
	}
	return res
}

// Counts is Tally as a slice indexed by option.
func (l *Ledger) Counts() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts()
}

// Winner returns the option with most votes, the lowest index on a tie.
// ok is false when nobody voted.
func (l *Ledger) Winner() (option int, ok bool) {
	return winnerOf(l.Counts())
}

// Vote returns the vote held by voterID.
func (l *Ledger) Vote(voterID string) (domain.Vote, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.votes[voterID]
	return v, ok
}

// Votes returns current votes in acceptance order.
func (l *Ledger) Votes() []domain.Vote {
	l.mu.Lock()
	res := make([]domain.Vote, 0, len(l.votes))
	for _, v := range l.votes {
		res = append(res, v)
	}
	l.mu.Unlock()

	sort.Slice(res, func(i, j int) bool { return res[i].Seq < res[j].Seq })
	return res
}

func (l *Ledger) checkEligible(voterID string, option int) error {
	if voterID == "" || voterID == l.ownerID || voterID == l.selfID {
		return ErrIneligibleVoter
	}
	if option < 0 || option >= l.options {
		return ErrNoSuchOption
	}
	return nil
}

func (l *Ledger) counts() []int {
	res := make([]int, l.options)
	for _, v := range l.votes {
		res[v.Option]++
	}
	return res
}

func winnerOf(counts []int) (int, bool) {
	best, bestCount := -1, 0
	for i, c := range counts {
		if c > bestCount {
			best, bestCount = i, c
		}
	}
	return best, best >= 0
}
