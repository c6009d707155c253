package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Xausdorf/reactpoll/internal/domain"
	"github.com/Xausdorf/reactpoll/internal/usecase"
)

// Store keeps polls in process memory. Nothing survives a restart.
type Store struct {
	mu    sync.RWMutex
	polls map[string]domain.PollRecord
	votes map[string]map[string]int
}

func NewStore() *Store {
	return &Store{
		polls: make(map[string]domain.PollRecord),
		votes: make(map[string]map[string]int),
	}
}

func (s *Store) CreatePoll(_ context.Context, rec *domain.PollRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.polls[rec.Code]; ok {
		return usecase.ErrConflict
	}
	cp := *rec
	cp.Options = append([]string(nil), rec.Options...)
	cp.Votes = nil
	s.polls[rec.Code] = cp
	s.votes[rec.Code] = make(map[string]int)
	return nil
}

func (s *Store) DeletePoll(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.polls, code)
	delete(s.votes, code)
	return nil
}

func (s *Store) ListOpenPolls(context.Context) ([]*domain.PollRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]*domain.PollRecord, 0, len(s.polls))
	for code, p := range s.polls {
		rec := p
		rec.Options = append([]string(nil), p.Options...)
		for voter, option := range s.votes[code] {
			rec.Votes = append(rec.Votes, domain.VoteRecord{Code: code, VoterID: voter, Option: option})
		}
		sort.Slice(rec.Votes, func(i, j int) bool { return rec.Votes[i].VoterID < rec.Votes[j].VoterID })
		res = append(res, &rec)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].StartedAt.Equal(res[j].StartedAt) {
			return res[i].Code < res[j].Code
		}
		return res[i].StartedAt.Before(res[j].StartedAt)
	})
	return res, nil
}

func (s *Store) AddVote(_ context.Context, code string, voterID string, option int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	votes, ok := s.votes[code]
	if !ok {
		return usecase.ErrPollNotFound
	}
	if _, ok = votes[voterID]; ok {
		return usecase.ErrConflict
	}
	votes[voterID] = option
	return nil
}

func (s *Store) RemoveVote(_ context.Context, code string, voterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.votes[code], voterID)
	return nil
}
