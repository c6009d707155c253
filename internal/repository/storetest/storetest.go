// Package storetest checks that a usecase.PollStore behaves the way the poll
// registry expects. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Xausdorf/reactpoll/internal/domain"
	"github.com/Xausdorf/reactpoll/internal/usecase"
)

var base = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func record(code string, started time.Time) *domain.PollRecord {
	return &domain.PollRecord{
		Code:      code,
		ChannelID: "chan",
		OwnerID:   "owner",
		ContextID: "cmd-" + code,
		DisplayID: "post-" + code,
		Prompt:    "Lunch?",
		Options:   []string{"Pizza", "Sushi"},
		StartedAt: started,
		ClosesAt:  started.Add(time.Minute),
	}
}

// Run executes the shared checks. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) usecase.PollStore) {
	t.Run("create conflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.CreatePoll(ctx, record("AAAA0001", base)); err != nil {
			t.Fatalf("CreatePoll: %v", err)
		}
		if err := s.CreatePoll(ctx, record("AAAA0001", base)); !errors.Is(err, usecase.ErrConflict) {
			t.Errorf("second CreatePoll error = %v, want ErrConflict", err)
		}
	})

	t.Run("list ordered with votes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreate(t, s, record("LATER001", base.Add(time.Second)))
		mustCreate(t, s, record("FIRST001", base))
		if err := s.AddVote(ctx, "FIRST001", "alice", 1); err != nil {
			t.Fatalf("AddVote: %v", err)
		}

		got, err := s.ListOpenPolls(ctx)
		if err != nil {
			t.Fatalf("ListOpenPolls: %v", err)
		}
		if len(got) != 2 || got[0].Code != "FIRST001" || got[1].Code != "LATER001" {
			t.Fatalf("ListOpenPolls order = %v", codes(got))
		}
		first := got[0]
		if first.Prompt != "Lunch?" || len(first.Options) != 2 || first.Options[1] != "Sushi" {
			t.Errorf("poll fields not kept: %+v", first)
		}
		if first.DisplayID != "post-FIRST001" || first.ContextID != "cmd-FIRST001" {
			t.Errorf("ids not kept: %+v", first)
		}
		if !first.StartedAt.Equal(base) || !first.ClosesAt.Equal(base.Add(time.Minute)) {
			t.Errorf("times not kept: %v %v", first.StartedAt, first.ClosesAt)
		}
		if len(first.Votes) != 1 || first.Votes[0] != (domain.VoteRecord{Code: "FIRST001", VoterID: "alice", Option: 1}) {
			t.Errorf("votes = %+v", first.Votes)
		}
		if len(got[1].Votes) != 0 {
			t.Errorf("votes leaked to another poll: %+v", got[1].Votes)
		}
	})

	t.Run("vote conflict and remove", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreate(t, s, record("VOTE0001", base))

		if err := s.AddVote(ctx, "VOTE0001", "alice", 0); err != nil {
			t.Fatalf("AddVote: %v", err)
		}
		if err := s.AddVote(ctx, "VOTE0001", "alice", 1); !errors.Is(err, usecase.ErrConflict) {
			t.Errorf("duplicate AddVote error = %v, want ErrConflict", err)
		}
		if err := s.RemoveVote(ctx, "VOTE0001", "alice"); err != nil {
			t.Fatalf("RemoveVote: %v", err)
		}
		if err := s.RemoveVote(ctx, "VOTE0001", "alice"); err != nil {
			t.Errorf("RemoveVote of a missing vote: %v", err)
		}
		if err := s.AddVote(ctx, "VOTE0001", "alice", 1); err != nil {
			t.Errorf("AddVote after RemoveVote: %v", err)
		}
	})

	t.Run("delete is idempotent and removes votes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreate(t, s, record("GONE0001", base))
		if err := s.AddVote(ctx, "GONE0001", "alice", 0); err != nil {
			t.Fatal(err)
		}

		for n := 0; n < 2; n++ {
			if err := s.DeletePoll(ctx, "GONE0001"); err != nil {
				t.Fatalf("DeletePoll: %v", err)
			}
		}
		got, err := s.ListOpenPolls(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Errorf("ListOpenPolls after delete = %v", codes(got))
		}

		mustCreate(t, s, record("GONE0001", base))
		got, err = s.ListOpenPolls(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || len(got[0].Votes) != 0 {
			t.Errorf("votes of deleted poll came back: %+v", got)
		}
	})
}

// RunCorrupt checks that one undecodable poll does not hide the others.
// corrupt must damage the stored poll with the given code in place.
func RunCorrupt(t *testing.T, s usecase.PollStore, corrupt func(t *testing.T, code string)) {
	ctx := context.Background()
	mustCreate(t, s, record("GOOD0001", base))
	mustCreate(t, s, record("BAD00001", base.Add(time.Second)))
	if err := s.AddVote(ctx, "GOOD0001", "alice", 0); err != nil {
		t.Fatal(err)
	}
	corrupt(t, "BAD00001")

	got, err := s.ListOpenPolls(ctx)
	if !errors.Is(err, usecase.ErrCorruptRecord) {
		t.Errorf("ListOpenPolls error = %v, want ErrCorruptRecord", err)
	}
	if len(got) != 1 || got[0].Code != "GOOD0001" || len(got[0].Votes) != 1 {
		t.Errorf("ListOpenPolls = %v, want the readable poll with its vote", codes(got))
	}
}

func mustCreate(t *testing.T, s usecase.PollStore, rec *domain.PollRecord) {
	t.Helper()
	if err := s.CreatePoll(context.Background(), rec); err != nil {
		t.Fatalf("CreatePoll(%s): %v", rec.Code, err)
	}
}

func codes(recs []*domain.PollRecord) []string {
	res := make([]string, len(recs))
	for i, r := range recs {
		res[i] = r.Code
	}
	return res
}
