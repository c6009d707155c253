package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Xausdorf/reactpoll/internal/domain"
	"github.com/Xausdorf/reactpoll/internal/repository/storetest"
	"github.com/Xausdorf/reactpoll/internal/usecase"
)

func TestWrapErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, usecase.ErrConflict},
		{"wrapped unique violation", fmt.Errorf("create: %w", &pgconn.PgError{Code: "23505"}), usecase.ErrConflict},
		{"other pg error", &pgconn.PgError{Code: "42P01"}, usecase.ErrStorage},
		{"connection error", errors.New("connection refused"), usecase.ErrStorage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := wrapErr("insert vote", tt.err); !errors.Is(err, tt.want) {
				t.Errorf("wrapErr() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestJoinVotes(t *testing.T) {
	start := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	polls := []pollModel{
		{Code: "A", Options: []string{"x", "y"}, StartedAt: start},
		{Code: "B", Options: []string{"x", "y"}, StartedAt: start.Add(time.Second)},
	}
	votes := []voteModel{
		{Code: "B", VoterID: "alice", Option: 1},
		{Code: "GONE", VoterID: "bob", Option: 0},
	}

	got := joinVotes(polls, votes)
	if len(got) != 2 || got[0].Code != "A" || len(got[0].Votes) != 0 {
		t.Fatalf("joinVotes() = %+v", got)
	}
	if want := []domain.VoteRecord{{Code: "B", VoterID: "alice", Option: 1}}; len(got[1].Votes) != 1 || got[1].Votes[0] != want[0] {
		t.Errorf("votes of B = %+v", got[1].Votes)
	}
}

// TestStore runs against a real database when REACTPOLL_TEST_POSTGRES_DSN is set.
func TestStore(t *testing.T) {
	dsn := os.Getenv("REACTPOLL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("REACTPOLL_TEST_POSTGRES_DSN is not set")
	}
	storetest.Run(t, func(t *testing.T) usecase.PollStore {
		s, err := Connect(testContext(t), dsn)
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err = s.db.Exec("TRUNCATE polls, poll_votes").Error; err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
