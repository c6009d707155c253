package ttadapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/tarantool/go-iproto"
	"github.com/tarantool/go-tarantool/v2"

	"github.com/Xausdorf/reactpoll/internal/domain"
	"github.com/Xausdorf/reactpoll/internal/usecase"
)

const (
	pollSpace = "polls"
	voteSpace = "votes"
)

// schema creates the spaces used by Store. Every statement is idempotent.
const schema = `
box.schema.space.create('polls', {if_not_exists = true})
box.space.polls:create_index('primary', {parts = {{1, 'string'}}, if_not_exists = true})
box.space.polls:create_index('started_at', {parts = {{8, 'integer'}}, unique = false, if_not_exists = true})
box.schema.space.create('votes', {if_not_exists = true})
box.space.votes:create_index('primary', {parts = {{1, 'string'}}, if_not_exists = true})
box.space.votes:create_index('code_voter', {parts = {{2, 'string'}, {3, 'string'}}, if_not_exists = true})
box.space.votes:create_index('code', {parts = {{2, 'string'}}, unique = false, if_not_exists = true})
`

// Store is a usecase.PollStore on top of tarantool.
type Store struct {
	conn *tarantool.Connection
}

func NewStore(conn *tarantool.Connection) *Store {
	return &Store{
		conn: conn,
	}
}

// EnsureSchema creates missing spaces and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.conn.Do(
		tarantool.NewEvalRequest(schema).
			Context(ctx).
			Args([]interface{}{}),
	).Get(); err != nil {
		return fmt.Errorf("could not create tarantool schema: %w", err)
	}
	return nil
}

func (s *Store) CreatePoll(ctx context.Context, rec *domain.PollRecord) error {
	_, err := s.conn.Do(
		tarantool.NewInsertRequest(pollSpace).
			Context(ctx).
			Tuple(NewPollModel(rec)),
	).Get()
	return wrapErr("insert poll", err)
}

func (s *Store) DeletePoll(ctx context.Context, code string) error {
	votes, err := s.selectVotes(ctx, code)
	if err != nil {
		return err
	}
	// tarantool does not delete by a non-unique key, so votes go one by one
	for _, v := range votes {
		if _, err = s.conn.Do(
			tarantool.NewDeleteRequest(voteSpace).
				Context(ctx).
				Index("primary").
				Key(tarantool.StringKey{S: v.ID}),
		).Get(); err != nil {
			return wrapErr("delete vote", err)
		}
	}

	_, err = s.conn.Do(
		tarantool.NewDeleteRequest(pollSpace).
			Context(ctx).
			Index("primary").
			Key(tarantool.StringKey{S: code}),
	).Get()
	return wrapErr("delete poll", err)
}

func (s *Store) ListOpenPolls(ctx context.Context) ([]*domain.PollRecord, error) {
	var polls []PollModel
	if err := s.conn.Do(
		tarantool.NewSelectRequest(pollSpace).
			Context(ctx).
			Index("started_at").
			Iterator(tarantool.IterAll).
			Key([]interface{}{}),
	).GetTyped(&polls); err != nil {
		return nil, wrapErr("select polls", err)
	}

	res := make([]*domain.PollRecord, 0, len(polls))
	for i := range polls {
		rec := polls[i].ToRecord()
		votes, err := s.selectVotes(ctx, rec.Code)
		if err != nil {
			return nil, err
		}
		for j := range votes {
			rec.Votes = append(rec.Votes, votes[j].ToRecord())
		}
		res = append(res, rec)
	}
	return res, nil
}

func (s *Store) AddVote(ctx context.Context, code string, voterID string, option int) error {
	_, err := s.conn.Do(
		tarantool.NewInsertRequest(voteSpace).
			Context(ctx).
			Tuple(NewVoteModel(code, voterID, option)),
	).Get()
	return wrapErr("insert vote", err)
}

func (s *Store) RemoveVote(ctx context.Context, code string, voterID string) error {
	_, err := s.conn.Do(
		tarantool.NewDeleteRequest(voteSpace).
			Context(ctx).
			Index("code_voter").
			Key([]interface{}{code, voterID}),
	).Get()
	return wrapErr("delete vote", err)
}

func (s *Store) selectVotes(ctx context.Context, code string) ([]VoteModel, error) {
	var res []VoteModel
	if err := s.conn.Do(
		tarantool.NewSelectRequest(voteSpace).
			Context(ctx).
			Index("code").
			Iterator(tarantool.IterEq).
			Key(tarantool.StringKey{S: code}),
	).GetTyped(&res); err != nil {
		return nil, wrapErr("select votes", err)
	}
	return res, nil
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDuplicate(err) {
		return fmt.Errorf("could not %s in tarantool: %w", op, usecase.ErrConflict)
	}
	return fmt.Errorf("could not %s in tarantool: %w: %w", op, usecase.ErrStorage, err)
}

func isDuplicate(err error) bool {
	var terr tarantool.Error
	return errors.As(err, &terr) && terr.Code == iproto.ER_TUPLE_FOUND
}
