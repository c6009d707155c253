package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Xausdorf/reactpoll/internal/domain"
	"github.com/Xausdorf/reactpoll/internal/usecase"
)

const indexKey = "reactpoll:polls"

func pollKey(code string) string  { return fmt.Sprintf("reactpoll:poll:%s", code) }
func votesKey(code string) string { return fmt.Sprintf("reactpoll:poll:%s:votes", code) }

// Store is a usecase.PollStore in redis. Every poll is a hash, its votes are a
// hash of voter to option, and a sorted set indexes codes by start time.
type Store struct {
	client *redis.Client
}

func Connect(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}

	c := redis.NewClient(opts)
	if err = c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	return NewStore(c), nil
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) CreatePoll(ctx context.Context, rec *domain.PollRecord) error {
	fields, err := recordToHash(rec)
	if err != nil {
		return err
	}

	added, err := s.client.ZAddNX(ctx, indexKey, redis.Z{
		Score:  float64(rec.StartedAt.UnixMilli()),
		Member: rec.Code,
	}).Result()
	if err != nil {
		return wrapErr("index poll", err)
	}
	if added == 0 {
		return fmt.Errorf("poll %s: %w", rec.Code, usecase.ErrConflict)
	}

	if err = s.client.HSet(ctx, pollKey(rec.Code), fields).Err(); err != nil {
		s.client.ZRem(context.WithoutCancel(ctx), indexKey, rec.Code)
		return wrapErr("save poll", err)
	}
	return nil
}

func (s *Store) DeletePoll(ctx context.Context, code string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, pollKey(code), votesKey(code))
		pipe.ZRem(ctx, indexKey, code)
		return nil
	})
	return wrapErr("delete poll", err)
}

func (s *Store) ListOpenPolls(ctx context.Context) ([]*domain.PollRecord, error) {
	codes, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, wrapErr("list polls", err)
	}

	pipe := s.client.Pipeline()
	polls := make([]*redis.MapStringStringCmd, len(codes))
	votes := make([]*redis.MapStringStringCmd, len(codes))
	for i, code := range codes {
		polls[i] = pipe.HGetAll(ctx, pollKey(code))
		votes[i] = pipe.HGetAll(ctx, votesKey(code))
	}
	if len(codes) > 0 {
		if _, err = pipe.Exec(ctx); err != nil {
			return nil, wrapErr("load polls", err)
		}
	}

	var corrupt []error
	res := make([]*domain.PollRecord, 0, len(codes))
	for i, code := range codes {
		fields := polls[i].Val()
		if len(fields) == 0 {
			// indexed but never saved, see CreatePoll
			continue
		}
		rec, err := recordFromHash(code, fields)
		if err != nil {
			corrupt = append(corrupt, err)
			continue
		}
		if rec.Votes, err = votesFromHash(code, votes[i].Val()); err != nil {
			corrupt = append(corrupt, err)
		}
		res = append(res, rec)
	}
	return res, errors.Join(corrupt...)
}

func (s *Store) AddVote(ctx context.Context, code string, voterID string, option int) error {
	ok, err := s.client.HSetNX(ctx, votesKey(code), voterID, option).Result()
	if err != nil {
		return wrapErr("save vote", err)
	}
	if !ok {
		return fmt.Errorf("vote of %s in poll %s: %w", voterID, code, usecase.ErrConflict)
	}
	return nil
}

func (s *Store) RemoveVote(ctx context.Context, code string, voterID string) error {
	return wrapErr("delete vote", s.client.HDel(ctx, votesKey(code), voterID).Err())
}

func recordToHash(rec *domain.PollRecord) (map[string]interface{}, error) {
	options, err := json.Marshal(rec.Options)
	if err != nil {
		return nil, fmt.Errorf("could not encode options: %w", err)
	}
	return map[string]interface{}{
		"channel_id": rec.ChannelID,
		"owner_id":   rec.OwnerID,
		"context_id": rec.ContextID,
		"display_id": rec.DisplayID,
		"prompt":     rec.Prompt,
		"options":    string(options),
		"started_at": rec.StartedAt.UnixMilli(),
		"closes_at":  rec.ClosesAt.UnixMilli(),
	}, nil
}

func recordFromHash(code string, fields map[string]string) (*domain.PollRecord, error) {
	rec := &domain.PollRecord{
		Code:      code,
		ChannelID: fields["channel_id"],
		OwnerID:   fields["owner_id"],
		ContextID: fields["context_id"],
		DisplayID: fields["display_id"],
		Prompt:    fields["prompt"],
	}
	if err := json.Unmarshal([]byte(fields["options"]), &rec.Options); err != nil {
		return nil, fmt.Errorf("poll %s has malformed options: %w: %w", code, usecase.ErrCorruptRecord, err)
	}
	started, err := strconv.ParseInt(fields["started_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("poll %s has malformed start time: %w: %w", code, usecase.ErrCorruptRecord, err)
	}
	closes, err := strconv.ParseInt(fields["closes_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("poll %s has malformed deadline: %w: %w", code, usecase.ErrCorruptRecord, err)
	}
	rec.StartedAt = time.UnixMilli(started).UTC()
	rec.ClosesAt = time.UnixMilli(closes).UTC()
	return rec, nil
}

// votesFromHash returns the readable votes even when some are malformed.
func votesFromHash(code string, fields map[string]string) ([]domain.VoteRecord, error) {
	var corrupt []error
	res := make([]domain.VoteRecord, 0, len(fields))
	for voter, raw := range fields {
		option, err := strconv.Atoi(raw)
		if err != nil {
			corrupt = append(corrupt, fmt.Errorf("vote of %s in poll %s is malformed: %w: %w", voter, code, usecase.ErrCorruptRecord, err))
			continue
		}
		res = append(res, domain.VoteRecord{Code: code, VoterID: voter, Option: option})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].VoterID < res[j].VoterID })
	return res, errors.Join(corrupt...)
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("could not %s in redis: %w: %w", op, usecase.ErrStorage, err)
}
