package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Xausdorf/reactpoll/internal/domain"
	"github.com/Xausdorf/reactpoll/internal/usecase"
)

type pollModel struct {
	Code      string    `gorm:"column:code;primaryKey"`
	ChannelID string    `gorm:"column:channel_id;not null"`
	OwnerID   string    `gorm:"column:owner_id;not null"`
	ContextID string    `gorm:"column:context_id"`
	DisplayID string    `gorm:"column:display_id"`
	Prompt    string    `gorm:"column:prompt;not null"`
	Options   []string  `gorm:"column:options;serializer:json;type:jsonb;not null"`
	StartedAt time.Time `gorm:"column:started_at;index;not null"`
	ClosesAt  time.Time `gorm:"column:closes_at;not null"`
}

func (pollModel) TableName() string {
	return "polls"
}

type voteModel struct {
	Code      string    `gorm:"column:code;primaryKey"`
	VoterID   string    `gorm:"column:voter_id;primaryKey"`
	Option    int       `gorm:"column:option;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (voteModel) TableName() string {
	return "poll_votes"
}

func pollModelFromRecord(rec *domain.PollRecord) pollModel {
	return pollModel{
		Code:      rec.Code,
		ChannelID: rec.ChannelID,
		OwnerID:   rec.OwnerID,
		ContextID: rec.ContextID,
		DisplayID: rec.DisplayID,
		Prompt:    rec.Prompt,
		Options:   rec.Options,
		StartedAt: rec.StartedAt.UTC(),
		ClosesAt:  rec.ClosesAt.UTC(),
	}
}

func (m pollModel) toRecord() *domain.PollRecord {
	return &domain.PollRecord{
		Code:      m.Code,
		ChannelID: m.ChannelID,
		OwnerID:   m.OwnerID,
		ContextID: m.ContextID,
		DisplayID: m.DisplayID,
		Prompt:    m.Prompt,
		Options:   m.Options,
		StartedAt: m.StartedAt.UTC(),
		ClosesAt:  m.ClosesAt.UTC(),
	}
}

// Store is a usecase.PollStore in postgres.
type Store struct {
	db *gorm.DB
}

// Connect opens the database and migrates the poll tables.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}
	if err = sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := NewStore(db)
	if err = db.WithContext(ctx).AutoMigrate(&pollModel{}, &voteModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate poll tables: %w", err)
	}
	return s, nil
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreatePoll(ctx context.Context, rec *domain.PollRecord) error {
	row := pollModelFromRecord(rec)
	return wrapErr("insert poll", s.db.WithContext(ctx).Create(&row).Error)
}

func (s *Store) DeletePoll(ctx context.Context, code string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("code = ?", code).Delete(&voteModel{}).Error; err != nil {
			return err
		}
		return tx.Where("code = ?", code).Delete(&pollModel{}).Error
	})
	return wrapErr("delete poll", err)
}

func (s *Store) ListOpenPolls(ctx context.Context) ([]*domain.PollRecord, error) {
	var polls []pollModel
	if err := s.db.WithContext(ctx).Order("started_at ASC, code ASC").Find(&polls).Error; err != nil {
		return nil, wrapErr("select polls", err)
	}
	var votes []voteModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&votes).Error; err != nil {
		return nil, wrapErr("select votes", err)
	}
	return joinVotes(polls, votes), nil
}

func (s *Store) AddVote(ctx context.Context, code string, voterID string, option int) error {
	row := voteModel{Code: code, VoterID: voterID, Option: option, CreatedAt: time.Now().UTC()}
	return wrapErr("insert vote", s.db.WithContext(ctx).Create(&row).Error)
}

func (s *Store) RemoveVote(ctx context.Context, code string, voterID string) error {
	err := s.db.WithContext(ctx).
		Where("code = ? AND voter_id = ?", code, voterID).
		Delete(&voteModel{}).
		Error
	return wrapErr("delete vote", err)
}

func joinVotes(polls []pollModel, votes []voteModel) []*domain.PollRecord {
	res := make([]*domain.PollRecord, 0, len(polls))
	index := make(map[string]*domain.PollRecord, len(polls))
	for _, p := range polls {
		rec := p.toRecord()
		res = append(res, rec)
		index[rec.Code] = rec
	}
	for _, v := range votes {
		if rec, ok := index[v.Code]; ok {
			rec.Votes = append(rec.Votes, domain.VoteRecord{Code: v.Code, VoterID: v.VoterID, Option: v.Option})
		}
	}
	return res
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("could not %s in postgres: %w", op, usecase.ErrConflict)
	}
	return fmt.Errorf("could not %s in postgres: %w: %w", op, usecase.ErrStorage, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
