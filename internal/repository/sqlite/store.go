package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Xausdorf/reactpoll/internal/domain"
	"github.com/Xausdorf/reactpoll/internal/usecase"
)

// busyTimeout is how long a connection waits for a lock held by another one.
const busyTimeout = 5 * time.Second

// Store is a usecase.PollStore in a local sqlite file.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err = s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not init sqlite schema: %w", err)
	}
	return s, nil
}

// dsn sets the pragmas on every connection the pool opens.
func dsn(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyTimeout.Milliseconds())
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS polls (
			code TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			owner TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL,
			options_json TEXT NOT NULL DEFAULT '[]',
			started INTEGER NOT NULL,
			closes INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS poll_options (
			code TEXT NOT NULL,
			voter TEXT NOT NULL,
			option INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_poll_options_voter ON poll_options(code, voter);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreatePoll(ctx context.Context, rec *domain.PollRecord) error {
	options, err := json.Marshal(rec.Options)
	if err != nil {
		return fmt.Errorf("could not encode options: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO polls (code, channel, owner, context, message, prompt, options_json, started, closes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Code, rec.ChannelID, rec.OwnerID, rec.ContextID, rec.DisplayID, rec.Prompt, string(options),
		rec.StartedAt.UnixMilli(), rec.ClosesAt.UnixMilli(),
	)
	return wrapErr("insert poll", err)
}

func (s *Store) DeletePoll(ctx context.Context, code string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM poll_options WHERE code = ?`, code); err != nil {
		return wrapErr("delete votes", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM polls WHERE code = ?`, code); err != nil {
		return wrapErr("delete poll", err)
	}
	return wrapErr("commit", tx.Commit())
}

func (s *Store) ListOpenPolls(ctx context.Context) ([]*domain.PollRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, channel, owner, context, message, prompt, options_json, started, closes
		FROM polls ORDER BY started, code`)
	if err != nil {
		return nil, wrapErr("select polls", err)
	}
	defer rows.Close()

	var (
		res     []*domain.PollRecord
		corrupt []error
		index   = make(map[string]*domain.PollRecord)
	)
	for rows.Next() {
		var (
			rec             domain.PollRecord
			options         string
			started, closes int64
		)
		if err = rows.Scan(&rec.Code, &rec.ChannelID, &rec.OwnerID, &rec.ContextID, &rec.DisplayID,
			&rec.Prompt, &options, &started, &closes); err != nil {
			return nil, wrapErr("scan poll", err)
		}
		if err = json.Unmarshal([]byte(options), &rec.Options); err != nil {
			corrupt = append(corrupt, fmt.Errorf("poll %s has malformed options: %w: %w", rec.Code, usecase.ErrCorruptRecord, err))
			continue
		}
		rec.StartedAt = time.UnixMilli(started).UTC()
		rec.ClosesAt = time.UnixMilli(closes).UTC()
		res = append(res, &rec)
		index[rec.Code] = &rec
	}
	if err = rows.Err(); err != nil {
		return nil, wrapErr("select polls", err)
	}

	votes, err := s.db.QueryContext(ctx, `SELECT code, voter, option FROM poll_options ORDER BY rowid`)
	if err != nil {
		return nil, wrapErr("select votes", err)
	}
	defer votes.Close()
	for votes.Next() {
		var v domain.VoteRecord
		if err = votes.Scan(&v.Code, &v.VoterID, &v.Option); err != nil {
			return nil, wrapErr("scan vote", err)
		}
		if rec, ok := index[v.Code]; ok {
			rec.Votes = append(rec.Votes, v)
		}
	}
	if err = votes.Err(); err != nil {
		return nil, wrapErr("select votes", err)
	}
	return res, errors.Join(corrupt...)
}

func (s *Store) AddVote(ctx context.Context, code string, voterID string, option int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO poll_options (code, voter, option) VALUES (?, ?, ?)`,
		code, voterID, option,
	)
	return wrapErr("insert vote", err)
}

func (s *Store) RemoveVote(ctx context.Context, code string, voterID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM poll_options WHERE code = ? AND voter = ?`,
		code, voterID,
	)
	return wrapErr("delete vote", err)
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("could not %s in sqlite: %w", op, usecase.ErrConflict)
		}
	}
	return fmt.Errorf("could not %s in sqlite: %w: %w", op, usecase.ErrStorage, err)
}
