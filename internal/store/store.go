// Package store keeps the build history in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stellar-build/stellar/internal/build"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// fixed width, so the text columns sort and compare as times
const timeFormat = "2006-01-02T15:04:05.000000000Z"

type Job struct {
	UUID       string
	Path       string
	Args       []string
	Dir        string
	State      build.State
	ExitCode   *int
	Error      *string
	StartedAt  time.Time
	FinishedAt *time.Time
	Lines      int
}

type JobRow struct {
	Job
	ID int
}

func (r JobRow) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("uuid: %q, state: %s", r.UUID, r.State))
	if r.ExitCode != nil {
		sb.WriteString(fmt.Sprintf(", exit_code: %d", *r.ExitCode))
	} else {
		sb.WriteString(", exit_code: nil")
	}
	if r.Error != nil {
		sb.WriteString(fmt.Sprintf(", error: %q", *r.Error))
	}
	return sb.String()
}

// Store implements build.Recorder.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path, ":memory:" is accepted.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection: sqlite has a single writer and :memory: is per connection
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			path TEXT NOT NULL,
			args TEXT NOT NULL,
			dir TEXT NOT NULL,
			state TEXT NOT NULL,
			exit_code INTEGER DEFAULT NULL,
			error TEXT DEFAULT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT DEFAULT NULL,
			lines INTEGER NOT NULL DEFAULT 0
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating jobs table failed: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts or updates the row of a build.
func (s *Store) Record(ctx context.Context, summary build.Summary) error {
	args, err := json.Marshal(summary.Command.Args)
	if err != nil {
		return fmt.Errorf("encoding args failed: %w", err)
	}
	var startedAt string
	if summary.Status.StartedAt != nil {
		startedAt = summary.Status.StartedAt.UTC().Format(timeFormat)
	}
	var finishedAt, errMsg *string
	if summary.Status.FinishedAt != nil {
		f := summary.Status.FinishedAt.UTC().Format(timeFormat)
		finishedAt = &f
	}
	if summary.Status.Error != "" {
		errMsg = &summary.Status.Error
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (uuid, path, args, dir, state, exit_code, error, started_at, finished_at, lines)
		 VALUES (?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(uuid) DO UPDATE SET
			state = excluded.state,
			exit_code = excluded.exit_code,
			error = excluded.error,
			finished_at = excluded.finished_at,
			lines = excluded.lines;`,
		summary.ID.String(),
		summary.Command.Path,
		string(args),
		summary.Command.Dir,
		string(summary.Status.State),
		summary.Status.ExitCode,
		errMsg,
		startedAt,
		finishedAt,
		summary.Lines,
	)
	if err != nil {
		return fmt.Errorf("executing sql upsert failed: %w", err)
	}
	return nil
}

// Get returns the build identified by uuid or ErrNotFound.
func (s *Store) Get(ctx context.Context, uuid string) (JobRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, uuid, path, args, dir, state, exit_code, error, started_at, finished_at, lines
		 FROM jobs WHERE uuid=?`, uuid,
	)
	ret, err := scan(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return JobRow{}, ErrNotFound
	case err != nil:
		return JobRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return ret, nil
}

// List returns up to limit builds, newest first. Non-positive limit means all.
func (s *Store) List(ctx context.Context, limit int) ([]JobRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, uuid, path, args, dir, state, exit_code, error, started_at, finished_at, lines
		 FROM jobs ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []JobRow
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

// DeleteBefore removes builds finished before t and returns their count.
func (s *Store) DeleteBefore(ctx context.Context, t time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func(ctx context.Context) {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "error", err)
		}
	}(ctx)

	result, err := tx.ExecContext(ctx,
		`DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?`,
		t.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction failed: %w", err)
	}
	return int(ra), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (JobRow, error) {
	var (
		r          JobRow
		args       string
		state      string
		startedAt  string
		finishedAt *string
	)
	err := s.Scan(
		&r.ID,
		&r.UUID,
		&r.Path,
		&args,
		&r.Dir,
		&state,
		&r.ExitCode,
		&r.Error,
		&startedAt,
		&finishedAt,
		&r.Lines,
	)
	if err != nil {
		return JobRow{}, err
	}
	r.State = build.State(state)
	if err := json.Unmarshal([]byte(args), &r.Args); err != nil {
		return JobRow{}, fmt.Errorf("decoding args: %w", err)
	}
	if startedAt != "" {
		r.StartedAt, err = time.Parse(timeFormat, startedAt)
		if err != nil {
			return JobRow{}, fmt.Errorf("parsing started_at: %w", err)
		}
	}
	if finishedAt != nil {
		t, err := time.Parse(timeFormat, *finishedAt)
		if err != nil {
			return JobRow{}, fmt.Errorf("parsing finished_at: %w", err)
		}
		r.FinishedAt = &t
	}
	return r, nil
}
