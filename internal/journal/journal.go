// Package journal records link transfers in a sqlite database.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/progress"
	"github.com/danmuck/uclink/internal/protocol/session"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

var ErrNotFound = errors.New("journal: transfer not found")

type Status string

const (
	StatusActive Status = "active"
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// Entry is one journaled transfer.
type Entry struct {
	ID         uuid.UUID
	Link       string
	Direction  progress.Direction
	Major      packet.MajorKey
	Minor      uint8
	Total      uint64
	Done       uint64
	Retries    int
	Status     Status
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Query filters List. Zero values match everything; Limit 0 means 100.
type Query struct {
	Link   string
	Status Status
	Limit  int
}

// Journal is a sqlite-backed session.Observer.
type Journal struct {
	session.NopObserver
	db *sql.DB
}

// Open opens the journal at path and runs migrations.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transfers (
			id TEXT PRIMARY KEY,
			link TEXT NOT NULL,
			direction TEXT NOT NULL,
			major INTEGER NOT NULL,
			minor INTEGER NOT NULL,
			total INTEGER NOT NULL,
			done INTEGER NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT
		);
		CREATE TABLE IF NOT EXISTS connections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			link TEXT NOT NULL,
			up INTEGER NOT NULL,
			at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transfers_link ON transfers(link, started_at);
	`)
	return err
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Begin inserts an active row for t.
func (j *Journal) Begin(link string, t session.Transfer) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := j.db.Exec(
		"INSERT INTO transfers (id, link, direction, major, minor, total, done, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		t.ID.String(), link, t.Direction.String(), int(t.Major), int(t.Minor), int64(t.Total), int64(t.Done), string(StatusActive), now,
	)
	if err != nil {
		return fmt.Errorf("journal begin %s: %w", t.ID, err)
	}
	return nil
}

// Finish closes the row for t as done, or failed when cause is non-nil.
func (j *Journal) Finish(t session.Transfer, cause error) error {
	status, msg := StatusDone, ""
	if cause != nil {
		status, msg = StatusFailed, cause.Error()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := j.db.Exec(
		"UPDATE transfers SET status=?, error=?, done=?, total=?, finished_at=? WHERE id=?",
		string(status), msg, int64(t.Done), int64(t.Total), now, t.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("journal finish %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	return nil
}

// Retried bumps the retry counter of an active transfer.
func (j *Journal) Retried(id uuid.UUID) error {
	_, err := j.db.Exec("UPDATE transfers SET retries = retries + 1 WHERE id = ?", id.String())
	return err
}

// Get returns one transfer by id.
func (j *Journal) Get(id uuid.UUID) (Entry, error) {
	row := j.db.QueryRow("SELECT "+entryColumns+" FROM transfers WHERE id = ?", id.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

// List returns transfers newest first.
func (j *Journal) List(q Query) ([]Entry, error) {
	var where []string
	var args []any
	if q.Link != "" {
		where = append(where, "link = ?")
		args = append(args, q.Link)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	stmt := "SELECT " + entryColumns + " FROM transfers"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Connections returns the number of up and down events recorded for link.
func (j *Journal) Connections(link string) (up, down int, err error) {
	err = j.db.QueryRow(
		"SELECT COALESCE(SUM(up), 0), COALESCE(SUM(1 - up), 0) FROM connections WHERE link = ?", link,
	).Scan(&up, &down)
	return up, down, err
}

const entryColumns = "id, link, direction, major, minor, total, done, retries, status, error, started_at, finished_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                        Entry
		id, dir, status, started string
		major, minor             int
		total, done              int64
		finished                 sql.NullString
	)
	if err := s.Scan(&id, &e.Link, &dir, &major, &minor, &total, &done, &e.Retries, &status, &e.Error, &started, &finished); err != nil {
		return Entry{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Entry{}, fmt.Errorf("journal row id %q: %w", id, err)
	}
	e.ID = parsed
	e.Direction = progress.Recv
	if dir == progress.Send.String() {
		e.Direction = progress.Send
	}
	e.Major = packet.MajorKey(major)
	e.Minor = uint8(minor)
	e.Total = uint64(total)
	e.Done = uint64(done)
	e.Status = Status(status)
	e.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		at, _ := time.Parse(time.RFC3339Nano, finished.String)
		e.FinishedAt = &at
	}
	return e, nil
}

func (j *Journal) Connection(link string, up bool) {
	v := 0
	if up {
		v = 1
	}
	if _, err := j.db.Exec("INSERT INTO connections (link, up, at) VALUES (?, ?, ?)", link, v, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		log.Warn().Str("link", link).Err(err).Msg("journal.Connection")
	}
}

func (j *Journal) TransferStarted(link string, t session.Transfer) {
	if err := j.Begin(link, t); err != nil {
		log.Warn().Str("link", link).Err(err).Msg("journal.TransferStarted")
	}
}

func (j *Journal) Retry(link string, t session.Transfer, attempt int) {
	if err := j.Retried(t.ID); err != nil {
		log.Warn().Str("link", link).Int("attempt", attempt).Err(err).Msg("journal.Retry")
	}
}

func (j *Journal) TransferFinished(link string, t session.Transfer, err error) {
	if ferr := j.Finish(t, err); ferr != nil {
		log.Warn().Str("link", link).Err(ferr).Msg("journal.TransferFinished")
	}
}
