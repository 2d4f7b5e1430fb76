package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tablerelay/tablerelay/internal/state"
)

// DB is the subset of the pgx pool the archive uses. Tests substitute a
// fake; production passes a *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const createTranscriptsTable = `
CREATE TABLE IF NOT EXISTS transcripts (
	session_id    TEXT PRIMARY KEY,
	user_address  TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	ended_at      TIMESTAMPTZ NOT NULL,
	message_count INTEGER NOT NULL,
	error_count   INTEGER NOT NULL,
	history       JSONB NOT NULL
)`

const insertTranscript = `
INSERT INTO transcripts (session_id, user_address, started_at, ended_at, message_count, error_count, history)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id) DO UPDATE SET
	ended_at = EXCLUDED.ended_at,
	message_count = EXCLUDED.message_count,
	error_count = EXCLUDED.error_count,
	history = EXCLUDED.history`

const selectRecentTranscripts = `
SELECT session_id, user_address, started_at, ended_at, message_count, error_count
FROM transcripts
WHERE user_address = $1
ORDER BY ended_at DESC
LIMIT $2`

// Transcript is one archived conversation row, without the history body.
type Transcript struct {
	SessionID    string    `json:"session_id"`
	User         string    `json:"user"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	MessageCount int       `json:"message_count"`
	ErrorCount   int       `json:"error_count"`
}

// Postgres archives transcripts into a transcripts table.
type Postgres struct {
	db     DB
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects a pool to the given DSN and ensures the schema.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}
	p := NewPostgresWithDB(pool, logger)
	p.pool = pool
	if err := p.Init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the pool when the archive owns one.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// NewPostgresWithDB wraps an existing connection, without schema setup.
func NewPostgresWithDB(db DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger}
}

// Init creates the transcripts table when missing.
func (p *Postgres) Init(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, createTranscriptsTable); err != nil {
		return fmt.Errorf("archive: create schema: %w", err)
	}
	return nil
}

// Archive upserts the conversation's transcript row.
func (p *Postgres) Archive(ctx context.Context, conv *state.Conversation) error {
	history, err := json.Marshal(conv.History)
	if err != nil {
		return fmt.Errorf("archive %s: marshal history: %w", conv.SessionID, err)
	}

	_, err = p.db.Exec(ctx, insertTranscript,
		conv.SessionID,
		conv.User,
		conv.CreatedAt,
		conv.UpdatedAt,
		len(conv.History),
		conv.ErrorCount,
		history,
	)
	if err != nil {
		return fmt.Errorf("archive %s: insert: %w", conv.SessionID, err)
	}

	p.logger.Debug("transcript archived",
		"session_id", conv.SessionID, "messages", len(conv.History))
	return nil
}

// Recent lists the user's most recent transcripts, newest first.
func (p *Postgres) Recent(ctx context.Context, user string, limit int) ([]Transcript, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := p.db.Query(ctx, selectRecentTranscripts, user, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent for %s: %w", user, err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var tr Transcript
		if err := rows.Scan(&tr.SessionID, &tr.User, &tr.StartedAt, &tr.EndedAt, &tr.MessageCount, &tr.ErrorCount); err != nil {
			return nil, fmt.Errorf("archive: scan transcript: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
