package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"memorease/internal/domain"
)

// sortableTime keeps the fractional part fixed-width so created_at text
// sorts in time order.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteLog is a single-file durable log and event store for local runs.
// It offers the same append and read semantics as Client.
type SQLiteLog struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a throwaway database.
func OpenSQLite(path string) (*SQLiteLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("repository: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping database: %w", err)
	}
	l := &SQLiteLog{db: db, now: time.Now}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: migrate database: %w", err)
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		text TEXT NOT NULL,
		speaker TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (conversation_id, seq),
		UNIQUE (conversation_id, id)
	);

	CREATE TABLE IF NOT EXISTS events (
		user_id TEXT NOT NULL,
		id TEXT NOT NULL,
		text TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		location TEXT NOT NULL,
		image_url TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_user_created ON events(user_id, created_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

// AppendTurn writes turn at the next sequence number, or returns the
// existing sequence when the turn id was already written.
func (l *SQLiteLog) AppendTurn(ctx context.Context, turn domain.Turn) (int64, error) {
	if err := turn.Validate(); err != nil {
		return 0, fmt.Errorf("repository: AppendTurn: %w", err)
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("repository: AppendTurn begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT seq FROM turns WHERE conversation_id = ? AND id = ?`,
		turn.ConversationID, turn.ID,
	).Scan(&seq)
	switch {
	case err == nil:
		return seq, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("repository: AppendTurn lookup: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE conversation_id = ?`,
		turn.ConversationID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("repository: AppendTurn next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (conversation_id, seq, id, text, speaker, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ConversationID, seq, turn.ID, turn.Text, string(turn.Speaker), turn.CreatedAt.UTC().Format(sortableTime),
	); err != nil {
		return 0, fmt.Errorf("repository: AppendTurn insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("repository: AppendTurn commit: %w", err)
	}
	return seq, nil
}

// Snapshot reads every turn of a conversation in sequence order.
func (l *SQLiteLog) Snapshot(ctx context.Context, conversationID string) (domain.Snapshot, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, text, speaker, created_at, seq FROM turns WHERE conversation_id = ? ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("repository: Snapshot query: %w", err)
	}
	defer rows.Close()

	snap := domain.Snapshot{ConversationID: conversationID}
	for rows.Next() {
		var (
			t         domain.Turn
			speaker   string
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.Text, &speaker, &createdAt, &t.Seq); err != nil {
			return domain.Snapshot{}, fmt.Errorf("repository: Snapshot scan: %w", err)
		}
		t.ConversationID = conversationID
		t.Speaker = domain.Speaker(speaker)
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return domain.Snapshot{}, fmt.Errorf("repository: Snapshot parse created_at: %w", err)
		}
		snap.Turns = append(snap.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("repository: Snapshot rows: %w", err)
	}
	return snap, nil
}

// ListEvents returns a user's logged events, oldest first.
func (l *SQLiteLog) ListEvents(ctx context.Context, userID string) ([]domain.LoggedEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, text, timestamp, location, image_url, created_at FROM events WHERE user_id = ? ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: ListEvents query: %w", err)
	}
	defer rows.Close()

	var events []domain.LoggedEvent
	for rows.Next() {
		var (
			e         domain.LoggedEvent
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Text, &e.Timestamp, &e.LocationLabel, &e.ImageRef, &createdAt); err != nil {
			return nil, fmt.Errorf("repository: ListEvents scan: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("repository: ListEvents parse created_at: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListEvents rows: %w", err)
	}
	return events, nil
}

// PutEvent stores or replaces a logged event for userID.
func (l *SQLiteLog) PutEvent(ctx context.Context, userID string, e domain.LoggedEvent) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(e.ID) == "" {
		return errors.New("repository: PutEvent: user id and event id are required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
	INSERT INTO events (user_id, id, text, timestamp, location, image_url, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, id) DO UPDATE SET
		text = excluded.text,
		timestamp = excluded.timestamp,
		location = excluded.location,
		image_url = excluded.image_url,
		created_at = excluded.created_at
	`, userID, e.ID, e.Text, e.Timestamp, e.LocationLabel, e.ImageRef, e.CreatedAt.UTC().Format(sortableTime))
	if err != nil {
		return fmt.Errorf("repository: PutEvent: %w", err)
	}
	return nil
}
