package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrDuplicateSequence is returned when a chunk's sequence number is already taken
var ErrDuplicateSequence = errors.New("duplicate chunk sequence number")

const schema = `
	CREATE TABLE IF NOT EXISTS transcript_chunks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		start_sec REAL NOT NULL,
		end_sec REAL NOT NULL,
		text TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		speaker_name TEXT,
		confidence REAL,
		created_at REAL NOT NULL,
		UNIQUE(session_id, sequence_number)
	);

	CREATE TABLE IF NOT EXISTS session_status (
		session_id TEXT PRIMARY KEY,
		is_transcribing INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		stream_id TEXT,
		started_at REAL,
		stopped_at REAL,
		updated_at REAL NOT NULL,
		last_error TEXT
	);
`

// Store persists transcript chunks and session status in SQLite
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; one connection also keeps :memory: coherent
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendChunk inserts one transcript row. An empty ID or zero CreatedAt is filled in.
func (s *Store) AppendChunk(ctx context.Context, c Chunk) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	var speaker sql.NullString
	if c.SpeakerName != nil {
		speaker = sql.NullString{String: *c.SpeakerName, Valid: true}
	}
	var confidence sql.NullFloat64
	if c.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *c.Confidence, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript_chunks
			(id, session_id, start_sec, end_sec, text, sequence_number, speaker_name, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.SessionID, c.StartSec, c.EndSec, c.Text, c.SequenceNumber, speaker, confidence, unixFromTime(c.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("session %s sequence %d: %w", c.SessionID, c.SequenceNumber, ErrDuplicateSequence)
		}
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// MaxSequence returns the highest chunk sequence number for a session, or -1 when none.
func (s *Store) MaxSequence(ctx context.Context, sessionID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence_number) FROM transcript_chunks WHERE session_id = ?
	`, sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max sequence: %w", err)
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

// ChunksForSession returns all chunks for a session, ordered by sequence number.
func (s *Store) ChunksForSession(ctx context.Context, sessionID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, start_sec, end_sec, text, sequence_number, speaker_name, confidence, created_at
		FROM transcript_chunks
		WHERE session_id = ?
		ORDER BY sequence_number ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var speaker sql.NullString
		var confidence sql.NullFloat64
		var createdAt float64
		if err := rows.Scan(&c.ID, &c.SessionID, &c.StartSec, &c.EndSec, &c.Text,
			&c.SequenceNumber, &speaker, &confidence, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if speaker.Valid {
			name := speaker.String
			c.SpeakerName = &name
		}
		if confidence.Valid {
			v := confidence.Float64
			c.Confidence = &v
		}
		c.CreatedAt = timeFromUnix(createdAt)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// UpdateSessionStatus upserts the status record for a session.
func (s *Store) UpdateSessionStatus(ctx context.Context, r StatusRecord) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_status
			(session_id, is_transcribing, status, stream_id, started_at, stopped_at, updated_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			is_transcribing = excluded.is_transcribing,
			status = excluded.status,
			stream_id = excluded.stream_id,
			started_at = excluded.started_at,
			stopped_at = excluded.stopped_at,
			updated_at = excluded.updated_at,
			last_error = excluded.last_error
	`, r.SessionID, r.IsTranscribing, r.Status, nullString(r.StreamID),
		nullTime(r.StartedAt), nullTime(r.StoppedAt), unixFromTime(r.UpdatedAt), nullString(r.LastError))
	if err != nil {
		return fmt.Errorf("upsert session status: %w", err)
	}
	return nil
}

// SessionStatus returns the status record for a session, or nil if none exists.
func (s *Store) SessionStatus(ctx context.Context, sessionID string) (*StatusRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, is_transcribing, status, stream_id, started_at, stopped_at, updated_at, last_error
		FROM session_status
		WHERE session_id = ?
	`, sessionID)

	var r StatusRecord
	var streamID, lastError sql.NullString
	var startedAt, stoppedAt sql.NullFloat64
	var updatedAt float64

	if err := row.Scan(&r.SessionID, &r.IsTranscribing, &r.Status, &streamID,
		&startedAt, &stoppedAt, &updatedAt, &lastError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session status: %w", err)
	}

	r.StreamID = streamID.String
	r.LastError = lastError.String
	r.UpdatedAt = timeFromUnix(updatedAt)
	if startedAt.Valid {
		t := timeFromUnix(startedAt.Float64)
		r.StartedAt = &t
	}
	if stoppedAt.Valid {
		t := timeFromUnix(stoppedAt.Float64)
		r.StoppedAt = &t
	}

	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullFloat64 {
	if t == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: unixFromTime(*t), Valid: true}
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
