package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"TrafficEye/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS transcripts (
	id TEXT PRIMARY KEY,
	conversation_id INTEGER,
	start_time DATETIME,
	updated_at DATETIME
);
CREATE TABLE IF NOT EXISTS transcript_messages (
	transcript_id TEXT,
	position INTEGER,
	message_id TEXT,
	role TEXT,
	content TEXT,
	timestamp DATETIME,
	PRIMARY KEY (transcript_id, position),
	FOREIGN KEY(transcript_id) REFERENCES transcripts(id)
);
CREATE TABLE IF NOT EXISTS reports (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	video TEXT,
	detection TEXT,
	plates TEXT,
	final TEXT,
	created_at DATETIME
);`

// Transcript is a locally saved chat history
type Transcript struct {
	ID             string
	ConversationID int64
	StartTime      time.Time
	Messages       []session.ChatMessage
}

// Report is a finished three-stage analysis
type Report struct {
	ID        int64
	Video     string
	Detection string
	Plates    string
	Final     string
	CreatedAt time.Time
}

// Store persists transcripts and reports in SQLite
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open initializes the SQLite database at path
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTranscript replaces the stored copy of transcript id
func (s *Store) SaveTranscript(ctx context.Context, id string, conversationID int64, messages []session.ChatMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	start := time.Now()
	if len(messages) > 0 {
		start = messages[0].Timestamp
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transcripts (id, conversation_id, start_time, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET conversation_id = excluded.conversation_id, updated_at = excluded.updated_at`,
		id, conversationID, start, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM transcript_messages WHERE transcript_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear transcript messages: %w", err)
	}

	for i, msg := range messages {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO transcript_messages (transcript_id, position, message_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
			id, i, msg.ID, msg.Role, msg.Content, msg.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("transcript saved", "transcript_id", id, "message_count", len(messages))
	return nil
}

// LoadTranscript loads transcript id
func (s *Store) LoadTranscript(ctx context.Context, id string) (*Transcript, error) {
	t := &Transcript{ID: id}

	err := s.db.QueryRowContext(ctx, "SELECT conversation_id, start_time FROM transcripts WHERE id = ?", id).
		Scan(&t.ConversationID, &t.StartTime)
	if err != nil {
		return nil, fmt.Errorf("transcript not found: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT message_id, role, content, timestamp FROM transcript_messages WHERE transcript_id = ? ORDER BY position",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg session.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		t.Messages = append(t.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	return t, nil
}

// SaveReport stores the stage results of a finished analysis
func (s *Store) SaveReport(ctx context.Context, video, detection, plates, final string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO reports (video, detection, plates, final, created_at) VALUES (?, ?, ?, ?, ?)",
		video, detection, plates, final, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	s.logger.Info("report saved", "video", video)
	return nil
}

// ListReports returns the most recent reports first
func (s *Store) ListReports(ctx context.Context, limit int) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, video, detection, plates, final, created_at FROM reports ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.ID, &r.Video, &r.Detection, &r.Plates, &r.Final, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}
