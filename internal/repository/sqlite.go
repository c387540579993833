package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/gogo/research/internal/domain"
)

// titleMaxRunes bounds the session title derived from the first user message.
const titleMaxRunes = 80

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			metadata TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			skill TEXT NOT NULL,
			path TEXT,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			error TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	var title, metadata sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, title, created_at, updated_at, metadata FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&session.SessionID, &session.UserID, &title, &session.CreatedAt, &session.UpdatedAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	session.Title = title.String
	if metadata.Valid && metadata.String != "" {
		session.Metadata = json.RawMessage(metadata.String)
	}
	return &session, nil
}

// GetOrCreateSession gets an existing session or creates a new one.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (session_id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		sessionID, userID, now, now); err != nil {
		return nil, err
	}
	return s.GetSession(ctx, sessionID)
}

// GetMessages retrieves messages for a session.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, limit int, before string) ([]domain.Message, error) {
	query := `SELECT message_id, session_id, run_id, role, content, created_at, metadata FROM messages WHERE session_id = ?`
	args := []interface{}{sessionID}

	if before != "" {
		query += ` AND created_at < (SELECT created_at FROM messages WHERE message_id = ?)`
		args = append(args, before)
	}

	query += ` ORDER BY created_at ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var runID, metadata sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.SessionID, &runID, &msg.Role, &msg.Content, &msg.CreatedAt, &metadata); err != nil {
			return nil, err
		}
		msg.RunID = runID.String
		if metadata.Valid && metadata.String != "" {
			msg.Metadata = json.RawMessage(metadata.String)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, session_id, skill, path, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SessionID, run.Skill, nullString(string(run.Path)), run.Status, run.StartedAt)
	return err
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	var path, errData sql.NullString
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, session_id, skill, path, status, started_at, ended_at, error FROM runs WHERE run_id = ?`,
		runID).Scan(&run.RunID, &run.SessionID, &run.Skill, &path, &run.Status, &run.StartedAt, &endedAt, &errData)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.Path = domain.RunPath(path.String)
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if errData.Valid {
		run.Error = json.RawMessage(errData.String)
	}
	return &run, nil
}

// UpdateRunPath records which path is serving a run.
func (s *SQLiteStore) UpdateRunPath(ctx context.Context, runID string, path domain.RunPath) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET path = ? WHERE run_id = ?`,
		path, runID)
	return err
}

// UpdateRunCompleted updates a run to completed state.
func (s *SQLiteStore) UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus, errData []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ?, error = ? WHERE run_id = ?`,
		status, time.Now(), nullStringBytes(errData), runID)
	return err
}

// CreateEvent creates a new event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		event.EventID, event.RunID, event.Ts, event.Type, nullStringBytes(event.Payload))
	return err
}

// GetEvents retrieves events for a run.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, run_id, ts, type, payload FROM events WHERE run_id = ?`
	args := []interface{}{runID}

	if afterTs > 0 {
		query += ` AND ts > ?`
		args = append(args, afterTs)
	}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	// rowid keeps insertion order for events recorded in the same millisecond.
	query += ` ORDER BY ts ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.RunID, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// AppendTranscript stores a finished exchange in one transaction and moves
// the run to its final status. A user message equal to the last stored user
// message of the session is not stored again, so a conversation resent on
// every turn keeps one row per input. Rows never sort before messages
// already in the session.
func (s *SQLiteStore) AppendTranscript(ctx context.Context, t domain.Transcript) (err error) {
	if t.SessionID == "" || t.RunID == "" {
		return fmt.Errorf("transcript requires session and run ids")
	}
	completedAt := t.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}
	// Message times are compared as stored text; keep one zone.
	completedAt = completedAt.UTC()
	status := t.Status
	if status == "" {
		status = domain.RunStatusDone
	}
	metadata, err := json.Marshal(domain.TranscriptMetadata{
		Path:        t.Path,
		FileIDs:     t.FileIDs,
		Usage:       t.Usage,
		Model:       t.Model,
		ContainerID: t.ContainerID,
		ToolCalls:   t.ToolCalls,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal transcript metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var title string
	if len(t.UserMessages) > 0 {
		title = sessionTitle(t.UserMessages[0].Content)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			title = COALESCE(sessions.title, excluded.title)`,
		t.SessionID, t.UserID, nullString(title), completedAt, completedAt); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	lastUser, lastAt, err := lastMessages(ctx, tx, t.SessionID)
	if err != nil {
		return err
	}
	cursor := lastAt.UTC()
	stamp := func(at time.Time) time.Time {
		if at.Before(cursor) {
			at = cursor
		}
		cursor = at
		return at
	}

	// User messages sort before the assistant reply.
	for i, um := range t.UserMessages {
		if um.Content == "" || um.Content == lastUser {
			continue
		}
		var userMeta sql.NullString
		if len(um.FieldValues) > 0 {
			b, merr := json.Marshal(domain.UserMessageMetadata{FieldValues: um.FieldValues})
			if merr != nil {
				err = fmt.Errorf("failed to marshal user message metadata: %w", merr)
				return err
			}
			userMeta = nullStringBytes(b)
		}
		at := stamp(completedAt.Add(-time.Duration(len(t.UserMessages)-i) * time.Millisecond))
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO messages (message_id, session_id, run_id, role, content, created_at, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			"msg_"+uuid.New().String(), t.SessionID, t.RunID, "user", um.Content, at, userMeta); err != nil {
			return fmt.Errorf("failed to insert user message: %w", err)
		}
		lastUser = um.Content
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, session_id, run_id, role, content, created_at, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"msg_"+uuid.New().String(), t.SessionID, t.RunID, "assistant", t.AssistantText, stamp(completedAt), string(metadata)); err != nil {
		return fmt.Errorf("failed to insert assistant message: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, path = ?, ended_at = ?, error = NULL WHERE run_id = ?`,
		status, nullString(string(t.Path)), completedAt, t.RunID); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transcript: %w", err)
	}
	return nil
}

// lastMessages returns the content of the session's last user message and
// the creation time of its last message of any role.
func lastMessages(ctx context.Context, tx *sql.Tx, sessionID string) (string, time.Time, error) {
	var content string
	err := tx.QueryRowContext(ctx,
		`SELECT content FROM messages WHERE session_id = ? AND role = 'user' ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		sessionID).Scan(&content)
	if err != nil && err != sql.ErrNoRows {
		return "", time.Time{}, fmt.Errorf("failed to load last user message: %w", err)
	}

	var at time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT created_at FROM messages WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		sessionID).Scan(&at)
	if err != nil && err != sql.ErrNoRows {
		return "", time.Time{}, fmt.Errorf("failed to load last message time: %w", err)
	}
	return content, at, nil
}

func sessionTitle(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes])
	}
	return content
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
