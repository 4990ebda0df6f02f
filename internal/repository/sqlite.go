package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/xiaot623/gogo/turnrouter/internal/domain"
	"github.com/xiaot623/gogo/turnrouter/internal/keylock"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	locks *keylock.Map
}

var _ Store = (*SQLiteStore)(nil)

// FileDSN builds a DSN for an on-disk database with WAL and a busy timeout.
func FileDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
}

// NewSQLiteStore opens dsn and applies migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	// Every connection to an in-memory database is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite store: enable foreign keys")
	}

	s := &SQLiteStore{db: db, locks: keylock.New()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite store: migrate")
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner TEXT,
			created_at DATETIME NOT NULL,
			last_active_at DATETIME NOT NULL,
			turn_count INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner, last_active_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			evidence_json TEXT,
			metadata_json TEXT,
			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Databases created before capability routing lack the column.
	return s.ensureColumn("messages", "capability", "ALTER TABLE messages ADD COLUMN capability TEXT")
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "sqlite store: ping")
}

// CreateSession inserts a new session header.
func (s *SQLiteStore) CreateSession(ctx context.Context, record *domain.SessionRecord) error {
	if record.ID == "" {
		return errors.New("sqlite store: session id is required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.LastActiveAt.IsZero() {
		record.LastActiveAt = record.CreatedAt
	}
	metadata, err := marshalMap(record.Metadata)
	if err != nil {
		return errors.Wrap(err, "sqlite store: marshal metadata")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner, created_at, last_active_at, turn_count, metadata_json) VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID, nullString(record.Owner), record.CreatedAt.UTC(), record.LastActiveAt.UTC(), record.TurnCount, metadata)
	if isConstraint(err) {
		return errors.Wrapf(domain.ErrDuplicateSession, "session %s", record.ID)
	}
	return errors.Wrap(err, "sqlite store: create session")
}

// GetSession returns the session header or domain.ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, created_at, last_active_at, turn_count, metadata_json FROM sessions WHERE id = ?`, sessionID)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(domain.ErrNotFound, "session %s", sessionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: get session")
	}
	return rec, nil
}

// TouchSession refreshes last_active_at and derives turn_count from the
// number of assistant messages, so repeating it never double counts.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ?,
			turn_count = (SELECT COUNT(*) FROM messages WHERE session_id = ? AND role = ?)
		WHERE id = ?`,
		time.Now().UTC(), sessionID, string(domain.RoleAssistant), sessionID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: touch session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrNotFound, "session %s", sessionID)
	}
	return nil
}

// UpdateMetadata replaces the session metadata document.
func (s *SQLiteStore) UpdateMetadata(ctx context.Context, sessionID string, metadata map[string]any) error {
	raw, err := marshalMap(metadata)
	if err != nil {
		return errors.Wrap(err, "sqlite store: marshal metadata")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET metadata_json = ? WHERE id = ?`, raw, sessionID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: update metadata")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrNotFound, "session %s", sessionID)
	}
	return nil
}

// AppendMessage appends one message and assigns its seq.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg *domain.Message) error {
	return s.AppendMessages(ctx, sessionID, msg)
}

// AppendMessages appends msgs in one transaction. Seqs are assigned only
// once the transaction commits.
func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, msgs ...*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin append")
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return errors.Wrapf(domain.ErrUnknownSession, "session %s", sessionID)
	}
	if err != nil {
		return errors.Wrap(err, "sqlite store: check session")
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
		return errors.Wrap(err, "sqlite store: next seq")
	}

	seqs := make([]int64, len(msgs))
	for i, msg := range msgs {
		if !msg.Role.Valid() {
			return errors.Wrapf(domain.ErrInvalidRole, "%q", msg.Role)
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		evidence, err := marshalEvidence(msg.Evidence)
		if err != nil {
			return errors.Wrap(err, "sqlite store: marshal evidence")
		}
		attrs, err := marshalMap(msg.Attributes)
		if err != nil {
			return errors.Wrap(err, "sqlite store: marshal attributes")
		}
		seq++
		seqs[i] = seq
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, seq, role, content, timestamp, capability, evidence_json, metadata_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, seq, string(msg.Role), msg.Content, msg.Timestamp.UTC(), nullString(msg.Capability), evidence, attrs); err != nil {
			return errors.Wrap(err, "sqlite store: insert message")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite store: commit append")
	}
	for i, msg := range msgs {
		msg.Seq = seqs[i]
	}
	return nil
}

// GetHistory returns the newest limit messages in chronological order.
// A limit of zero or less returns the full history.
func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	query := `SELECT seq, role, content, timestamp, capability, evidence_json, metadata_json FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if limit > 0 {
		query += ` ORDER BY seq DESC LIMIT ?`
		args = append(args, limit)
	} else {
		query += ` ORDER BY seq ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: get history")
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var role string
		var capability, evidence, attrs sql.NullString
		if err := rows.Scan(&msg.Seq, &role, &msg.Content, &msg.Timestamp, &capability, &evidence, &attrs); err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan message")
		}
		msg.Role = domain.Role(role)
		msg.Capability = capability.String
		if evidence.Valid && evidence.String != "" {
			if err := json.Unmarshal([]byte(evidence.String), &msg.Evidence); err != nil {
				return nil, errors.Wrap(err, "sqlite store: decode evidence")
			}
		}
		if msg.Attributes, err = unmarshalMap(attrs); err != nil {
			return nil, errors.Wrap(err, "sqlite store: decode attributes")
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite store: iterate history")
	}
	if limit > 0 {
		slices.Reverse(messages)
	}
	return messages, nil
}

// ListSessions returns sessions of owner, most recently active first. An
// empty owner lists every session.
func (s *SQLiteStore) ListSessions(ctx context.Context, owner string, limit int) ([]domain.SessionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `SELECT id, owner, created_at, last_active_at, turn_count, metadata_json FROM sessions`
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY last_active_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list sessions")
	}
	defer rows.Close()

	records := []domain.SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan session")
		}
		records = append(records, *rec)
	}
	return records, errors.Wrap(rows.Err(), "sqlite store: iterate sessions")
}

// DeleteSession removes a session and its messages. Missing ids are not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin delete")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return errors.Wrap(err, "sqlite store: delete messages")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return errors.Wrap(err, "sqlite store: delete session")
	}
	return errors.Wrap(tx.Commit(), "sqlite store: commit delete")
}

// PurgeInactive deletes sessions idle since before olderThan.
func (s *SQLiteStore) PurgeInactive(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := olderThan.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite store: begin purge")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE last_active_at < ?)`, cutoff); err != nil {
		return 0, errors.Wrap(err, "sqlite store: purge messages")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_active_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite store: purge sessions")
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "sqlite store: commit purge")
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var owner, metadata sql.NullString
	if err := row.Scan(&rec.ID, &owner, &rec.CreatedAt, &rec.LastActiveAt, &rec.TurnCount, &metadata); err != nil {
		return nil, err
	}
	rec.Owner = owner.String
	var err error
	if rec.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, err
	}
	return &rec, nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMap(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalEvidence(ev []domain.Evidence) (sql.NullString, error) {
	if len(ev) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
