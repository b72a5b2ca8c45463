package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MingMingbee/chatbot-experiment/internal/domain"
	"github.com/MingMingbee/chatbot-experiment/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writes to avoid SQLITE_BUSY
	retry   shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS intakes (
		instance_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		condition_code TEXT NOT NULL,
		name TEXT NOT NULL,
		gender_code INTEGER NOT NULL,
		work_code INTEGER NOT NULL,
		tone_code INTEGER NOT NULL,
		persona_name TEXT NOT NULL,
		humanity TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (instance_id, epoch)
	);
	CREATE INDEX IF NOT EXISTS idx_intakes_session ON intakes(session_key);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		stage TEXT NOT NULL,
		condition_code TEXT NOT NULL,
		user_content TEXT NOT NULL,
		assistant_content TEXT NOT NULL,
		fragments INTEGER NOT NULL,
		model TEXT NOT NULL,
		temperature REAL NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (instance_id, epoch, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_key, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// exec runs a write, retrying on lock contention.
func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	attempt := 0
	err := shared.RetryOnConflict(ctx, s.retry, func() error {
		attempt++
		_, err := s.db.ExecContext(ctx, query, args...)
		if err != nil && shared.IsSQLiteConflictError(err) {
			slog.Debug("SQLite write conflict, retrying", "op", op, "attempt", attempt)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RecordIntake stores the accepted intake form for an instance epoch. An
// epoch accepts exactly one intake; a second one is an error.
func (s *SQLiteStore) RecordIntake(ctx context.Context, rec domain.IntakeArchive) error {
	query := `
	INSERT INTO intakes (
		instance_id, session_key, epoch, condition_code, name, gender_code,
		work_code, tone_code, persona_name, humanity, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.exec(ctx, "record intake", query,
		rec.InstanceID, rec.SessionKey, rec.Epoch, rec.ConditionCode, rec.Record.Name,
		rec.Record.GenderCode, rec.Record.WorkCode, rec.Record.ToneCode,
		rec.PersonaName, rec.Humanity, rec.CreatedAt.UnixMilli(),
	)
}

// RecordTurn appends a completed turn.
func (s *SQLiteStore) RecordTurn(ctx context.Context, rec domain.TurnRecord) error {
	query := `
	INSERT INTO turns (
		instance_id, session_key, epoch, seq, stage, condition_code,
		user_content, assistant_content, fragments, model, temperature,
		created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.exec(ctx, "record turn", query,
		rec.InstanceID, rec.SessionKey, rec.Epoch, rec.Seq, string(rec.Stage), rec.ConditionCode,
		rec.UserContent, rec.AssistantContent, rec.Fragments, rec.Model,
		rec.Temperature, rec.CreatedAt.UnixMilli(),
	)
}

// GetIntake returns the intake recorded for an instance epoch, or nil.
func (s *SQLiteStore) GetIntake(ctx context.Context, instanceID string, epoch int) (*domain.IntakeArchive, error) {
	query := `
		SELECT instance_id, session_key, epoch, condition_code, name, gender_code, work_code,
		       tone_code, persona_name, humanity, created_at
		FROM intakes WHERE instance_id = ? AND epoch = ?`

	var rec domain.IntakeArchive
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, instanceID, epoch).Scan(
		&rec.InstanceID, &rec.SessionKey, &rec.Epoch, &rec.ConditionCode, &rec.Record.Name,
		&rec.Record.GenderCode, &rec.Record.WorkCode, &rec.Record.ToneCode,
		&rec.PersonaName, &rec.Humanity, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan intake: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &rec, nil
}

// ListTurns returns every turn recorded under a session key, across all
// instances that used it, ordered by time, then epoch and sequence.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionKey string) ([]domain.TurnRecord, error) {
	query := `
		SELECT instance_id, session_key, epoch, seq, stage, condition_code,
		       user_content, assistant_content, fragments, model, temperature,
		       created_at
		FROM turns WHERE session_key = ? ORDER BY created_at, epoch, seq, id`

	rows, err := s.db.QueryContext(ctx, query, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	var turns []domain.TurnRecord
	for rows.Next() {
		var rec domain.TurnRecord
		var stage string
		var createdAt int64
		if err := rows.Scan(
			&rec.InstanceID, &rec.SessionKey, &rec.Epoch, &rec.Seq, &stage, &rec.ConditionCode,
			&rec.UserContent, &rec.AssistantContent, &rec.Fragments, &rec.Model,
			&rec.Temperature, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		rec.Stage = domain.Stage(stage)
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		turns = append(turns, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

var _ Repository = (*SQLiteStore)(nil)
