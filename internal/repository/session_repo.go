package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/irc-web-terminal/backend/internal/model"
)

// SessionRepository records terminal process lifetimes.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Started inserts a record for a freshly spawned process.
func (r *SessionRepository) Started(ctx context.Context, rec *model.SessionRecord) error {
	query := `
		INSERT INTO terminal_sessions (id, identity, pid, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.Identity,
		rec.PID,
		rec.Status,
		rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}

	return nil
}

// Ended stores the final status and exit code of a session.
func (r *SessionRepository) Ended(ctx context.Context, id string, status model.SessionStatus, exitCode *int) error {
	query := `
		UPDATE terminal_sessions
		SET status = ?, exit_code = ?, ended_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, status, exitCode, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// GetByID retrieves a record by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.SessionRecord, error) {
	query := `
		SELECT id, identity, pid, status, exit_code, started_at, ended_at
		FROM terminal_sessions
		WHERE id = ?
	`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

// ListByIdentity returns the most recent records for an identity, newest first.
func (r *SessionRepository) ListByIdentity(ctx context.Context, identity string, limit int) ([]*model.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, identity, pid, status, exit_code, started_at, ended_at
		FROM terminal_sessions
		WHERE identity = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []*model.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return records, nil
}

// MarkOrphaned flags records left running by a previous server process as
// failed and returns how many were updated.
func (r *SessionRepository) MarkOrphaned(ctx context.Context) (int64, error) {
	query := `
		UPDATE terminal_sessions
		SET status = ?, ended_at = ?
		WHERE status = ?
	`

	result, err := r.db.ExecContext(ctx, query, model.SessionStatusFailed, time.Now(), model.SessionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark orphaned sessions: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.SessionRecord, error) {
	rec := &model.SessionRecord{}
	var pid sql.NullInt64
	var exitCode sql.NullInt64
	var endedAt sql.NullTime

	err := row.Scan(
		&rec.ID,
		&rec.Identity,
		&pid,
		&rec.Status,
		&exitCode,
		&rec.StartedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	if pid.Valid {
		rec.PID = int(pid.Int64)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}

	return rec, nil
}
