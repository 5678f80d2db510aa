package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codeedit/execsession/internal/model"
)

const sessionColumns = `id, remote_addr, status, close_code, created_at, updated_at`

// SessionRepository provides data access for the session ledger.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// MarkConnected records that a session has connected. A session id that
// reconnects keeps its creation time; its close code is cleared.
func (r *SessionRepository) MarkConnected(ctx context.Context, id, remoteAddr string) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO sessions (id, remote_addr, status, close_code, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote_addr = excluded.remote_addr,
			status = excluded.status,
			close_code = NULL,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, query, id, remoteAddr, model.SessionStatusConnected, now, now)
	if err != nil {
		return fmt.Errorf("failed to record session connect: %w", err)
	}

	return nil
}

// MarkDisconnected records that a session's connection ended with closeCode.
func (r *SessionRepository) MarkDisconnected(ctx context.Context, id string, closeCode int) error {
	query := `
		UPDATE sessions
		SET status = ?, close_code = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, model.SessionStatusDisconnected, closeCode, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record session disconnect: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// List retrieves sessions, most recently updated first. An empty status
// lists every session; a limit <= 0 means no limit.
func (r *SessionRepository) List(ctx context.Context, status model.SessionStatus, limit int) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// Delete removes a session from the database.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM sessions WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// PruneDisconnected deletes disconnected sessions last updated before cutoff
// and returns how many were removed.
func (r *SessionRepository) PruneDisconnected(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE status = ? AND updated_at < ?`

	result, err := r.db.ExecContext(ctx, query, model.SessionStatusDisconnected, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}

	return result.RowsAffected()
}

// CountByStatus returns the number of sessions with the given status.
func (r *SessionRepository) CountByStatus(ctx context.Context, status model.SessionStatus) (int, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE status = ?`

	var count int
	if err := r.db.QueryRowContext(ctx, query, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	return count, nil
}

// Exists checks if a session exists.
func (r *SessionRepository) Exists(ctx context.Context, id string) (bool, error) {
	query := `SELECT 1 FROM sessions WHERE id = ? LIMIT 1`

	var exists int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}

	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	session := &model.Session{}
	var closeCode sql.NullInt64

	err := row.Scan(
		&session.ID,
		&session.RemoteAddr,
		&session.Status,
		&closeCode,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if closeCode.Valid {
		code := int(closeCode.Int64)
		session.CloseCode = &code
	}

	return session, nil
}
