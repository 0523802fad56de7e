package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"gatekeeper/internal/breakglass/models"
	"gatekeeper/internal/sentinel"
)

const uniqueViolation = "23505"

// PostgresStore keeps sessions in break_glass_sessions. CompareAndSwap is a
// single conditional UPDATE, so the row lock decides the race.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectColumns = `id, token_hash, requester_id, approver_id, reason, state, created_at, expires_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil || session.TokenHash == "" {
		return fmt.Errorf("session with token hash is required: %w", sentinel.ErrInvalidInput)
	}
	id, err := uuid.Parse(session.ID)
	if err != nil {
		return fmt.Errorf("invalid session id: %w", sentinel.ErrInvalidInput)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO break_glass_sessions (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		id,
		session.TokenHash,
		session.RequesterID,
		session.ApproverID,
		session.Reason,
		string(session.State),
		session.CreatedAt,
		session.ExpiresAt,
		session.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("break-glass session exists: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("insert break-glass session: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*models.Session, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("break-glass session not found: %w", sentinel.ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM break_glass_sessions WHERE id = $1`, parsed)
	return scanSession(row)
}

func (s *PostgresStore) FindByTokenHash(ctx context.Context, hash string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM break_glass_sessions WHERE token_hash = $1`, hash)
	return scanSession(row)
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, id string, from, to models.State, at time.Time) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("break-glass session not found: %w", sentinel.ErrNotFound)
	}
	live := models.RequiresLive(from, to)
	res, err := s.db.ExecContext(ctx, `
		UPDATE break_glass_sessions
		SET state = $3, updated_at = $4
		WHERE id = $1 AND state = $2 AND (NOT $5 OR expires_at > $4)
	`, parsed, string(from), string(to), at, live)
	if err != nil {
		return fmt.Errorf("swap break-glass state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("swap break-glass state rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var (
		state     string
		expiresAt time.Time
	)
	err = s.db.QueryRowContext(ctx, `SELECT state, expires_at FROM break_glass_sessions WHERE id = $1`, parsed).Scan(&state, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("break-glass session not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check break-glass session: %w", err)
	}
	if models.State(state) == from && live && !at.Before(expiresAt) {
		return fmt.Errorf("session expired at %s: %w", expiresAt, sentinel.ErrExpired)
	}
	return fmt.Errorf("state is not %s: %w", from, sentinel.ErrConflict)
}

func (s *PostgresStore) ExpireOpen(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE break_glass_sessions
		SET state = 'expired', updated_at = $1
		WHERE state IN ('requested', 'approved') AND expires_at <= $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("expire break-glass sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id.String())
	}
	return ids, rows.Err()
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var (
		id    uuid.UUID
		state string
		out   models.Session
	)
	err := row.Scan(&id, &out.TokenHash, &out.RequesterID, &out.ApproverID, &out.Reason, &state,
		&out.CreatedAt, &out.ExpiresAt, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("break-glass session not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("scan break-glass session: %w", err)
	}
	out.ID = id.String()
	out.State = models.State(state)
	if !out.State.IsValid() {
		return nil, fmt.Errorf("break-glass session has invalid state %q", state)
	}
	out.CreatedAt = out.CreatedAt.UTC()
	out.ExpiresAt = out.ExpiresAt.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	return &out, nil
}
