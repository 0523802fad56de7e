// Package postgres persists audit events in the append-only audit_events table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"gatekeeper/internal/audit/models"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts a signed event. Re-appending the same id is a no-op so
// flush retries cannot duplicate records.
func (s *Store) Append(ctx context.Context, e models.Event) error {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return fmt.Errorf("invalid audit event id %q: %w", e.ID, models.ErrRejected)
	}
	details, err := json.Marshal(detailsOrEmpty(e.Details))
	if err != nil {
		return fmt.Errorf("marshal audit details: %v: %w", err, models.ErrRejected)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, sequence, timestamp, actor_id, action, resource,
			severity, category, decision, request_id, details, key_id, signature
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`,
		id,
		int64(e.Sequence),
		e.Timestamp,
		e.ActorID,
		e.Action,
		e.Resource,
		string(e.Severity),
		e.Category,
		e.Decision,
		e.RequestID,
		details,
		e.KeyID,
		e.Signature,
	)
	if err != nil {
		if isDataException(err) {
			return fmt.Errorf("insert audit event: %v: %w", err, models.ErrRejected)
		}
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// isDataException reports SQLSTATE class 22, which the server raises for
// values it will never accept, such as NUL in text.
func isDataException(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "22")
}

// Query filters by actor, resource and [From, To), oldest first.
func (s *Store) Query(ctx context.Context, q models.Query) ([]models.Event, error) {
	q = q.Normalized()

	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.ActorID != "" {
		add("actor_id = $%d", q.ActorID)
	}
	if q.Resource != "" {
		add("resource = $%d", q.Resource)
	}
	if !q.From.IsZero() {
		add("timestamp >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("timestamp < $%d", q.To)
	}

	query := `
		SELECT id, sequence, timestamp, actor_id, action, resource,
			   severity, category, decision, request_id, details, key_id, signature
		FROM audit_events`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf("\n\t\tORDER BY timestamp ASC, sequence ASC\n\t\tLIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	var events []models.Event
	for rows.Next() {
		var (
			e        models.Event
			id       uuid.UUID
			seq      int64
			severity string
			details  []byte
		)
		err := rows.Scan(
			&id,
			&seq,
			&e.Timestamp,
			&e.ActorID,
			&e.Action,
			&e.Resource,
			&severity,
			&e.Category,
			&e.Decision,
			&e.RequestID,
			&details,
			&e.KeyID,
			&e.Signature,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.ID = id.String()
		e.Sequence = uint64(seq)
		e.Severity = models.Severity(severity)
		e.Timestamp = e.Timestamp.UTC()
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
			if len(e.Details) == 0 {
				e.Details = nil
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func detailsOrEmpty(d map[string]string) map[string]string {
	if d == nil {
		return map[string]string{}
	}
	return d
}
