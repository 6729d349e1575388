package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends audit events to the audit_events table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events
  (id, type, session_id, call_ref, conference_ref, decision, rationale, actor_user_id, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, string(e.Type), e.SessionID, e.CallRef, e.ConferenceRef,
		e.Decision, e.Rationale, e.ActorUserID, e.Message, e.Metadata, e.CreatedAt,
	)
	return err
}
