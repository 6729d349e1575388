package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"callbridge/pkg/utils"
)

// PostgresStore persists sessions with one row per session. Participants,
// conference and payment are flattened to explicit columns so the conditional
// update and the secondary-index lookups stay plain SQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// Schema is applied at startup. Kept additive; existing rows are never
// migrated destructively.
const Schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
    id                    TEXT PRIMARY KEY,
    status                TEXT NOT NULL,

    provider_phone        TEXT NOT NULL,
    provider_status       TEXT NOT NULL,
    provider_call_ref     TEXT NOT NULL DEFAULT '',
    provider_connected_at TIMESTAMPTZ,
    provider_retry_count  INT NOT NULL DEFAULT 0,

    client_phone          TEXT NOT NULL,
    client_status         TEXT NOT NULL,
    client_call_ref       TEXT NOT NULL DEFAULT '',
    client_connected_at   TIMESTAMPTZ,
    client_retry_count    INT NOT NULL DEFAULT 0,

    conference_ref        TEXT NOT NULL DEFAULT '',
    conference_started_at TIMESTAMPTZ,
    conference_ended_at   TIMESTAMPTZ,
    conference_duration   INT NOT NULL DEFAULT 0,
    recording_url         TEXT NOT NULL DEFAULT '',

    payment_intent_ref    TEXT NOT NULL,
    payment_amount_minor  BIGINT NOT NULL,
    payment_currency      TEXT NOT NULL,
    payment_status        TEXT NOT NULL,
    payment_captured_at   TIMESTAMPTZ,

    service_type          TEXT NOT NULL DEFAULT '',
    provider_type         TEXT NOT NULL DEFAULT '',
    request_id            TEXT NOT NULL DEFAULT '',
    language              TEXT NOT NULL DEFAULT '',

    retry_count           INT NOT NULL DEFAULT 0,
    manual_review         BOOLEAN NOT NULL DEFAULT FALSE,
    fail_reason           TEXT NOT NULL DEFAULT '',

    version               BIGINT NOT NULL,
    created_at            TIMESTAMPTZ NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS call_sessions_conference_ref ON call_sessions (conference_ref) WHERE conference_ref <> '';
CREATE INDEX IF NOT EXISTS call_sessions_provider_call_ref ON call_sessions (provider_call_ref) WHERE provider_call_ref <> '';
CREATE INDEX IF NOT EXISTS call_sessions_client_call_ref ON call_sessions (client_call_ref) WHERE client_call_ref <> '';
CREATE INDEX IF NOT EXISTS call_sessions_status_created ON call_sessions (status, created_at);

CREATE TABLE IF NOT EXISTS audit_events (
    id             TEXT PRIMARY KEY,
    type           TEXT NOT NULL,
    session_id     TEXT NOT NULL DEFAULT '',
    call_ref       TEXT NOT NULL DEFAULT '',
    conference_ref TEXT NOT NULL DEFAULT '',
    decision       TEXT NOT NULL DEFAULT '',
    rationale      TEXT NOT NULL DEFAULT '',
    actor_user_id  TEXT NOT NULL DEFAULT '',
    message        TEXT NOT NULL DEFAULT '',
    metadata       TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates tables and indexes if missing. Runs in one transaction
// so a partially applied schema never survives a failed startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	return utils.WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, Schema)
		return err
	})
}

const sessionColumns = `
id, status,
provider_phone, provider_status, provider_call_ref, provider_connected_at, provider_retry_count,
client_phone, client_status, client_call_ref, client_connected_at, client_retry_count,
conference_ref, conference_started_at, conference_ended_at, conference_duration, recording_url,
payment_intent_ref, payment_amount_minor, payment_currency, payment_status, payment_captured_at,
service_type, provider_type, request_id, language,
retry_count, manual_review, fail_reason, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s Session) error {
	const q = `
INSERT INTO call_sessions (` + sessionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)`
	_, err := p.db.ExecContext(ctx, q, sessionArgs(s)...)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	return p.getOne(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1`, id)
}

func (p *PostgresStore) GetByConferenceRef(ctx context.Context, ref string) (Session, error) {
	if ref == "" {
		return Session{}, ErrSessionNotFound
	}
	return p.getOne(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE conference_ref = $1 ORDER BY created_at ASC LIMIT 1`, ref)
}

func (p *PostgresStore) GetByCallRef(ctx context.Context, ref string) (Session, error) {
	if ref == "" {
		return Session{}, ErrSessionNotFound
	}
	return p.getOne(ctx, `
SELECT `+sessionColumns+` FROM call_sessions
WHERE provider_call_ref = $1 OR client_call_ref = $1
ORDER BY created_at ASC LIMIT 1`, ref)
}

func (p *PostgresStore) FindAwaitingParticipant(ctx context.Context, phone string, statuses []Status) (Session, error) {
	if phone == "" || len(statuses) == 0 {
		return Session{}, ErrSessionNotFound
	}
	in, args := statusPlaceholders(statuses, 2)
	q := `
SELECT ` + sessionColumns + ` FROM call_sessions
WHERE (provider_phone = $1 OR client_phone = $1) AND status IN (` + in + `)
ORDER BY created_at ASC LIMIT 1`
	return p.getOne(ctx, q, append([]any{phone}, args...)...)
}

func (p *PostgresStore) QueryByStatusIn(ctx context.Context, statuses []Status, limit int) ([]Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	in, args := statusPlaceholders(statuses, 1)
	q := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE status IN (` + in + `) ORDER BY created_at ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ConditionalUpdate(ctx context.Context, id string, expectedStatus Status, expectedVersion int64, next Session) error {
	const q = `
UPDATE call_sessions SET
  status = $1,
  provider_status = $2, provider_call_ref = $3, provider_connected_at = $4, provider_retry_count = $5,
  client_status = $6, client_call_ref = $7, client_connected_at = $8, client_retry_count = $9,
  conference_ref = $10, conference_started_at = $11, conference_ended_at = $12, conference_duration = $13,
  retry_count = $14, fail_reason = $15,
  version = $16, updated_at = now()
WHERE id = $17 AND status = $18 AND version = $19`
	res, err := p.db.ExecContext(ctx, q,
		string(next.Status),
		string(next.Provider.Status), next.Provider.CallRef, next.Provider.ConnectedAt, next.Provider.RetryCount,
		string(next.Client.Status), next.Client.CallRef, next.Client.ConnectedAt, next.Client.RetryCount,
		next.Conference.Ref, next.Conference.StartedAt, next.Conference.EndedAt, next.Conference.DurationSeconds,
		next.RetryCount, next.FailReason,
		next.Version,
		id, string(expectedStatus), expectedVersion,
	)
	if err != nil {
		return err
	}
	return checkRowAffected(ctx, p.db, res, id, ErrVersionConflict)
}

func (p *PostgresStore) SettlePayment(ctx context.Context, id string, next PaymentStatus, capturedAt *time.Time, manualReview bool) error {
	const q = `
UPDATE call_sessions SET
  payment_status = $1, payment_captured_at = $2, manual_review = $3, updated_at = now()
WHERE id = $4 AND payment_status = $5`
	res, err := p.db.ExecContext(ctx, q, string(next), capturedAt, manualReview, id, string(PaymentAuthorized))
	if err != nil {
		return err
	}
	return checkRowAffected(ctx, p.db, res, id, ErrPaymentAlreadySettled)
}

func (p *PostgresStore) FlagManualReview(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE call_sessions SET manual_review = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return checkRowAffected(ctx, p.db, res, id, ErrSessionNotFound)
}

func (p *PostgresStore) SetRecordingURL(ctx context.Context, id, url string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE call_sessions SET recording_url = $1, updated_at = now() WHERE id = $2`, url, id)
	if err != nil {
		return err
	}
	return checkRowAffected(ctx, p.db, res, id, ErrSessionNotFound)
}

func (p *PostgresStore) getOne(ctx context.Context, q string, args ...any) (Session, error) {
	row := p.db.QueryRowContext(ctx, q, args...)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

// checkRowAffected distinguishes "row missing" from "predicate did not match"
// so conditional writes can return the right sentinel.
func checkRowAffected(ctx context.Context, db *sql.DB, res sql.Result, id string, mismatchErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM call_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrSessionNotFound
	}
	return mismatchErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var (
		s                      Session
		status                 string
		pStatus, cStatus       string
		payStatus              string
		pConnected, cConnected sql.NullTime
		confStarted, confEnded sql.NullTime
		capturedAt             sql.NullTime
	)
	err := r.Scan(
		&s.ID, &status,
		&s.Provider.Phone, &pStatus, &s.Provider.CallRef, &pConnected, &s.Provider.RetryCount,
		&s.Client.Phone, &cStatus, &s.Client.CallRef, &cConnected, &s.Client.RetryCount,
		&s.Conference.Ref, &confStarted, &confEnded, &s.Conference.DurationSeconds, &s.Conference.RecordingURL,
		&s.Payment.IntentRef, &s.Payment.AmountMinor, &s.Payment.Currency, &payStatus, &capturedAt,
		&s.Metadata.ServiceType, &s.Metadata.ProviderType, &s.Metadata.RequestID, &s.Metadata.Language,
		&s.RetryCount, &s.ManualReview, &s.FailReason, &s.Version, &s.Metadata.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return Session{}, err
	}

	s.Status = Status(status)
	s.Provider.Status = ParticipantStatus(pStatus)
	s.Client.Status = ParticipantStatus(cStatus)
	s.Payment.Status = PaymentStatus(payStatus)
	s.Provider.ConnectedAt = nullTimePtr(pConnected)
	s.Client.ConnectedAt = nullTimePtr(cConnected)
	s.Conference.StartedAt = nullTimePtr(confStarted)
	s.Conference.EndedAt = nullTimePtr(confEnded)
	s.Payment.CapturedAt = nullTimePtr(capturedAt)
	return s, nil
}

func sessionArgs(s Session) []any {
	return []any{
		s.ID, string(s.Status),
		s.Provider.Phone, string(s.Provider.Status), s.Provider.CallRef, s.Provider.ConnectedAt, s.Provider.RetryCount,
		s.Client.Phone, string(s.Client.Status), s.Client.CallRef, s.Client.ConnectedAt, s.Client.RetryCount,
		s.Conference.Ref, s.Conference.StartedAt, s.Conference.EndedAt, s.Conference.DurationSeconds, s.Conference.RecordingURL,
		s.Payment.IntentRef, s.Payment.AmountMinor, s.Payment.Currency, string(s.Payment.Status), s.Payment.CapturedAt,
		s.Metadata.ServiceType, s.Metadata.ProviderType, s.Metadata.RequestID, s.Metadata.Language,
		s.RetryCount, s.ManualReview, s.FailReason, s.Version, s.Metadata.CreatedAt, s.UpdatedAt,
	}
}

func statusPlaceholders(statuses []Status, start int) (string, []any) {
	parts := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		parts[i] = fmt.Sprintf("$%d", start+i)
		args[i] = string(st)
	}
	return strings.Join(parts, ", "), args
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
