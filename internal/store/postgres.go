package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the voxline tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS businesses (
    id            BIGSERIAL PRIMARY KEY,
    phone_number  TEXT NOT NULL UNIQUE,
    name          TEXT NOT NULL,
    owner_name    TEXT NOT NULL DEFAULT '',
    system_prompt TEXT NOT NULL DEFAULT '',
    greeting      TEXT NOT NULL DEFAULT '',
    voice         TEXT NOT NULL DEFAULT '',
    is_demo       BOOLEAN NOT NULL DEFAULT false,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS correction_rules (
    id          BIGSERIAL PRIMARY KEY,
    pattern     TEXT NOT NULL,
    replacement TEXT NOT NULL,
    position    INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_correction_rules_position ON correction_rules(position);

CREATE TABLE IF NOT EXISTS call_records (
    call_sid    TEXT PRIMARY KEY,
    business_id BIGINT NOT NULL DEFAULT 0,
    from_number TEXT NOT NULL DEFAULT '',
    to_number   TEXT NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ NOT NULL,
    ended_at    TIMESTAMPTZ NOT NULL,
    transcript  JSONB NOT NULL DEFAULT '[]',
    extraction  JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_call_records_business ON call_records(business_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. Transcript and
// extraction payloads are serialised as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] over the given connection or
// pool. The caller is responsible for calling [PostgresStore.Migrate] before
// issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the tables and indexes if they
// do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// BusinessByNumber implements [Store]. It returns (nil, nil) when no
// business is registered for the number.
func (s *PostgresStore) BusinessByNumber(ctx context.Context, phoneNumber string) (*Business, error) {
	const query = `
		SELECT id, phone_number, name, owner_name, system_prompt, greeting,
		       voice, is_demo, created_at, updated_at
		FROM businesses WHERE phone_number = $1`

	var b Business
	err := s.db.QueryRow(ctx, query, phoneNumber).Scan(
		&b.ID, &b.PhoneNumber, &b.Name, &b.OwnerName, &b.SystemPrompt,
		&b.Greeting, &b.Voice, &b.IsDemo, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: business by number %q: %w", phoneNumber, err)
	}
	return &b, nil
}

// ListCorrectionRules implements [Store]. Rules come back ordered by
// position, then id for a stable tiebreak.
func (s *PostgresStore) ListCorrectionRules(ctx context.Context) ([]CorrectionRule, error) {
	const query = `
		SELECT pattern, replacement, position
		FROM correction_rules ORDER BY position, id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list correction rules: %w", err)
	}
	defer rows.Close()

	var rules []CorrectionRule
	for rows.Next() {
		var r CorrectionRule
		if err := rows.Scan(&r.Pattern, &r.Replacement, &r.Position); err != nil {
			return nil, fmt.Errorf("store: scan correction rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate correction rules: %w", err)
	}
	return rules, nil
}

// SaveCallRecord implements [Store].
func (s *PostgresStore) SaveCallRecord(ctx context.Context, rec *CallRecord) error {
	if rec.CallSID == "" {
		return errors.New("store: call record requires a call SID")
	}

	transcriptJSON, err := json.Marshal(emptyTranscript(rec.Transcript))
	if err != nil {
		return fmt.Errorf("store: marshal transcript: %w", err)
	}
	extractionJSON, err := json.Marshal(emptyMap(rec.Extraction))
	if err != nil {
		return fmt.Errorf("store: marshal extraction: %w", err)
	}

	const query = `
		INSERT INTO call_records (
			call_sid, business_id, from_number, to_number,
			started_at, ended_at, transcript, extraction
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = s.db.Exec(ctx, query,
		rec.CallSID, rec.BusinessID, rec.From, rec.To,
		rec.StartedAt, rec.EndedAt, transcriptJSON, extractionJSON,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: call record %q already exists", rec.CallSID)
		}
		return fmt.Errorf("store: save call record: %w", err)
	}
	return nil
}

// emptyTranscript returns t if non-nil, otherwise an empty non-nil slice so
// JSON marshalling produces "[]" instead of "null".
func emptyTranscript(t []TranscriptLine) []TranscriptLine {
	if t == nil {
		return []TranscriptLine{}
	}
	return t
}

// emptyMap returns m if non-nil, otherwise an empty non-nil map so JSON
// marshalling produces "{}" instead of "null".
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// isDuplicateKeyError checks whether a PostgreSQL error is a
// unique-violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
