package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists the chain in audit_events. Appends serialize on an advisory lock.
// State columns are json rather than jsonb so the stored bytes still hash to HashCurr.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func normalizeJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	var tmp any
	if err := json.Unmarshal(raw, &tmp); err != nil {
		return []byte(`{}`)
	}
	return raw
}

func (s *PostgresStore) Append(ctx context.Context, e Event) (Event, error) {
	e = prepare(e)
	e.Before = normalizeJSON(e.Before)
	e.After = normalizeJSON(e.After)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Transaction-scoped lock so two appends never read the same head.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('audit_events'))`); err != nil {
		return Event{}, err
	}
	const headQ = `SELECT hash_curr FROM audit_events ORDER BY seq DESC LIMIT 1`
	prev := genesis
	if err := tx.QueryRowContext(ctx, headQ).Scan(&prev); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Event{}, err
	}
	e.HashPrev = prev
	e.HashCurr = ComputeHash(prev, e)

	const insQ = `
INSERT INTO audit_events (
  audit_id, recorded_at, actor_id, actor_role,
  object_type, object_id, action,
  before_state, after_state, result, reason,
  hash_prev, hash_curr
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::json,$9::json,$10,$11,$12,$13)
`
	_, err = tx.ExecContext(ctx, insQ,
		e.AuditID, e.RecordedAt.UTC(), e.ActorID, e.ActorRole,
		e.ObjectType, e.ObjectID, e.Action,
		string(e.Before), string(e.After), string(e.Result), e.Reason,
		e.HashPrev, e.HashCurr,
	)
	if err != nil {
		return Event{}, fmt.Errorf("insert audit event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Event, error) {
	q := `
SELECT audit_id, recorded_at, actor_id, actor_role, object_type, object_id, action,
       before_state, after_state, result, reason, hash_prev, hash_curr
FROM audit_events
WHERE ($1::text = '' OR object_type = $1::text) AND ($2::text = '' OR object_id = $2::text)
ORDER BY seq DESC`
	args := []any{f.ObjectType, f.ObjectID}
	if f.Limit > 0 {
		q += ` LIMIT $3`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var (
			e      Event
			result string
		)
		if err := rows.Scan(&e.AuditID, &e.RecordedAt, &e.ActorID, &e.ActorRole, &e.ObjectType, &e.ObjectID,
			&e.Action, &e.Before, &e.After, &result, &e.Reason, &e.HashPrev, &e.HashCurr); err != nil {
			return nil, err
		}
		e.Result = Result(result)
		out = append(out, e)
	}
	return out, rows.Err()
}
