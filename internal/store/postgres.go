package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/streamwallet/internal/model"
)

// PostgresStore is the production Store. It takes no application locks: balance safety
// comes from the conditional UPDATE in DebitIfSufficient and the CHECK (balance >= 0)
// constraint, and concurrent movements serialize on the wallet rows they touch.
type PostgresStore struct {
	pgReader
	db *sql.DB
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: db}, db: db}
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()
	if err := fn(&pgTx{pgReader{q: dbtx}}); err != nil {
		return err
	}
	return dbtx.Commit()
}

func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

type pgReader struct {
	q querier
}

const walletCols = `user_id, balance, currency, created_at, updated_at`

func scanWallet(r rowScanner) (model.Wallet, error) {
	var w model.Wallet
	err := r.Scan(&w.UserID, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func (r pgReader) GetWallet(ctx context.Context, userID string) (model.Wallet, error) {
	w, err := scanWallet(r.q.QueryRowContext(ctx, `SELECT `+walletCols+` FROM wallets WHERE user_id = $1`, userID))
	return w, mapPgErr(err)
}

func (r pgReader) ListWallets(ctx context.Context) ([]model.Wallet, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+walletCols+` FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Wallet, 0)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const entryCols = `id, user_id, kind, amount, currency, balance_after, reference_type, reference_id, description, metadata, created_at`

func scanEntry(r rowScanner) (model.LedgerEntry, error) {
	var (
		e    model.LedgerEntry
		kind string
		meta []byte
	)
	if err := r.Scan(&e.ID, &e.UserID, &kind, &e.Amount, &e.Currency, &e.BalanceAfter,
		&e.ReferenceType, &e.ReferenceID, &e.Description, &meta, &e.CreatedAt); err != nil {
		return e, err
	}
	e.Kind = model.EntryKind(kind)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return e, fmt.Errorf("decode entry metadata: %w", err)
		}
	}
	return e, nil
}

func entryWhere(f EntryFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if len(f.ReferenceTypes) > 0 {
		add("reference_type = ANY($%d)", f.ReferenceTypes)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r pgReader) ListEntries(ctx context.Context, f EntryFilter) ([]model.LedgerEntry, error) {
	where, args := entryWhere(f)
	q := `SELECT ` + entryCols + ` FROM ledger_entries` + where + ` ORDER BY seq DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.LedgerEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r pgReader) SumEntries(ctx context.Context, f EntryFilter) (decimal.Decimal, error) {
	where, args := entryWhere(f)
	var total decimal.Decimal
	err := r.q.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries`+where, args...).Scan(&total)
	return total, err
}

func (r pgReader) EntrySumsByUser(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT user_id, SUM(amount) FROM ledger_entries GROUP BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			userID string
			sum    decimal.Decimal
		)
		if err := rows.Scan(&userID, &sum); err != nil {
			return nil, err
		}
		out[userID] = sum
	}
	return out, rows.Err()
}

const paymentCols = `id, user_id, provider, provider_ref, status, amount, currency, credits, plan_id, completed_at, failure_reason, created_at`

func (r pgReader) GetPaymentByRef(ctx context.Context, providerRef string) (model.Payment, error) {
	var (
		p         model.Payment
		status    string
		completed sql.NullTime
	)
	err := r.q.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE provider_ref = $1`, providerRef).Scan(
		&p.ID, &p.UserID, &p.Provider, &p.ProviderRef, &status, &p.Amount, &p.Currency, &p.Credits,
		&p.PlanID, &completed, &p.FailureReason, &p.CreatedAt)
	if err != nil {
		return model.Payment{}, mapPgErr(err)
	}
	p.Status = model.PaymentStatus(status)
	if completed.Valid {
		t := completed.Time
		p.CompletedAt = &t
	}
	return p, nil
}

func (r pgReader) GetStream(ctx context.Context, streamID string) (model.Stream, error) {
	var (
		s      model.Stream
		status string
	)
	err := r.q.QueryRowContext(ctx, `SELECT id, creator_id, status, updated_at FROM streams WHERE id = $1`, streamID).
		Scan(&s.ID, &s.CreatorID, &status, &s.UpdatedAt)
	s.Status = model.StreamStatus(status)
	return s, mapPgErr(err)
}

const sessionCols = `id, stream_id, user_id, status, total_watch_ms, session_token, last_heartbeat, created_at`

func scanSession(r rowScanner) (model.StreamSession, error) {
	var (
		s      model.StreamSession
		status string
	)
	err := r.Scan(&s.ID, &s.StreamID, &s.UserID, &status, &s.TotalWatchMs, &s.SessionToken, &s.LastHeartbeat, &s.CreatedAt)
	s.Status = model.SessionStatus(status)
	return s, err
}

func (r pgReader) GetSession(ctx context.Context, sessionID string) (model.StreamSession, error) {
	s, err := scanSession(r.q.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM stream_sessions WHERE id = $1`, sessionID))
	return s, mapPgErr(err)
}

func (r pgReader) GetActiveSession(ctx context.Context, streamID, userID string) (model.StreamSession, error) {
	const q = `SELECT ` + sessionCols + ` FROM stream_sessions WHERE stream_id = $1 AND user_id = $2 AND status = 'active'`
	s, err := scanSession(r.q.QueryRowContext(ctx, q, streamID, userID))
	return s, mapPgErr(err)
}

const meterCols = `id, session_id, user_id, interval_index, playback_ms, credits_debited, request_key, created_at`

func scanMeterEvent(r rowScanner) (model.MeterEvent, error) {
	var e model.MeterEvent
	err := r.Scan(&e.ID, &e.SessionID, &e.UserID, &e.IntervalIndex, &e.PlaybackMs, &e.CreditsDebited, &e.RequestKey, &e.CreatedAt)
	return e, err
}

func (r pgReader) ListMeterEvents(ctx context.Context, sessionID string) ([]model.MeterEvent, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+meterCols+` FROM meter_events WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.MeterEvent, 0)
	for rows.Next() {
		e, err := scanMeterEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const withdrawalCols = `id, user_id, amount, currency, status, reviewed_by, reviewed_at, review_note, payout_ref, failure_reason, created_at, updated_at`

func scanWithdrawal(r rowScanner) (model.WithdrawalRequest, error) {
	var (
		w        model.WithdrawalRequest
		status   string
		reviewed sql.NullTime
	)
	err := r.Scan(&w.ID, &w.UserID, &w.Amount, &w.Currency, &status, &w.ReviewedBy, &reviewed,
		&w.ReviewNote, &w.PayoutRef, &w.FailureReason, &w.CreatedAt, &w.UpdatedAt)
	w.Status = model.WithdrawalStatus(status)
	if reviewed.Valid {
		t := reviewed.Time
		w.ReviewedAt = &t
	}
	return w, err
}

func (r pgReader) GetWithdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	w, err := scanWithdrawal(r.q.QueryRowContext(ctx, `SELECT `+withdrawalCols+` FROM withdrawal_requests WHERE id = $1`, id))
	return w, mapPgErr(err)
}

func (r pgReader) ListWithdrawals(ctx context.Context, f WithdrawalFilter) ([]model.WithdrawalRequest, error) {
	q := `SELECT ` + withdrawalCols + ` FROM withdrawal_requests
WHERE ($1::text = '' OR user_id = $1::text) AND ($2::text = '' OR status = $2::text)
ORDER BY created_at DESC, id DESC`
	args := []any{f.UserID, string(f.Status)}
	if f.Limit > 0 {
		q += ` LIMIT $3`
		args = append(args, f.Limit)
	}
	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.WithdrawalRequest, 0)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const chatRequestCols = `id, sender_id, receiver_id, stream_id, status, expires_at, created_at, updated_at`

func scanChatRequest(r rowScanner) (model.PrivateChatRequest, error) {
	var (
		c      model.PrivateChatRequest
		status string
	)
	err := r.Scan(&c.ID, &c.SenderID, &c.ReceiverID, &c.StreamID, &status, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	c.Status = model.ChatRequestStatus(status)
	return c, err
}

func (r pgReader) GetChatRequest(ctx context.Context, id string) (model.PrivateChatRequest, error) {
	c, err := scanChatRequest(r.q.QueryRowContext(ctx, `SELECT `+chatRequestCols+` FROM private_chat_requests WHERE id = $1`, id))
	return c, mapPgErr(err)
}

func (r pgReader) ListChatRequests(ctx context.Context, userID string) ([]model.PrivateChatRequest, error) {
	const q = `SELECT ` + chatRequestCols + ` FROM private_chat_requests
WHERE sender_id = $1 OR receiver_id = $1 ORDER BY created_at DESC`
	rows, err := r.q.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.PrivateChatRequest, 0)
	for rows.Next() {
		c, err := scanChatRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r pgReader) ListMessages(ctx context.Context, f MessageFilter) ([]model.ChatMessage, error) {
	q := `SELECT id, stream_id, sender_id, receiver_id, body, private, cost, created_at FROM chat_messages
WHERE ($1::text = '' OR stream_id = $1::text) AND (NOT private OR sender_id = $2::text OR receiver_id = $2::text)
ORDER BY seq DESC`
	args := []any{f.StreamID, f.Participant}
	if f.Limit > 0 {
		q += ` LIMIT $3`
		args = append(args, f.Limit)
	}
	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.ChatMessage, 0)
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.StreamID, &m.SenderID, &m.ReceiverID, &m.Body, &m.Private, &m.Cost, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type pgTx struct {
	pgReader
}

func (t *pgTx) GetOrCreateWallet(ctx context.Context, userID, currency string) (model.Wallet, error) {
	const ins = `
INSERT INTO wallets (user_id, balance, currency, created_at, updated_at)
VALUES ($1, 0, $2, NOW(), NOW())
ON CONFLICT (user_id) DO NOTHING
`
	if _, err := t.q.ExecContext(ctx, ins, userID, currency); err != nil {
		return model.Wallet{}, err
	}
	return t.GetWallet(ctx, userID)
}

func (t *pgTx) Credit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	const q = `
UPDATE wallets SET balance = balance + $2, updated_at = NOW()
WHERE user_id = $1
RETURNING balance
`
	var balance decimal.Decimal
	err := t.q.QueryRowContext(ctx, q, userID, amount).Scan(&balance)
	return balance, mapPgErr(err)
}

func (t *pgTx) DebitIfSufficient(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	const q = `
UPDATE wallets SET balance = balance - $2, updated_at = NOW()
WHERE user_id = $1 AND balance >= $2
RETURNING balance
`
	var balance decimal.Decimal
	err := t.q.QueryRowContext(ctx, q, userID, amount).Scan(&balance)
	if err == nil {
		return balance, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, err
	}
	w, err := t.GetWallet(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return decimal.Zero, false, nil
	}
	return w.Balance, false, err
}

func (t *pgTx) AppendEntry(ctx context.Context, e *model.LedgerEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode entry metadata: %w", err)
	}
	const q = `
INSERT INTO ledger_entries (` + entryCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11)
`
	_, err = t.q.ExecContext(ctx, q, e.ID, e.UserID, string(e.Kind), e.Amount, e.Currency, e.BalanceAfter,
		e.ReferenceType, e.ReferenceID, e.Description, string(meta), e.CreatedAt)
	return mapPgErr(err)
}

func (t *pgTx) InsertPayment(ctx context.Context, p *model.Payment) (bool, error) {
	const q = `
INSERT INTO payments (` + paymentCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (provider_ref) DO NOTHING
`
	var completed sql.NullTime
	if p.CompletedAt != nil {
		completed = sql.NullTime{Time: *p.CompletedAt, Valid: true}
	}
	res, err := t.q.ExecContext(ctx, q, p.ID, p.UserID, p.Provider, p.ProviderRef, string(p.Status), p.Amount,
		p.Currency, p.Credits, p.PlanID, completed, p.FailureReason, p.CreatedAt)
	if err != nil {
		return false, mapPgErr(err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *pgTx) SettleFailedPayment(ctx context.Context, p *model.Payment) (bool, error) {
	const q = `
UPDATE payments SET
  status = $2, user_id = $3, amount = $4, currency = $5, credits = $6, plan_id = $7,
  completed_at = $8, failure_reason = ''
WHERE provider_ref = $1 AND status = 'FAILED'
RETURNING id, created_at
`
	var completed sql.NullTime
	if p.CompletedAt != nil {
		completed = sql.NullTime{Time: *p.CompletedAt, Valid: true}
	}
	err := t.q.QueryRowContext(ctx, q, p.ProviderRef, string(p.Status), p.UserID, p.Amount, p.Currency,
		p.Credits, p.PlanID, completed).Scan(&p.ID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapPgErr(err)
	}
	p.FailureReason = ""
	return true, nil
}

func (t *pgTx) UpsertStream(ctx context.Context, s model.Stream) error {
	const q = `
INSERT INTO streams (id, creator_id, status, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET creator_id = EXCLUDED.creator_id, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
`
	_, err := t.q.ExecContext(ctx, q, s.ID, s.CreatorID, string(s.Status), s.UpdatedAt)
	return err
}

func (t *pgTx) ActiveSessionForUpdate(ctx context.Context, fresh model.StreamSession) (model.StreamSession, bool, error) {
	const ins = `
INSERT INTO stream_sessions (` + sessionCols + `)
VALUES ($1,$2,$3,'active',$4,$5,$6,$7)
ON CONFLICT (stream_id, user_id) WHERE status = 'active' DO NOTHING
`
	res, err := t.q.ExecContext(ctx, ins, fresh.ID, fresh.StreamID, fresh.UserID, fresh.TotalWatchMs,
		fresh.SessionToken, fresh.LastHeartbeat, fresh.CreatedAt)
	if err != nil {
		return model.StreamSession{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.StreamSession{}, false, err
	}
	const sel = `SELECT ` + sessionCols + ` FROM stream_sessions
WHERE stream_id = $1 AND user_id = $2 AND status = 'active'
FOR UPDATE`
	s, err := scanSession(t.q.QueryRowContext(ctx, sel, fresh.StreamID, fresh.UserID))
	if err != nil {
		return model.StreamSession{}, false, mapPgErr(err)
	}
	return s, n == 1, nil
}

func (t *pgTx) AdvanceSession(ctx context.Context, sessionID string, addMs int64, heartbeat time.Time) (model.StreamSession, error) {
	const q = `
UPDATE stream_sessions SET total_watch_ms = total_watch_ms + $2, last_heartbeat = $3
WHERE id = $1
RETURNING ` + sessionCols
	s, err := scanSession(t.q.QueryRowContext(ctx, q, sessionID, addMs, heartbeat))
	return s, mapPgErr(err)
}

func (t *pgTx) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	const q = `UPDATE stream_sessions SET status = 'ended', last_heartbeat = $2 WHERE id = $1 AND status = 'active'`
	res, err := t.q.ExecContext(ctx, q, sessionID, at)
	if err != nil {
		return err
	}
	return t.affectedOrMissing(ctx, res, `SELECT 1 FROM stream_sessions WHERE id = $1`, sessionID)
}

// affectedOrMissing turns a conditional write that matched no row into ErrNotFound or ErrConflict.
func (t *pgTx) affectedOrMissing(ctx context.Context, res sql.Result, existsQuery string, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	if err := t.q.QueryRowContext(ctx, existsQuery, id).Scan(&one); err != nil {
		return mapPgErr(err)
	}
	return ErrConflict
}

func (t *pgTx) InsertMeterEvent(ctx context.Context, e *model.MeterEvent) error {
	const q = `
INSERT INTO meter_events (` + meterCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (session_id, request_key) WHERE request_key <> '' DO NOTHING
`
	res, err := t.q.ExecContext(ctx, q, e.ID, e.SessionID, e.UserID, e.IntervalIndex, e.PlaybackMs,
		e.CreditsDebited, e.RequestKey, e.CreatedAt)
	if err != nil {
		return mapPgErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) GetMeterEventByKey(ctx context.Context, sessionID, requestKey string) (model.MeterEvent, error) {
	const q = `SELECT ` + meterCols + ` FROM meter_events WHERE session_id = $1 AND request_key = $2`
	e, err := scanMeterEvent(t.q.QueryRowContext(ctx, q, sessionID, requestKey))
	return e, mapPgErr(err)
}

func (t *pgTx) InsertWithdrawal(ctx context.Context, w *model.WithdrawalRequest) error {
	const q = `
INSERT INTO withdrawal_requests (id, user_id, amount, currency, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	_, err := t.q.ExecContext(ctx, q, w.ID, w.UserID, w.Amount, w.Currency, string(w.Status), w.CreatedAt, w.UpdatedAt)
	return mapPgErr(err)
}

func (t *pgTx) ClaimWithdrawal(ctx context.Context, id, reviewer string, at time.Time) (model.WithdrawalRequest, error) {
	const q = `
UPDATE withdrawal_requests SET reviewed_by = $2, reviewed_at = $3, updated_at = $3
WHERE id = $1 AND status = 'PENDING' AND reviewed_at IS NULL
RETURNING ` + withdrawalCols
	w, err := scanWithdrawal(t.q.QueryRowContext(ctx, q, id, reviewer, at))
	if errors.Is(err, sql.ErrNoRows) {
		return t.conflictOrMissing(ctx, id)
	}
	return w, err
}

func (t *pgTx) ReclaimWithdrawal(ctx context.Context, id, reviewer string, staleBefore, at time.Time) (model.WithdrawalRequest, error) {
	const q = `
UPDATE withdrawal_requests SET reviewed_by = $2, reviewed_at = $4, updated_at = $4
WHERE id = $1 AND status = 'PENDING' AND reviewed_at IS NOT NULL AND reviewed_at <= $3
RETURNING ` + withdrawalCols
	w, err := scanWithdrawal(t.q.QueryRowContext(ctx, q, id, reviewer, staleBefore, at))
	if errors.Is(err, sql.ErrNoRows) {
		return t.conflictOrMissing(ctx, id)
	}
	return w, err
}

func (t *pgTx) ResolveWithdrawal(ctx context.Context, id string, r WithdrawalResolution) (model.WithdrawalRequest, error) {
	const q = `
UPDATE withdrawal_requests SET
  status = $2,
  reviewed_by = COALESCE(NULLIF($3, ''), reviewed_by),
  reviewed_at = COALESCE(reviewed_at, $7),
  review_note = COALESCE(NULLIF($4, ''), review_note),
  payout_ref = $5,
  failure_reason = $6,
  updated_at = $7
WHERE id = $1 AND status = 'PENDING'
RETURNING ` + withdrawalCols
	w, err := scanWithdrawal(t.q.QueryRowContext(ctx, q, id, string(r.Status), r.ReviewedBy, r.ReviewNote,
		r.PayoutRef, r.FailureReason, r.At))
	if errors.Is(err, sql.ErrNoRows) {
		return t.conflictOrMissing(ctx, id)
	}
	return w, err
}

func (t *pgTx) conflictOrMissing(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	cur, err := t.GetWithdrawal(ctx, id)
	if err != nil {
		return model.WithdrawalRequest{}, err
	}
	return cur, ErrConflict
}

func (t *pgTx) DeletePendingWithdrawal(ctx context.Context, id, userID string) error {
	const q = `DELETE FROM withdrawal_requests WHERE id = $1 AND user_id = $2 AND status = 'PENDING' AND reviewed_at IS NULL`
	res, err := t.q.ExecContext(ctx, q, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	cur, err := t.GetWithdrawal(ctx, id)
	if err != nil {
		return err
	}
	if cur.UserID != userID {
		return ErrNotFound
	}
	return ErrConflict
}

func (t *pgTx) ExpireChatRequests(ctx context.Context, senderID, receiverID, streamID string, now time.Time) error {
	const q = `
UPDATE private_chat_requests SET status = 'EXPIRED', updated_at = $4
WHERE sender_id = $1 AND receiver_id = $2 AND stream_id = $3 AND status = 'PENDING' AND expires_at <= $4
`
	_, err := t.q.ExecContext(ctx, q, senderID, receiverID, streamID, now)
	return err
}

func (t *pgTx) InsertChatRequest(ctx context.Context, r *model.PrivateChatRequest) error {
	const q = `
INSERT INTO private_chat_requests (` + chatRequestCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (sender_id, receiver_id, stream_id) WHERE status = 'PENDING' DO NOTHING
`
	res, err := t.q.ExecContext(ctx, q, r.ID, r.SenderID, r.ReceiverID, r.StreamID, string(r.Status),
		r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return mapPgErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) TransitionChatRequest(ctx context.Context, id string, from, to model.ChatRequestStatus, at time.Time) (model.PrivateChatRequest, error) {
	const q = `
UPDATE private_chat_requests SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2
RETURNING ` + chatRequestCols
	c, err := scanChatRequest(t.q.QueryRowContext(ctx, q, id, string(from), string(to), at))
	if errors.Is(err, sql.ErrNoRows) {
		cur, getErr := t.GetChatRequest(ctx, id)
		if getErr != nil {
			return model.PrivateChatRequest{}, getErr
		}
		return cur, ErrConflict
	}
	return c, err
}

func (t *pgTx) InsertMessage(ctx context.Context, m *model.ChatMessage) error {
	const q = `
INSERT INTO chat_messages (id, stream_id, sender_id, receiver_id, body, private, cost, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
	_, err := t.q.ExecContext(ctx, q, m.ID, m.StreamID, m.SenderID, m.ReceiverID, m.Body, m.Private, m.Cost, m.CreatedAt)
	return mapPgErr(err)
}
