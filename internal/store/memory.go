package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/streamwallet/internal/model"
)

// MemoryStore keeps every table in process memory. Transactions run one at a time against
// a private copy of the state that replaces the committed state only when fn succeeds.
// It backs tests and single-process development; PostgresStore is the production store.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	wallets      map[string]model.Wallet
	entries      []model.LedgerEntry
	payments     map[string]model.Payment
	streams      map[string]model.Stream
	sessions     map[string]model.StreamSession
	meterEvents  []model.MeterEvent
	withdrawals  map[string]model.WithdrawalRequest
	chatRequests map[string]model.PrivateChatRequest
	messages     []model.ChatMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		wallets:      make(map[string]model.Wallet),
		payments:     make(map[string]model.Payment),
		streams:      make(map[string]model.Stream),
		sessions:     make(map[string]model.StreamSession),
		withdrawals:  make(map[string]model.WithdrawalRequest),
		chatRequests: make(map[string]model.PrivateChatRequest),
	}}
}

func (st *memState) clone() *memState {
	cp := &memState{
		wallets:      make(map[string]model.Wallet, len(st.wallets)),
		entries:      append([]model.LedgerEntry(nil), st.entries...),
		payments:     make(map[string]model.Payment, len(st.payments)),
		streams:      make(map[string]model.Stream, len(st.streams)),
		sessions:     make(map[string]model.StreamSession, len(st.sessions)),
		meterEvents:  append([]model.MeterEvent(nil), st.meterEvents...),
		withdrawals:  make(map[string]model.WithdrawalRequest, len(st.withdrawals)),
		chatRequests: make(map[string]model.PrivateChatRequest, len(st.chatRequests)),
		messages:     append([]model.ChatMessage(nil), st.messages...),
	}
	for k, v := range st.wallets {
		cp.wallets[k] = v
	}
	for k, v := range st.payments {
		cp.payments[k] = v
	}
	for k, v := range st.streams {
		cp.streams[k] = v
	}
	for k, v := range st.sessions {
		cp.sessions[k] = v
	}
	for k, v := range st.withdrawals {
		cp.withdrawals[k] = v
	}
	for k, v := range st.chatRequests {
		cp.chatRequests[k] = v
	}
	return cp
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{memReader{st: work}}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) snapshot() memReader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memReader{st: s.state}
}

// Committed states are never mutated, so a reader can use one without holding the lock.

func (s *MemoryStore) GetWallet(ctx context.Context, userID string) (model.Wallet, error) {
	return s.snapshot().GetWallet(ctx, userID)
}

func (s *MemoryStore) ListWallets(ctx context.Context) ([]model.Wallet, error) {
	return s.snapshot().ListWallets(ctx)
}

func (s *MemoryStore) ListEntries(ctx context.Context, f EntryFilter) ([]model.LedgerEntry, error) {
	return s.snapshot().ListEntries(ctx, f)
}

func (s *MemoryStore) SumEntries(ctx context.Context, f EntryFilter) (decimal.Decimal, error) {
	return s.snapshot().SumEntries(ctx, f)
}

func (s *MemoryStore) EntrySumsByUser(ctx context.Context) (map[string]decimal.Decimal, error) {
	return s.snapshot().EntrySumsByUser(ctx)
}

func (s *MemoryStore) GetPaymentByRef(ctx context.Context, providerRef string) (model.Payment, error) {
	return s.snapshot().GetPaymentByRef(ctx, providerRef)
}

func (s *MemoryStore) GetStream(ctx context.Context, streamID string) (model.Stream, error) {
	return s.snapshot().GetStream(ctx, streamID)
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (model.StreamSession, error) {
	return s.snapshot().GetSession(ctx, sessionID)
}

func (s *MemoryStore) GetActiveSession(ctx context.Context, streamID, userID string) (model.StreamSession, error) {
	return s.snapshot().GetActiveSession(ctx, streamID, userID)
}

func (s *MemoryStore) ListMeterEvents(ctx context.Context, sessionID string) ([]model.MeterEvent, error) {
	return s.snapshot().ListMeterEvents(ctx, sessionID)
}

func (s *MemoryStore) GetWithdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error) {
	return s.snapshot().GetWithdrawal(ctx, id)
}

func (s *MemoryStore) ListWithdrawals(ctx context.Context, f WithdrawalFilter) ([]model.WithdrawalRequest, error) {
	return s.snapshot().ListWithdrawals(ctx, f)
}

func (s *MemoryStore) GetChatRequest(ctx context.Context, id string) (model.PrivateChatRequest, error) {
	return s.snapshot().GetChatRequest(ctx, id)
}

func (s *MemoryStore) ListChatRequests(ctx context.Context, userID string) ([]model.PrivateChatRequest, error) {
	return s.snapshot().ListChatRequests(ctx, userID)
}

func (s *MemoryStore) ListMessages(ctx context.Context, f MessageFilter) ([]model.ChatMessage, error) {
	return s.snapshot().ListMessages(ctx, f)
}

type memReader struct {
	st *memState
}

func (r memReader) GetWallet(_ context.Context, userID string) (model.Wallet, error) {
	w, ok := r.st.wallets[userID]
	if !ok {
		return model.Wallet{}, ErrNotFound
	}
	return w, nil
}

func (r memReader) ListWallets(_ context.Context) ([]model.Wallet, error) {
	out := make([]model.Wallet, 0, len(r.st.wallets))
	for _, w := range r.st.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ListEntries returns matching entries newest first.
func (r memReader) ListEntries(_ context.Context, f EntryFilter) ([]model.LedgerEntry, error) {
	out := make([]model.LedgerEntry, 0)
	for i := len(r.st.entries) - 1; i >= 0; i-- {
		e := r.st.entries[i]
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (r memReader) SumEntries(_ context.Context, f EntryFilter) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range r.st.entries {
		if f.matches(e) {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func (r memReader) EntrySumsByUser(_ context.Context) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, e := range r.st.entries {
		out[e.UserID] = out[e.UserID].Add(e.Amount)
	}
	return out, nil
}

func (r memReader) GetPaymentByRef(_ context.Context, providerRef string) (model.Payment, error) {
	p, ok := r.st.payments[providerRef]
	if !ok {
		return model.Payment{}, ErrNotFound
	}
	return p, nil
}

func (r memReader) GetStream(_ context.Context, streamID string) (model.Stream, error) {
	s, ok := r.st.streams[streamID]
	if !ok {
		return model.Stream{}, ErrNotFound
	}
	return s, nil
}

func (r memReader) GetSession(_ context.Context, sessionID string) (model.StreamSession, error) {
	s, ok := r.st.sessions[sessionID]
	if !ok {
		return model.StreamSession{}, ErrNotFound
	}
	return s, nil
}

func (r memReader) GetActiveSession(_ context.Context, streamID, userID string) (model.StreamSession, error) {
	for _, s := range r.st.sessions {
		if s.StreamID == streamID && s.UserID == userID && s.Status == model.SessionActive {
			return s, nil
		}
	}
	return model.StreamSession{}, ErrNotFound
}

func (r memReader) ListMeterEvents(_ context.Context, sessionID string) ([]model.MeterEvent, error) {
	out := make([]model.MeterEvent, 0)
	for _, e := range r.st.meterEvents {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r memReader) GetWithdrawal(_ context.Context, id string) (model.WithdrawalRequest, error) {
	w, ok := r.st.withdrawals[id]
	if !ok {
		return model.WithdrawalRequest{}, ErrNotFound
	}
	return w, nil
}

func (r memReader) ListWithdrawals(_ context.Context, f WithdrawalFilter) ([]model.WithdrawalRequest, error) {
	out := make([]model.WithdrawalRequest, 0)
	for _, w := range r.st.withdrawals {
		if f.UserID != "" && w.UserID != f.UserID {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r memReader) GetChatRequest(_ context.Context, id string) (model.PrivateChatRequest, error) {
	c, ok := r.st.chatRequests[id]
	if !ok {
		return model.PrivateChatRequest{}, ErrNotFound
	}
	return c, nil
}

func (r memReader) ListChatRequests(_ context.Context, userID string) ([]model.PrivateChatRequest, error) {
	out := make([]model.PrivateChatRequest, 0)
	for _, c := range r.st.chatRequests {
		if c.SenderID == userID || c.ReceiverID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListMessages returns matching messages newest first.
func (r memReader) ListMessages(_ context.Context, f MessageFilter) ([]model.ChatMessage, error) {
	out := make([]model.ChatMessage, 0)
	for i := len(r.st.messages) - 1; i >= 0; i-- {
		m := r.st.messages[i]
		if f.StreamID != "" && m.StreamID != f.StreamID {
			continue
		}
		if m.Private && m.SenderID != f.Participant && m.ReceiverID != f.Participant {
			continue
		}
		out = append(out, m)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

type memTx struct {
	memReader
}

func (t *memTx) GetOrCreateWallet(_ context.Context, userID, currency string) (model.Wallet, error) {
	if w, ok := t.st.wallets[userID]; ok {
		return w, nil
	}
	now := time.Now().UTC()
	w := model.Wallet{UserID: userID, Balance: decimal.Zero, Currency: currency, CreatedAt: now, UpdatedAt: now}
	t.st.wallets[userID] = w
	return w, nil
}

func (t *memTx) Credit(_ context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	w, ok := t.st.wallets[userID]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	w.Balance = w.Balance.Add(amount)
	w.UpdatedAt = time.Now().UTC()
	t.st.wallets[userID] = w
	return w.Balance, nil
}

func (t *memTx) DebitIfSufficient(_ context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	w, ok := t.st.wallets[userID]
	if !ok {
		return decimal.Zero, false, nil
	}
	if w.Balance.LessThan(amount) {
		return w.Balance, false, nil
	}
	w.Balance = w.Balance.Sub(amount)
	w.UpdatedAt = time.Now().UTC()
	t.st.wallets[userID] = w
	return w.Balance, true, nil
}

func (t *memTx) AppendEntry(_ context.Context, e *model.LedgerEntry) error {
	if _, ok := t.st.wallets[e.UserID]; !ok {
		return ErrNotFound
	}
	t.st.entries = append(t.st.entries, *e)
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p *model.Payment) (bool, error) {
	if _, exists := t.st.payments[p.ProviderRef]; exists {
		return false, nil
	}
	t.st.payments[p.ProviderRef] = *p
	return true, nil
}

func (t *memTx) SettleFailedPayment(_ context.Context, p *model.Payment) (bool, error) {
	cur, ok := t.st.payments[p.ProviderRef]
	if !ok || cur.Status != model.PaymentFailed {
		return false, nil
	}
	settled := *p
	settled.ID = cur.ID
	settled.CreatedAt = cur.CreatedAt
	settled.FailureReason = ""
	t.st.payments[p.ProviderRef] = settled
	*p = settled
	return true, nil
}

func (t *memTx) UpsertStream(_ context.Context, s model.Stream) error {
	t.st.streams[s.ID] = s
	return nil
}

func (t *memTx) ActiveSessionForUpdate(ctx context.Context, fresh model.StreamSession) (model.StreamSession, bool, error) {
	if s, err := t.GetActiveSession(ctx, fresh.StreamID, fresh.UserID); err == nil {
		return s, false, nil
	}
	t.st.sessions[fresh.ID] = fresh
	return fresh, true, nil
}

func (t *memTx) AdvanceSession(_ context.Context, sessionID string, addMs int64, heartbeat time.Time) (model.StreamSession, error) {
	s, ok := t.st.sessions[sessionID]
	if !ok {
		return model.StreamSession{}, ErrNotFound
	}
	s.TotalWatchMs += addMs
	s.LastHeartbeat = heartbeat
	t.st.sessions[sessionID] = s
	return s, nil
}

func (t *memTx) EndSession(_ context.Context, sessionID string, at time.Time) error {
	s, ok := t.st.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != model.SessionActive {
		return ErrConflict
	}
	s.Status = model.SessionEnded
	s.LastHeartbeat = at
	t.st.sessions[sessionID] = s
	return nil
}

func (t *memTx) InsertMeterEvent(_ context.Context, e *model.MeterEvent) error {
	if e.RequestKey != "" {
		for _, existing := range t.st.meterEvents {
			if existing.SessionID == e.SessionID && existing.RequestKey == e.RequestKey {
				return ErrConflict
			}
		}
	}
	t.st.meterEvents = append(t.st.meterEvents, *e)
	return nil
}

func (t *memTx) GetMeterEventByKey(_ context.Context, sessionID, requestKey string) (model.MeterEvent, error) {
	for _, e := range t.st.meterEvents {
		if e.SessionID == sessionID && e.RequestKey == requestKey {
			return e, nil
		}
	}
	return model.MeterEvent{}, ErrNotFound
}

func (t *memTx) InsertWithdrawal(_ context.Context, w *model.WithdrawalRequest) error {
	if _, exists := t.st.withdrawals[w.ID]; exists {
		return ErrConflict
	}
	t.st.withdrawals[w.ID] = *w
	return nil
}

func (t *memTx) ClaimWithdrawal(_ context.Context, id, reviewer string, at time.Time) (model.WithdrawalRequest, error) {
	w, ok := t.st.withdrawals[id]
	if !ok {
		return model.WithdrawalRequest{}, ErrNotFound
	}
	if w.Status != model.WithdrawalPending || w.ReviewedAt != nil {
		return w, ErrConflict
	}
	reviewedAt := at
	w.ReviewedBy = reviewer
	w.ReviewedAt = &reviewedAt
	w.UpdatedAt = at
	t.st.withdrawals[id] = w
	return w, nil
}

func (t *memTx) ReclaimWithdrawal(_ context.Context, id, reviewer string, staleBefore, at time.Time) (model.WithdrawalRequest, error) {
	w, ok := t.st.withdrawals[id]
	if !ok {
		return model.WithdrawalRequest{}, ErrNotFound
	}
	if !w.Claimed() || w.ReviewedAt.After(staleBefore) {
		return w, ErrConflict
	}
	reviewedAt := at
	w.ReviewedBy = reviewer
	w.ReviewedAt = &reviewedAt
	w.UpdatedAt = at
	t.st.withdrawals[id] = w
	return w, nil
}

func (t *memTx) ResolveWithdrawal(_ context.Context, id string, r WithdrawalResolution) (model.WithdrawalRequest, error) {
	w, ok := t.st.withdrawals[id]
	if !ok {
		return model.WithdrawalRequest{}, ErrNotFound
	}
	if w.Status != model.WithdrawalPending {
		return w, ErrConflict
	}
	w.Status = r.Status
	if r.ReviewedBy != "" {
		w.ReviewedBy = r.ReviewedBy
	}
	if w.ReviewedAt == nil {
		at := r.At
		w.ReviewedAt = &at
	}
	if r.ReviewNote != "" {
		w.ReviewNote = r.ReviewNote
	}
	w.PayoutRef = r.PayoutRef
	w.FailureReason = r.FailureReason
	w.UpdatedAt = r.At
	t.st.withdrawals[id] = w
	return w, nil
}

func (t *memTx) DeletePendingWithdrawal(_ context.Context, id, userID string) error {
	w, ok := t.st.withdrawals[id]
	if !ok || w.UserID != userID {
		return ErrNotFound
	}
	if w.Status != model.WithdrawalPending || w.ReviewedAt != nil {
		return ErrConflict
	}
	delete(t.st.withdrawals, id)
	return nil
}

func (t *memTx) ExpireChatRequests(_ context.Context, senderID, receiverID, streamID string, now time.Time) error {
	for id, c := range t.st.chatRequests {
		if c.SenderID != senderID || c.ReceiverID != receiverID || c.StreamID != streamID {
			continue
		}
		if c.Status == model.ChatRequestPending && !now.Before(c.ExpiresAt) {
			c.Status = model.ChatRequestExpired
			c.UpdatedAt = now
			t.st.chatRequests[id] = c
		}
	}
	return nil
}

func (t *memTx) InsertChatRequest(_ context.Context, r *model.PrivateChatRequest) error {
	for _, c := range t.st.chatRequests {
		if c.SenderID == r.SenderID && c.ReceiverID == r.ReceiverID && c.StreamID == r.StreamID && c.Status == model.ChatRequestPending {
			return ErrConflict
		}
	}
	t.st.chatRequests[r.ID] = *r
	return nil
}

func (t *memTx) TransitionChatRequest(_ context.Context, id string, from, to model.ChatRequestStatus, at time.Time) (model.PrivateChatRequest, error) {
	c, ok := t.st.chatRequests[id]
	if !ok {
		return model.PrivateChatRequest{}, ErrNotFound
	}
	if c.Status != from {
		return c, ErrConflict
	}
	c.Status = to
	c.UpdatedAt = at
	t.st.chatRequests[id] = c
	return c, nil
}

func (t *memTx) InsertMessage(_ context.Context, m *model.ChatMessage) error {
	t.st.messages = append(t.st.messages, *m)
	return nil
}
