// Package coordinator executes named money movements as single commit-or-abort units.
//
// Every movement follows the same order inside one store transaction: conditional payer
// debit, payee credit, payer entry, payee entry, then any domain side effect. Nothing is
// published until the transaction commits.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/streamwallet/internal/ledger"
	"github.com/wizardbeardstudio/streamwallet/internal/model"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/clock"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/events"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/logging"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/money"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
)

type Coordinator struct {
	store     store.Store
	clock     clock.Clock
	currency  string
	publisher events.Publisher
	log       *zap.Logger
}

type Options struct {
	Clock     clock.Clock
	Currency  string
	Publisher events.Publisher
	Logger    *zap.Logger
}

func New(s store.Store, opts Options) *Coordinator {
	c := &Coordinator{
		store:     s,
		clock:     opts.Clock,
		currency:  opts.Currency,
		publisher: opts.Publisher,
		log:       logging.OrNop(opts.Logger),
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	if c.currency == "" {
		c.currency = "TKN"
	}
	if c.publisher == nil {
		c.publisher = events.Noop{}
	}
	return c
}

func (c *Coordinator) Store() store.Store { return c.store }

func (c *Coordinator) Currency() string { return c.currency }

func (c *Coordinator) Now() time.Time { return clock.NowOr(c.clock) }

// Unit is one open commit-or-abort scope. It is only valid inside the Do callback.
type Unit struct {
	c       *Coordinator
	tx      store.Tx
	now     time.Time
	pending []events.Message
}

// Tx exposes the underlying transaction for domain side effects.
func (u *Unit) Tx() store.Tx { return u.tx }

// Now is the timestamp shared by every row the unit writes.
func (u *Unit) Now() time.Time { return u.now }

// Emit queues an event for publication after commit.
func (u *Unit) Emit(subject string, payload any) {
	u.pending = append(u.pending, events.Message{Subject: subject, Payload: payload})
}

// Do runs fn inside one store transaction. Events queued on the unit are published only
// when the transaction commits.
func (c *Coordinator) Do(ctx context.Context, fn func(ctx context.Context, u *Unit) error) error {
	var committed []events.Message
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		u := &Unit{c: c, tx: tx, now: c.Now()}
		if err := fn(ctx, u); err != nil {
			return err
		}
		committed = u.pending
		return nil
	})
	if err != nil {
		return err
	}
	events.PublishAll(ctx, c.publisher, c.log, committed)
	return nil
}

// Transfer is a two-party movement request. Amount is the positive magnitude.
type Transfer struct {
	Payer         string
	Payee         string
	Amount        decimal.Decimal
	ReferenceType string
	ReferenceID   string
	Description   string
	Metadata      map[string]string
}

type TransferResult struct {
	Charged      bool
	Amount       decimal.Decimal
	PayerBalance decimal.Decimal
	PayeeBalance decimal.Decimal
	PayerEntry   model.LedgerEntry
	PayeeEntry   model.LedgerEntry
}

// ensureWallet returns the wallet, creating it lazily.
func (u *Unit) ensureWallet(ctx context.Context, userID string) (model.Wallet, error) {
	w, err := u.tx.GetOrCreateWallet(ctx, userID, u.c.currency)
	if err != nil {
		return model.Wallet{}, fmt.Errorf("get or create wallet %s: %w", userID, err)
	}
	return w, nil
}

// debit is step 1 of every movement. It fails with an insufficient funds error carrying
// the required and current amounts when the conditional update matches no row.
func (u *Unit) debit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if _, err := u.ensureWallet(ctx, userID); err != nil {
		return decimal.Zero, err
	}
	balance, ok, err := u.tx.DebitIfSufficient(ctx, userID, amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit %s: %w", userID, err)
	}
	if !ok {
		return decimal.Zero, apperr.InsufficientFunds(amount, balance)
	}
	return balance, nil
}

func (u *Unit) credit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if _, err := u.ensureWallet(ctx, userID); err != nil {
		return decimal.Zero, err
	}
	balance, err := u.tx.Credit(ctx, userID, amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit %s: %w", userID, err)
	}
	return balance, nil
}

func (u *Unit) appendEntry(ctx context.Context, e model.LedgerEntry) (model.LedgerEntry, error) {
	written, err := ledger.Append(ctx, u.tx, e)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	u.Emit(events.SubjectLedgerEntry, EntryEvent(written))
	return written, nil
}

func validAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	rounded := money.Round(amount)
	if !rounded.IsPositive() {
		return decimal.Zero, apperr.Validation("amount must be greater than zero")
	}
	return rounded, nil
}

// transfer runs the canonical two-party sequence. Payer and payee must differ.
func (u *Unit) transfer(ctx context.Context, t Transfer) (TransferResult, error) {
	amount, err := validAmount(t.Amount)
	if err != nil {
		return TransferResult{}, err
	}
	if t.Payer == "" || t.Payee == "" {
		return TransferResult{}, apperr.Validation("payer and payee are required")
	}
	if t.Payer == t.Payee {
		return TransferResult{}, apperr.Validation("payer and payee must differ")
	}

	payerBalance, err := u.debit(ctx, t.Payer, amount)
	if err != nil {
		return TransferResult{}, err
	}
	payeeBalance, err := u.credit(ctx, t.Payee, amount)
	if err != nil {
		return TransferResult{}, err
	}

	base := ledger.Movement{
		Amount:        amount,
		Currency:      u.c.currency,
		ReferenceType: t.ReferenceType,
		ReferenceID:   t.ReferenceID,
		Description:   t.Description,
		Metadata:      t.Metadata,
	}
	payerSide := base
	payerSide.UserID = t.Payer
	payerSide.BalanceAfter = payerBalance
	payerEntry, err := u.appendEntry(ctx, ledger.Debit(payerSide, u.now))
	if err != nil {
		return TransferResult{}, err
	}
	payeeSide := base
	payeeSide.UserID = t.Payee
	payeeSide.BalanceAfter = payeeBalance
	payeeEntry, err := u.appendEntry(ctx, ledger.Deposit(payeeSide, u.now))
	if err != nil {
		return TransferResult{}, err
	}

	u.c.log.Info("movement applied",
		zap.String("reference_type", t.ReferenceType),
		zap.String("reference_id", t.ReferenceID),
		zap.String("payer_id", t.Payer),
		zap.String("payee_id", t.Payee),
		zap.String("amount", amount.String()),
	)
	return TransferResult{
		Charged:      true,
		Amount:       amount,
		PayerBalance: payerBalance,
		PayeeBalance: payeeBalance,
		PayerEntry:   payerEntry,
		PayeeEntry:   payeeEntry,
	}, nil
}

// Bill charges a viewer for stream time. A creator billing their own stream succeeds
// without charge.
func (u *Unit) Bill(ctx context.Context, payer, payee string, amount decimal.Decimal, sessionID string) (TransferResult, error) {
	if payer == payee {
		w, err := u.ensureWallet(ctx, payer)
		if err != nil {
			return TransferResult{}, err
		}
		return TransferResult{Charged: false, Amount: decimal.Zero, PayerBalance: w.Balance, PayeeBalance: w.Balance}, nil
	}
	return u.transfer(ctx, Transfer{
		Payer:         payer,
		Payee:         payee,
		Amount:        amount,
		ReferenceType: model.RefBilling,
		ReferenceID:   sessionID,
		Description:   "stream viewing",
		Metadata:      map[string]string{"sessionId": sessionID},
	})
}

// Tip moves amount from payer to payee. Self-tips are rejected.
func (u *Unit) Tip(ctx context.Context, payer, payee string, amount decimal.Decimal, refID, description string) (TransferResult, error) {
	if payer == payee {
		return TransferResult{}, apperr.Validation("cannot tip yourself")
	}
	return u.transfer(ctx, Transfer{
		Payer:         payer,
		Payee:         payee,
		Amount:        amount,
		ReferenceType: model.RefTip,
		ReferenceID:   refID,
		Description:   description,
	})
}

// MessageDebit charges sender for a paid message and credits receiver.
func (u *Unit) MessageDebit(ctx context.Context, sender, receiver string, amount decimal.Decimal, messageID string) (TransferResult, error) {
	return u.transfer(ctx, Transfer{
		Payer:         sender,
		Payee:         receiver,
		Amount:        amount,
		ReferenceType: model.RefPrivateMessage,
		ReferenceID:   messageID,
		Description:   "private message",
	})
}

// WithdrawalSettle debits a creator for an approved payout. It is a one-party movement: the
// funds leave the platform through the payout provider.
func (u *Unit) WithdrawalSettle(ctx context.Context, userID string, amount decimal.Decimal, withdrawalID string) (model.LedgerEntry, error) {
	amt, err := validAmount(amount)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	balance, err := u.debit(ctx, userID, amt)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	entry, err := u.appendEntry(ctx, ledger.Debit(ledger.Movement{
		UserID:        userID,
		Amount:        amt,
		Currency:      u.c.currency,
		BalanceAfter:  balance,
		ReferenceType: model.RefWithdrawal,
		ReferenceID:   withdrawalID,
		Description:   "withdrawal payout",
	}, u.now))
	if err != nil {
		return model.LedgerEntry{}, err
	}
	u.c.log.Info("withdrawal settled",
		zap.String("user_id", userID),
		zap.String("amount", amt.String()),
		zap.String("reference_id", withdrawalID),
	)
	return entry, nil
}

// Deposit credits userID from an external or compensating source.
func (u *Unit) Deposit(ctx context.Context, userID string, amount decimal.Decimal, refType, refID, description string, meta map[string]string) (model.LedgerEntry, error) {
	amt, err := validAmount(amount)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	balance, err := u.credit(ctx, userID, amt)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	entry, err := u.appendEntry(ctx, ledger.Deposit(ledger.Movement{
		UserID:        userID,
		Amount:        amt,
		Currency:      u.c.currency,
		BalanceAfter:  balance,
		ReferenceType: refType,
		ReferenceID:   refID,
		Description:   description,
		Metadata:      meta,
	}, u.now))
	if err != nil {
		return model.LedgerEntry{}, err
	}
	u.c.log.Info("deposit applied",
		zap.String("user_id", userID),
		zap.String("amount", amt.String()),
		zap.String("reference_type", refType),
		zap.String("reference_id", refID),
	)
	return entry, nil
}

// PostMessage writes a chat message in the unit and queues its event.
func (u *Unit) PostMessage(ctx context.Context, m model.ChatMessage) (model.ChatMessage, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = u.now
	}
	if err := u.tx.InsertMessage(ctx, &m); err != nil {
		return model.ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}
	u.Emit(events.SubjectChatMessage, MessageEvent(m))
	return m, nil
}

// Bill runs Unit.Bill as its own unit.
func (c *Coordinator) Bill(ctx context.Context, payer, payee string, amount decimal.Decimal, sessionID string) (TransferResult, error) {
	var res TransferResult
	err := c.Do(ctx, func(ctx context.Context, u *Unit) error {
		var err error
		res, err = u.Bill(ctx, payer, payee, amount, sessionID)
		return err
	})
	return res, err
}

// MessageDebit runs Unit.MessageDebit as its own unit.
func (c *Coordinator) MessageDebit(ctx context.Context, sender, receiver string, amount decimal.Decimal, messageID string) (TransferResult, error) {
	var res TransferResult
	err := c.Do(ctx, func(ctx context.Context, u *Unit) error {
		var err error
		res, err = u.MessageDebit(ctx, sender, receiver, amount, messageID)
		return err
	})
	return res, err
}

// WithdrawalSettle runs Unit.WithdrawalSettle as its own unit.
func (c *Coordinator) WithdrawalSettle(ctx context.Context, userID string, amount decimal.Decimal, withdrawalID string) (model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := c.Do(ctx, func(ctx context.Context, u *Unit) error {
		var err error
		entry, err = u.WithdrawalSettle(ctx, userID, amount, withdrawalID)
		return err
	})
	return entry, err
}

// IsInsufficientFunds reports whether err is the insufficient funds outcome of a debit.
func IsInsufficientFunds(err error) bool {
	var e *apperr.Error
	return errors.As(err, &e) && e.Kind == apperr.KindInsufficientFunds
}
