// Package withdrawals runs creator payout requests from creation through admin review.
//
// Approval is split around the external payout call: the funds are debited and the request
// claimed in one transaction, the provider is called with no transaction open, and the
// outcome is recorded in a second transaction.
package withdrawals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/streamwallet/internal/access"
	"github.com/wizardbeardstudio/streamwallet/internal/coordinator"
	"github.com/wizardbeardstudio/streamwallet/internal/model"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/audit"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/auth"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/events"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/logging"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
)

// StatusCancelled is only ever published; cancelled requests are deleted.
const StatusCancelled = "CANCELLED"

type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

type Options struct {
	Payouts             PayoutClient
	Audit               audit.Store
	MinWithdrawal       decimal.Decimal
	RefundFailedPayouts bool
	PayoutTimeout       time.Duration
	Logger              *zap.Logger
}

type Service struct {
	coord   *coordinator.Coordinator
	payouts PayoutClient
	audit   audit.Store
	min     decimal.Decimal
	refund  bool
	timeout time.Duration
	log     *zap.Logger
}

func NewService(coord *coordinator.Coordinator, opts Options) *Service {
	s := &Service{
		coord:   coord,
		payouts: opts.Payouts,
		audit:   opts.Audit,
		min:     opts.MinWithdrawal,
		refund:  opts.RefundFailedPayouts,
		timeout: opts.PayoutTimeout,
		log:     logging.OrNop(opts.Logger),
	}
	if s.payouts == nil {
		s.payouts = ManualPayouts{}
	}
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	return s
}

// StatusEvent is published on every status change.
type StatusEvent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	PayoutRef string    `json:"payoutRef,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

func statusEvent(w model.WithdrawalRequest, status string, at time.Time) StatusEvent {
	return StatusEvent{
		ID:        w.ID,
		UserID:    w.UserID,
		Amount:    w.Amount.String(),
		Currency:  w.Currency,
		Status:    status,
		PayoutRef: w.PayoutRef,
		Reason:    w.FailureReason,
		At:        at,
	}
}

type snapshot struct {
	Status     string `json:"status"`
	Amount     string `json:"amount"`
	ReviewedBy string `json:"reviewedBy,omitempty"`
	PayoutRef  string `json:"payoutRef,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func stateOf(w *model.WithdrawalRequest) []byte {
	if w == nil {
		return nil
	}
	raw, _ := json.Marshal(snapshot{
		Status:     string(w.Status),
		Amount:     w.Amount.String(),
		ReviewedBy: w.ReviewedBy,
		PayoutRef:  w.PayoutRef,
		Reason:     w.FailureReason,
	})
	return raw
}

func (s *Service) record(ctx context.Context, actor auth.Actor, action, objectID string, before, after *model.WithdrawalRequest, result audit.Result, reason string) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Append(ctx, audit.Event{
		RecordedAt: s.coord.Now(),
		ActorID:    actor.ID,
		ActorRole:  string(actor.Role),
		ObjectType: "withdrawal",
		ObjectID:   objectID,
		Action:     action,
		Before:     stateOf(before),
		After:      stateOf(after),
		Result:     result,
		Reason:     reason,
	}); err != nil {
		s.log.Error("audit append failed", zap.String("action", action), zap.Error(err))
	}
}

// Create files a PENDING request. The balance check here is advisory; funds are only
// taken at approval.
func (s *Service) Create(ctx context.Context, actor auth.Actor, amount decimal.Decimal) (model.WithdrawalRequest, error) {
	if err := access.Require(actor, access.CapWithdrawCreate); err != nil {
		return model.WithdrawalRequest{}, err
	}
	if !amount.IsPositive() {
		return model.WithdrawalRequest{}, apperr.Validation("amount must be positive")
	}
	if amount.LessThan(s.min) {
		return model.WithdrawalRequest{}, apperr.Validation("minimum withdrawal is %s", s.min.String())
	}

	var out model.WithdrawalRequest
	err := s.coord.Do(ctx, func(ctx context.Context, u *coordinator.Unit) error {
		w, err := u.Tx().GetOrCreateWallet(ctx, actor.ID, s.coord.Currency())
		if err != nil {
			return err
		}
		if w.Balance.LessThan(amount) {
			return apperr.InsufficientFunds(amount, w.Balance)
		}
		now := u.Now()
		out = model.WithdrawalRequest{
			ID:        uuid.NewString(),
			UserID:    actor.ID,
			Amount:    amount,
			Currency:  s.coord.Currency(),
			Status:    model.WithdrawalPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := u.Tx().InsertWithdrawal(ctx, &out); err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}
		u.Emit(events.SubjectWithdrawalStatus, statusEvent(out, string(out.Status), now))
		return nil
	})
	if err != nil {
		return model.WithdrawalRequest{}, err
	}
	s.record(ctx, actor, audit.ActionWithdrawalCreate, out.ID, nil, &out, audit.ResultSuccess, "")
	s.log.Info("withdrawal requested", zap.String("user_id", actor.ID), zap.String("withdrawal_id", out.ID), zap.String("amount", amount.String()))
	return out, nil
}

func (s *Service) load(ctx context.Context, r store.Reader, id string) (model.WithdrawalRequest, error) {
	w, err := r.GetWithdrawal(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.WithdrawalRequest{}, apperr.NotFound("withdrawal %s not found", id)
	}
	return w, err
}

func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (model.WithdrawalRequest, error) {
	w, err := s.load(ctx, s.coord.Store(), id)
	if err != nil {
		return model.WithdrawalRequest{}, err
	}
	if err := access.RequireOwnerOr(actor, w.UserID, access.CapWithdrawReview); err != nil {
		// Hide other users' requests.
		if apperr.IsKind(err, apperr.KindPermission) {
			return model.WithdrawalRequest{}, apperr.NotFound("withdrawal %s not found", id)
		}
		return model.WithdrawalRequest{}, err
	}
	return w, nil
}

// List returns the actor's own requests, or every request for reviewers.
func (s *Service) List(ctx context.Context, actor auth.Actor, status model.WithdrawalStatus, limit int) ([]model.WithdrawalRequest, error) {
	if actor.ID == "" {
		return nil, apperr.Auth("missing identity")
	}
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	f := store.WithdrawalFilter{Status: status, Limit: limit}
	if !access.Allowed(actor.Role, access.CapWithdrawReview) {
		f.UserID = actor.ID
	}
	return s.coord.Store().ListWithdrawals(ctx, f)
}

// ReviewResult reports a review. NoOp is set when the request was already resolved or is
// being reviewed by someone else; nothing changed in that case.
type ReviewResult struct {
	Withdrawal model.WithdrawalRequest
	NoOp       bool
	Reason     string
}

func (s *Service) Review(ctx context.Context, actor auth.Actor, id string, decision Decision, note string) (ReviewResult, error) {
	if err := access.Require(actor, access.CapWithdrawReview); err != nil {
		return ReviewResult{}, err
	}
	switch decision {
	case DecisionApprove:
		return s.approve(ctx, actor, id, note)
	case DecisionReject:
		return s.reject(ctx, actor, id, note)
	}
	return ReviewResult{}, apperr.Validation("decision must be APPROVE or REJECT")
}

func (s *Service) noop(ctx context.Context, id string) (ReviewResult, error) {
	w, err := s.load(ctx, s.coord.Store(), id)
	if err != nil {
		return ReviewResult{}, err
	}
	reason := "already " + string(w.Status)
	if w.Claimed() {
		reason = "review in progress"
	}
	return ReviewResult{Withdrawal: w, NoOp: true, Reason: reason}, nil
}

func (s *Service) claim(ctx context.Context, tx store.Tx, id, reviewer string, at time.Time) (model.WithdrawalRequest, bool, error) {
	w, err := tx.ClaimWithdrawal(ctx, id, reviewer, at)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.WithdrawalRequest{}, false, apperr.NotFound("withdrawal %s not found", id)
	case errors.Is(err, store.ErrConflict):
		return model.WithdrawalRequest{}, false, nil
	case err != nil:
		return model.WithdrawalRequest{}, false, err
	}
	return w, true, nil
}

// reclaim takes over a claim old enough that no payout call from it can still be running.
func (s *Service) reclaim(ctx context.Context, tx store.Tx, id, reviewer string, at time.Time) (model.WithdrawalRequest, bool, error) {
	w, err := tx.ReclaimWithdrawal(ctx, id, reviewer, at.Add(-s.timeout), at)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.WithdrawalRequest{}, false, apperr.NotFound("withdrawal %s not found", id)
	case errors.Is(err, store.ErrConflict):
		return model.WithdrawalRequest{}, false, nil
	case err != nil:
		return model.WithdrawalRequest{}, false, err
	}
	return w, true, nil
}

func (s *Service) reject(ctx context.Context, actor auth.Actor, id, note string) (ReviewResult, error) {
	var (
		before, after model.WithdrawalRequest
		claimed       bool
	)
	err := s.coord.Do(ctx, func(ctx context.Context, u *coordinator.Unit) error {
		var err error
		before, claimed, err = s.claim(ctx, u.Tx(), id, actor.ID, u.Now())
		if err != nil || !claimed {
			return err
		}
		after, err = u.Tx().ResolveWithdrawal(ctx, id, store.WithdrawalResolution{
			Status:     model.WithdrawalRejected,
			ReviewedBy: actor.ID,
			ReviewNote: note,
			At:         u.Now(),
		})
		if err != nil {
			return err
		}
		u.Emit(events.SubjectWithdrawalStatus, statusEvent(after, string(after.Status), u.Now()))
		return nil
	})
	if err != nil {
		return ReviewResult{}, err
	}
	if !claimed {
		return s.noop(ctx, id)
	}
	s.record(ctx, actor, audit.ActionWithdrawalReject, id, &before, &after, audit.ResultSuccess, note)
	return ReviewResult{Withdrawal: after}, nil
}

// approve debits and claims the request, then calls the provider. A claim left behind by
// an unknown payout outcome or a lost second transaction is taken over once it is older
// than the payout timeout; the provider is called again with the same idempotency key and
// nothing is debited twice.
func (s *Service) approve(ctx context.Context, actor auth.Actor, id, note string) (ReviewResult, error) {
	var (
		claimed model.WithdrawalRequest
		ok      bool
		redrive bool
	)
	err := s.coord.Do(ctx, func(ctx context.Context, u *coordinator.Unit) error {
		var err error
		claimed, ok, err = s.claim(ctx, u.Tx(), id, actor.ID, u.Now())
		if err != nil {
			return err
		}
		if !ok {
			claimed, ok, err = s.reclaim(ctx, u.Tx(), id, actor.ID, u.Now())
			redrive = ok
			return err
		}
		_, err = u.WithdrawalSettle(ctx, claimed.UserID, claimed.Amount, claimed.ID)
		return err
	})
	if err != nil {
		if coordinator.IsInsufficientFunds(err) {
			s.record(ctx, actor, audit.ActionWithdrawalApprove, id, nil, nil, audit.ResultDenied, "insufficient funds")
		}
		return ReviewResult{}, err
	}
	if !ok {
		return s.noop(ctx, id)
	}
	if redrive {
		s.log.Warn("resuming stale withdrawal approval", zap.String("withdrawal_id", id), zap.String("reviewer", actor.ID))
	}

	// The debit is committed; the outcome must be recorded even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	payCtx, cancel := context.WithTimeout(ctx, s.timeout)
	receipt, payErr := s.payouts.Payout(payCtx, PayoutRequest{
		WithdrawalID: claimed.ID,
		UserID:       claimed.UserID,
		Amount:       claimed.Amount,
		Currency:     claimed.Currency,
	})
	cancel()

	switch {
	case errors.Is(payErr, ErrPayoutRejected):
		return s.fail(ctx, actor, claimed, note, payErr)
	case payErr != nil:
		return s.unresolved(ctx, actor, claimed, payErr)
	}

	var after model.WithdrawalRequest
	err = s.coord.Do(ctx, func(ctx context.Context, u *coordinator.Unit) error {
		var err error
		after, err = u.Tx().ResolveWithdrawal(ctx, id, store.WithdrawalResolution{
			Status:     model.WithdrawalApproved,
			ReviewedBy: actor.ID,
			ReviewNote: note,
			PayoutRef:  receipt.Reference,
			At:         u.Now(),
		})
		if err != nil {
			return err
		}
		u.Emit(events.SubjectWithdrawalStatus, statusEvent(after, string(after.Status), u.Now()))
		return nil
	})
	if err != nil {
		s.log.Error("payout sent but approval not recorded",
			zap.String("withdrawal_id", id),
			zap.String("payout_ref", receipt.Reference),
			zap.Error(err),
		)
		return ReviewResult{}, fmt.Errorf("record approval: %w", err)
	}
	s.record(ctx, actor, audit.ActionWithdrawalApprove, id, &claimed, &after, audit.ResultSuccess, note)
	s.log.Info("withdrawal approved",
		zap.String("withdrawal_id", id),
		zap.String("user_id", after.UserID),
		zap.String("amount", after.Amount.String()),
		zap.String("payout_ref", receipt.Reference),
	)
	return ReviewResult{Withdrawal: after}, nil
}

// unresolved leaves the request claimed and debited when the provider may or may not have
// executed the transfer. Approving again after the payout timeout repeats the call.
func (s *Service) unresolved(ctx context.Context, actor auth.Actor, claimed model.WithdrawalRequest, cause error) (ReviewResult, error) {
	s.log.Warn("payout outcome unknown", zap.String("withdrawal_id", claimed.ID), zap.Error(cause))
	s.record(ctx, actor, audit.ActionWithdrawalApprove, claimed.ID, &claimed, &claimed, audit.ResultError, "payout outcome unknown: "+cause.Error())
	return ReviewResult{}, apperr.Wrap(apperr.KindProvider,
		fmt.Sprintf("payout outcome unknown; approve again after %s to retry", s.timeout), cause)
}

// fail records a payout the provider refused. With refunds enabled the settled amount is returned to
// the creator as a compensating deposit in the same unit.
func (s *Service) fail(ctx context.Context, actor auth.Actor, claimed model.WithdrawalRequest, note string, cause error) (ReviewResult, error) {
	reason := cause.Error()
	s.log.Warn("payout failed", zap.String("withdrawal_id", claimed.ID), zap.Error(cause))

	var after model.WithdrawalRequest
	err := s.coord.Do(ctx, func(ctx context.Context, u *coordinator.Unit) error {
		var err error
		after, err = u.Tx().ResolveWithdrawal(ctx, claimed.ID, store.WithdrawalResolution{
			Status:        model.WithdrawalFailed,
			ReviewedBy:    actor.ID,
			ReviewNote:    note,
			FailureReason: reason,
			At:            u.Now(),
		})
		if err != nil {
			return err
		}
		if s.refund {
			if _, err := u.Deposit(ctx, claimed.UserID, claimed.Amount, model.RefWithdrawalReversal, claimed.ID,
				"withdrawal payout reversal", map[string]string{"reason": reason}); err != nil {
				return err
			}
		}
		u.Emit(events.SubjectWithdrawalStatus, statusEvent(after, string(after.Status), u.Now()))
		return nil
	})
	if err != nil {
		s.log.Error("payout failure not recorded", zap.String("withdrawal_id", claimed.ID), zap.Error(err))
		return ReviewResult{}, fmt.Errorf("record payout failure: %w", err)
	}
	s.record(ctx, actor, audit.ActionWithdrawalFail, claimed.ID, &claimed, &after, audit.ResultError, reason)
	return ReviewResult{Withdrawal: after}, nil
}

// Cancel deletes the actor's own unclaimed PENDING request.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id string) error {
	if actor.ID == "" {
		return apperr.Auth("missing identity")
	}
	var before model.WithdrawalRequest
	err := s.coord.Do(ctx, func(ctx context.Context, u *coordinator.Unit) error {
		var err error
		before, err = s.load(ctx, u.Tx(), id)
		if err != nil {
			return err
		}
		if before.UserID != actor.ID {
			return apperr.NotFound("withdrawal %s not found", id)
		}
		switch err := u.Tx().DeletePendingWithdrawal(ctx, id, actor.ID); {
		case errors.Is(err, store.ErrNotFound):
			return apperr.NotFound("withdrawal %s not found", id)
		case errors.Is(err, store.ErrConflict):
			return apperr.Conflict("withdrawal %s can no longer be cancelled", id)
		case err != nil:
			return err
		}
		u.Emit(events.SubjectWithdrawalStatus, statusEvent(before, StatusCancelled, u.Now()))
		return nil
	})
	if err != nil {
		return err
	}
	s.record(ctx, actor, audit.ActionWithdrawalCancel, id, &before, nil, audit.ResultSuccess, "")
	return nil
}
