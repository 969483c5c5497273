// Package deposits turns signed payment provider webhooks into exactly-once wallet credits.
package deposits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/streamwallet/internal/coordinator"
	"github.com/wizardbeardstudio/streamwallet/internal/model"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/audit"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/logging"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
)

type Outcome string

const (
	OutcomeDeposited    Outcome = "deposited"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeFailed       Outcome = "failed_recorded"
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeIgnored      Outcome = "ignored"
)

// ErrInFlight means another delivery of the same charge is being applied right now.
var ErrInFlight = errors.New("webhook delivery already in flight")

type Result struct {
	Outcome Outcome
	Code    string
	UserID  string
	Credits decimal.Decimal
	Balance decimal.Decimal
}

type Guard struct {
	coord    *coordinator.Coordinator
	secret   []byte
	provider string
	claims   Claimer
	audit    audit.Store
	log      *zap.Logger
}

type GuardOptions struct {
	Secret   string
	Provider string
	Claimer  Claimer
	Audit    audit.Store
	Logger   *zap.Logger
}

func NewGuard(coord *coordinator.Coordinator, opts GuardOptions) *Guard {
	g := &Guard{
		coord:    coord,
		secret:   []byte(opts.Secret),
		provider: opts.Provider,
		claims:   opts.Claimer,
		audit:    opts.Audit,
		log:      logging.OrNop(opts.Logger),
	}
	if g.provider == "" {
		g.provider = "coinbase_commerce"
	}
	if g.claims == nil {
		g.claims = NoopClaimer{}
	}
	return g
}

// HandleWebhook verifies signature over the raw body before looking at its contents, then
// applies the event. A bad signature has no side effect besides an audit record.
func (g *Guard) HandleWebhook(ctx context.Context, body []byte, signature string) (Result, error) {
	if err := VerifySignature(g.secret, body, signature); err != nil {
		g.log.Warn("webhook signature rejected")
		g.recordRejection(ctx, err)
		return Result{}, apperr.Wrap(apperr.KindProvider, "invalid webhook signature", err)
	}
	ev, err := ParseEvent(body)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindValidation, "invalid webhook payload", err)
	}
	return g.Apply(ctx, ev)
}

func (g *Guard) recordRejection(ctx context.Context, cause error) {
	if g.audit == nil {
		return
	}
	if _, err := g.audit.Append(ctx, audit.Event{
		ActorID:    g.provider,
		ActorRole:  "provider",
		ObjectType: "webhook",
		Action:     audit.ActionWebhookRejected,
		Result:     audit.ResultDenied,
		Reason:     cause.Error(),
	}); err != nil {
		g.log.Error("audit append failed", zap.Error(err))
	}
}

// Apply executes an already verified event.
func (g *Guard) Apply(ctx context.Context, ev Event) (Result, error) {
	switch e := ev.(type) {
	case ChargeSettled:
		return g.withClaim(ctx, e.Code, func() (Result, error) { return g.deposit(ctx, e) })
	case ChargeFailed:
		return g.withClaim(ctx, e.Code, func() (Result, error) { return g.recordFailure(ctx, e) })
	case ChargePending:
		g.log.Info("webhook acknowledged", zap.String("provider_ref", e.Code), zap.String("type", TypeChargePending))
		return Result{Outcome: OutcomeAcknowledged, Code: e.Code}, nil
	case Unrecognized:
		g.log.Info("webhook type ignored", zap.String("type", e.Type))
		return Result{Outcome: OutcomeIgnored}, nil
	}
	return Result{}, apperr.Validation("unsupported event %T", ev)
}

func (g *Guard) withClaim(ctx context.Context, ref string, fn func() (Result, error)) (Result, error) {
	release, ok, err := g.claims.Claim(ctx, ref)
	if err != nil {
		g.log.Warn("webhook claim unavailable, relying on database uniqueness", zap.String("provider_ref", ref), zap.Error(err))
		return fn()
	}
	if !ok {
		return Result{Code: ref}, ErrInFlight
	}
	defer release()
	return fn()
}

func (g *Guard) deposit(ctx context.Context, e ChargeSettled) (Result, error) {
	res := Result{Code: e.Code, UserID: e.UserID}
	err := g.coord.Do(ctx, func(ctx context.Context, u *coordinator.Unit) error {
		now := u.Now()
		payment := &model.Payment{
			ID:          uuid.NewString(),
			UserID:      e.UserID,
			Provider:    g.provider,
			ProviderRef: e.Code,
			Status:      model.PaymentSucceeded,
			Amount:      e.Amount,
			Currency:    e.Currency,
			Credits:     e.Tokens,
			PlanID:      e.PlanID,
			CompletedAt: &now,
			CreatedAt:   now,
		}
		var recorded bool
		switch prev, err := u.Tx().GetPaymentByRef(ctx, e.Code); {
		case errors.Is(err, store.ErrNotFound):
			if recorded, err = u.Tx().InsertPayment(ctx, payment); err != nil {
				return fmt.Errorf("insert payment %s: %w", e.Code, err)
			}
		case err != nil:
			return err
		case prev.Status == model.PaymentFailed:
			// An underpaid charge the provider later resolved.
			if recorded, err = u.Tx().SettleFailedPayment(ctx, payment); err != nil {
				return fmt.Errorf("settle payment %s: %w", e.Code, err)
			}
		}
		if !recorded {
			res.Outcome = OutcomeDuplicate
			return nil
		}
		meta := map[string]string{"provider": g.provider, "chargeId": e.ChargeID, "event": e.Type}
		if e.PlanID != "" {
			meta["planId"] = e.PlanID
		}
		entry, err := u.Deposit(ctx, e.UserID, e.Tokens, model.RefPayment, e.Code, "token purchase", meta)
		if err != nil {
			return err
		}
		res.Outcome = OutcomeDeposited
		res.Credits = entry.Amount
		res.Balance = entry.BalanceAfter
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	g.log.Info("webhook processed",
		zap.String("provider_ref", e.Code),
		zap.String("user_id", e.UserID),
		zap.String("outcome", string(res.Outcome)),
	)
	return res, nil
}

func (g *Guard) recordFailure(ctx context.Context, e ChargeFailed) (Result, error) {
	res := Result{Code: e.Code, UserID: e.UserID, Outcome: OutcomeFailed}
	err := g.coord.Do(ctx, func(ctx context.Context, u *coordinator.Unit) error {
		inserted, err := u.Tx().InsertPayment(ctx, &model.Payment{
			ID:            uuid.NewString(),
			UserID:        e.UserID,
			Provider:      g.provider,
			ProviderRef:   e.Code,
			Status:        model.PaymentFailed,
			Amount:        e.Amount,
			Currency:      e.Currency,
			PlanID:        e.PlanID,
			FailureReason: e.Reason,
			CreatedAt:     u.Now(),
		})
		if err != nil {
			return fmt.Errorf("insert failed payment %s: %w", e.Code, err)
		}
		if !inserted {
			res.Outcome = OutcomeDuplicate
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	g.log.Info("webhook processed",
		zap.String("provider_ref", e.Code),
		zap.String("outcome", string(res.Outcome)),
		zap.String("reason", e.Reason),
	)
	return res, nil
}
