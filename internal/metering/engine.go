// Package metering converts reported watch time into billed intervals on a viewing session.
package metering

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
	"github.com/wizardbeardstudio/streamwallet/internal/platform/logging"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/money"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
)

const (
	MinWatchSeconds = 1
	MaxWatchSeconds = 300
)

type Engine struct {
	coord         *coordinator.Coordinator
	ratePerMinute decimal.Decimal
	log           *zap.Logger
}

func NewEngine(coord *coordinator.Coordinator, ratePerMinute decimal.Decimal, log *zap.Logger) *Engine {
	return &Engine{coord: coord, ratePerMinute: ratePerMinute, log: logging.OrNop(log)}
}

func (e *Engine) RatePerMinute() decimal.Decimal { return e.ratePerMinute }

type BillRequest struct {
	StreamID         string
	ViewerID         string
	WatchTimeSeconds int64
	// IdempotencyKey, when set, makes a repeated call for the same session return the
	// original result without charging again.
	IdempotencyKey string
}

type BillResult struct {
	Charged          decimal.Decimal
	RemainingBalance decimal.Decimal
	TotalWatchTimeMs int64
	SessionID        string
	SessionToken     string
	IntervalIndex    int64
	OwnerExempt      bool
	Replayed         bool
}

func (r BillRequest) validate() error {
	if r.StreamID == "" {
		return apperr.Validation("stream id is required")
	}
	if r.ViewerID == "" {
		return apperr.Validation("viewer id is required")
	}
	if r.WatchTimeSeconds < MinWatchSeconds || r.WatchTimeSeconds > MaxWatchSeconds {
		return apperr.Validation("watchTimeSeconds must be within [%d, %d]", MinWatchSeconds, MaxWatchSeconds)
	}
	if len(r.IdempotencyKey) > 128 {
		return apperr.Validation("idempotency key must be at most 128 characters")
	}
	return nil
}

// IntervalIndex is the ordinal window of length seconds that totalWatchMs falls in.
func IntervalIndex(totalWatchMs, seconds int64) int64 {
	if seconds <= 0 {
		return 0
	}
	return totalWatchMs / (seconds * 1000)
}

// Bill charges the viewer for WatchTimeSeconds of a LIVE stream and records the interval.
// The session lookup, the charge, the session advance and the meter event commit together.
func (e *Engine) Bill(ctx context.Context, req BillRequest) (BillResult, error) {
	if err := req.validate(); err != nil {
		return BillResult{}, err
	}
	var res BillResult
	err := e.coord.Do(ctx, func(ctx context.Context, u *coordinator.Unit) error {
		tx := u.Tx()
		stream, err := tx.GetStream(ctx, req.StreamID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("stream %s not found", req.StreamID)
		}
		if err != nil {
			return err
		}
		if stream.Status != model.StreamLive {
			return apperr.Validation("stream %s is not live", req.StreamID)
		}

		if stream.CreatorID == req.ViewerID {
			w, err := tx.GetOrCreateWallet(ctx, req.ViewerID, e.coord.Currency())
			if err != nil {
				return err
			}
			res = BillResult{Charged: decimal.Zero, RemainingBalance: w.Balance, OwnerExempt: true}
			return nil
		}

		now := u.Now()
		session, created, err := tx.ActiveSessionForUpdate(ctx, model.StreamSession{
			ID:            uuid.NewString(),
			StreamID:      req.StreamID,
			UserID:        req.ViewerID,
			Status:        model.SessionActive,
			SessionToken:  uuid.NewString(),
			LastHeartbeat: now,
			CreatedAt:     now,
		})
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}

		if req.IdempotencyKey != "" && !created {
			prior, err := tx.GetMeterEventByKey(ctx, session.ID, req.IdempotencyKey)
			if err == nil {
				w, err := tx.GetOrCreateWallet(ctx, req.ViewerID, e.coord.Currency())
				if err != nil {
					return err
				}
				res = BillResult{
					Charged:          prior.CreditsDebited,
					RemainingBalance: w.Balance,
					TotalWatchTimeMs: session.TotalWatchMs,
					SessionID:        session.ID,
					SessionToken:     session.SessionToken,
					IntervalIndex:    prior.IntervalIndex,
					Replayed:         true,
				}
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		charge := money.PerSecondCharge(e.ratePerMinute, req.WatchTimeSeconds)
		index := IntervalIndex(session.TotalWatchMs, req.WatchTimeSeconds)

		var remaining decimal.Decimal
		if charge.IsPositive() {
			moved, err := u.Bill(ctx, req.ViewerID, stream.CreatorID, charge, session.ID)
			if err != nil {
				return err
			}
			remaining = moved.PayerBalance
		} else {
			w, err := tx.GetOrCreateWallet(ctx, req.ViewerID, e.coord.Currency())
			if err != nil {
				return err
			}
			remaining = w.Balance
		}

		playbackMs := req.WatchTimeSeconds * 1000
		session, err = tx.AdvanceSession(ctx, session.ID, playbackMs, now)
		if err != nil {
			return fmt.Errorf("advance session: %w", err)
		}
		if err := tx.InsertMeterEvent(ctx, &model.MeterEvent{
			ID:             uuid.NewString(),
			SessionID:      session.ID,
			UserID:         req.ViewerID,
			IntervalIndex:  index,
			PlaybackMs:     playbackMs,
			CreditsDebited: charge,
			RequestKey:     req.IdempotencyKey,
			CreatedAt:      now,
		}); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apperr.Conflict("billing request %s already applied", req.IdempotencyKey)
			}
			return fmt.Errorf("insert meter event: %w", err)
		}

		res = BillResult{
			Charged:          charge,
			RemainingBalance: remaining,
			TotalWatchTimeMs: session.TotalWatchMs,
			SessionID:        session.ID,
			SessionToken:     session.SessionToken,
			IntervalIndex:    index,
		}
		return nil
	})
	if err != nil {
		return BillResult{}, err
	}
	if res.Replayed {
		e.log.Info("billing replay served", zap.String("session_id", res.SessionID), zap.String("idempotency_key", req.IdempotencyKey))
	} else if !res.OwnerExempt {
		e.log.Debug("interval billed",
			zap.String("user_id", req.ViewerID),
			zap.String("session_id", res.SessionID),
			zap.Int64("interval_index", res.IntervalIndex),
			zap.String("amount", res.Charged.String()),
		)
	}
	return res, nil
}

// EndSession closes the viewer's active session on a stream. The next billing call opens
// a new session with a fresh token.
func (e *Engine) EndSession(ctx context.Context, streamID, viewerID string) (model.StreamSession, error) {
	var ended model.StreamSession
	err := e.coord.Store().InTx(ctx, func(tx store.Tx) error {
		s, err := tx.GetActiveSession(ctx, streamID, viewerID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("no active session for stream %s", streamID)
		}
		if err != nil {
			return err
		}
		now := e.coord.Now()
		if err := tx.EndSession(ctx, s.ID, now); err != nil {
			return err
		}
		s.Status = model.SessionEnded
		s.LastHeartbeat = now
		ended = s
		return nil
	})
	return ended, err
}
