package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/streamwallet/internal/model"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
)

type TipRequest struct {
	StreamID  string
	PayerID   string
	PayerName string
	Amount    decimal.Decimal
	Activity  string
}

type TipResult struct {
	TipID        string
	PayerBalance decimal.Decimal
	PayeeBalance decimal.Decimal
	Message      model.ChatMessage
}

const maxActivityLen = 120

// Tip pays the creator of a stream and posts the public notification message in the same unit.
func (c *Coordinator) Tip(ctx context.Context, req TipRequest) (TipResult, error) {
	amount, err := validAmount(req.Amount)
	if err != nil {
		return TipResult{}, err
	}
	activity := strings.TrimSpace(req.Activity)
	if len(activity) > maxActivityLen {
		return TipResult{}, apperr.Validation("activity must be at most %d characters", maxActivityLen)
	}
	stream, err := c.store.GetStream(ctx, req.StreamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TipResult{}, apperr.NotFound("stream %s not found", req.StreamID)
		}
		return TipResult{}, err
	}
	if stream.CreatorID == req.PayerID {
		return TipResult{}, apperr.Validation("cannot tip yourself")
	}

	tipID := uuid.NewString()
	var res TipResult
	err = c.Do(ctx, func(ctx context.Context, u *Unit) error {
		moved, err := u.Tip(ctx, req.PayerID, stream.CreatorID, amount, tipID, tipDescription(amount, activity))
		if err != nil {
			return err
		}
		msg, err := u.PostMessage(ctx, model.ChatMessage{
			ID:       uuid.NewString(),
			StreamID: stream.ID,
			SenderID: req.PayerID,
			Body:     tipNotice(req.PayerName, req.PayerID, amount, activity),
		})
		if err != nil {
			return err
		}
		res = TipResult{TipID: tipID, PayerBalance: moved.PayerBalance, PayeeBalance: moved.PayeeBalance, Message: msg}
		return nil
	})
	return res, err
}

func tipDescription(amount decimal.Decimal, activity string) string {
	if activity == "" {
		return fmt.Sprintf("tip of %s", amount)
	}
	return fmt.Sprintf("tip of %s for %s", amount, activity)
}

func tipNotice(name, id string, amount decimal.Decimal, activity string) string {
	if name == "" {
		name = id
	}
	unit := "tokens"
	if amount.Equal(decimal.NewFromInt(1)) {
		unit = "token"
	}
	if activity == "" {
		return fmt.Sprintf("%s tipped %s %s", name, amount, unit)
	}
	return fmt.Sprintf("%s tipped %s %s for %s", name, amount, unit, activity)
}
