package metering

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/streamwallet/internal/model"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/events"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
)

// SetStream records the broadcast state reported by the streaming transport.
func (e *Engine) SetStream(ctx context.Context, s model.Stream) error {
	if s.ID == "" || s.CreatorID == "" {
		return apperr.Validation("stream id and creator id are required")
	}
	if s.Status != model.StreamLive && s.Status != model.StreamOffline {
		return apperr.Validation("stream status must be LIVE or OFFLINE")
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = e.coord.Now()
	}
	err := e.coord.Store().InTx(ctx, func(tx store.Tx) error {
		cur, err := tx.GetStream(ctx, s.ID)
		if err == nil && cur.UpdatedAt.After(s.UpdatedAt) {
			return nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.UpsertStream(ctx, s)
	})
	if err != nil {
		return err
	}
	e.log.Info("stream status mirrored", zap.String("stream_id", s.ID), zap.String("status", string(s.Status)))
	return nil
}

// ApplyStreamStatus adapts bus updates to SetStream.
func (e *Engine) ApplyStreamStatus(ctx context.Context, st events.StreamStatus) error {
	return e.SetStream(ctx, model.Stream{
		ID:        st.StreamID,
		CreatorID: st.CreatorID,
		Status:    model.StreamStatus(st.Status),
		UpdatedAt: st.At,
	})
}

func (e *Engine) GetStream(ctx context.Context, id string) (model.Stream, error) {
	s, err := e.coord.Store().GetStream(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Stream{}, apperr.NotFound("stream %s not found", id)
	}
	return s, err
}
