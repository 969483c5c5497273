package access

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/streamwallet/internal/coordinator"
	"github.com/wizardbeardstudio/streamwallet/internal/model"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/auth"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/logging"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
)

const maxMessageLen = 2000

// Messenger runs chat request lifecycles and paid private messages.
type Messenger struct {
	coord *coordinator.Coordinator
	price decimal.Decimal
	ttl   time.Duration
	log   *zap.Logger
}

func NewMessenger(coord *coordinator.Coordinator, price decimal.Decimal, ttl time.Duration, log *zap.Logger) *Messenger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Messenger{coord: coord, price: price, ttl: ttl, log: logging.OrNop(log)}
}

func (m *Messenger) stream(ctx context.Context, r store.Reader, id string) (model.Stream, error) {
	s, err := r.GetStream(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Stream{}, apperr.NotFound("stream %s not found", id)
	}
	return s, err
}

// RequestChat opens a PENDING request from actor to receiverID on a stream. A pending
// request for the same triple yields a conflict.
func (m *Messenger) RequestChat(ctx context.Context, actor auth.Actor, receiverID, streamID string) (model.PrivateChatRequest, error) {
	if err := Require(actor, CapPrivateMessage); err != nil {
		return model.PrivateChatRequest{}, err
	}
	if receiverID == "" || streamID == "" {
		return model.PrivateChatRequest{}, apperr.Validation("receiverId and streamId are required")
	}
	if receiverID == actor.ID {
		return model.PrivateChatRequest{}, apperr.Validation("cannot open a private chat with yourself")
	}

	var out model.PrivateChatRequest
	err := m.coord.Store().InTx(ctx, func(tx store.Tx) error {
		if _, err := m.stream(ctx, tx, streamID); err != nil {
			return err
		}
		now := m.coord.Now()
		if err := tx.ExpireChatRequests(ctx, actor.ID, receiverID, streamID, now); err != nil {
			return err
		}
		req := model.PrivateChatRequest{
			ID:         uuid.NewString(),
			SenderID:   actor.ID,
			ReceiverID: receiverID,
			StreamID:   streamID,
			Status:     model.ChatRequestPending,
			ExpiresAt:  now.Add(m.ttl),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.InsertChatRequest(ctx, &req); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apperr.Conflict("a pending chat request already exists")
			}
			return err
		}
		out = req
		return nil
	})
	return out, err
}

// RespondChat lets the receiver accept or reject a pending request. Expiry is applied
// lazily: a request past its deadline is persisted as EXPIRED and the response is a conflict.
func (m *Messenger) RespondChat(ctx context.Context, actor auth.Actor, requestID string, accept bool) (model.PrivateChatRequest, error) {
	if actor.ID == "" {
		return model.PrivateChatRequest{}, apperr.Auth("missing identity")
	}
	var (
		out     model.PrivateChatRequest
		expired bool
	)
	err := m.coord.Store().InTx(ctx, func(tx store.Tx) error {
		req, err := tx.GetChatRequest(ctx, requestID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("chat request %s not found", requestID)
		}
		if err != nil {
			return err
		}
		if req.ReceiverID != actor.ID {
			return apperr.Permission("only the receiver may respond")
		}
		now := m.coord.Now()
		switch req.EffectiveStatus(now) {
		case model.ChatRequestPending:
		case model.ChatRequestExpired:
			if req.Status == model.ChatRequestPending {
				out, err = tx.TransitionChatRequest(ctx, req.ID, model.ChatRequestPending, model.ChatRequestExpired, now)
				if err != nil {
					return err
				}
				expired = true
				return nil
			}
			return apperr.Conflict("chat request already %s", req.Status)
		default:
			return apperr.Conflict("chat request already %s", req.Status)
		}
		to := model.ChatRequestRejected
		if accept {
			to = model.ChatRequestAccepted
		}
		out, err = tx.TransitionChatRequest(ctx, req.ID, model.ChatRequestPending, to, now)
		if errors.Is(err, store.ErrConflict) {
			return apperr.Conflict("chat request changed concurrently")
		}
		return err
	})
	if err != nil {
		return model.PrivateChatRequest{}, err
	}
	if expired {
		return out, apperr.Conflict("chat request expired")
	}
	return out, nil
}

// ChatRequests lists requests the actor sent or received, with lazy expiry applied.
func (m *Messenger) ChatRequests(ctx context.Context, actor auth.Actor) ([]model.PrivateChatRequest, error) {
	reqs, err := m.coord.Store().ListChatRequests(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	now := m.coord.Now()
	for i := range reqs {
		reqs[i].Status = reqs[i].EffectiveStatus(now)
	}
	return reqs, nil
}

type SendResult struct {
	Message model.ChatMessage
	Charged decimal.Decimal
	Balance decimal.Decimal
}

// hasAcceptedRequest reports whether the pair holds an ACCEPTED request on the stream,
// in either direction.
func hasAcceptedRequest(ctx context.Context, tx store.Tx, a, b, streamID string) (bool, error) {
	reqs, err := tx.ListChatRequests(ctx, a)
	if err != nil {
		return false, err
	}
	for _, r := range reqs {
		if r.StreamID != streamID || r.Status != model.ChatRequestAccepted {
			continue
		}
		if (r.SenderID == a && r.ReceiverID == b) || (r.SenderID == b && r.ReceiverID == a) {
			return true, nil
		}
	}
	return false, nil
}

// SendPrivate delivers a private message. A non-creator sender needs an ACCEPTED chat
// request and pays the message price to the stream's creator in the same unit that
// writes the message; a failed debit leaves no message behind. The creator sends free.
func (m *Messenger) SendPrivate(ctx context.Context, actor auth.Actor, streamID, receiverID, body string) (SendResult, error) {
	if err := Require(actor, CapPrivateMessage); err != nil {
		return SendResult{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return SendResult{}, apperr.Validation("message body is empty")
	}
	if utf8.RuneCountInString(body) > maxMessageLen {
		return SendResult{}, apperr.Validation("message body exceeds %d characters", maxMessageLen)
	}
	if receiverID == "" || receiverID == actor.ID {
		return SendResult{}, apperr.Validation("a different receiver is required")
	}

	var res SendResult
	err := m.coord.Do(ctx, func(ctx context.Context, u *coordinator.Unit) error {
		tx := u.Tx()
		stream, err := m.stream(ctx, tx, streamID)
		if err != nil {
			return err
		}
		msg := model.ChatMessage{
			ID:         uuid.NewString(),
			StreamID:   streamID,
			SenderID:   actor.ID,
			ReceiverID: receiverID,
			Body:       body,
			Private:    true,
			Cost:       decimal.Zero,
		}

		if actor.ID == stream.CreatorID || !m.price.IsPositive() {
			w, err := tx.GetOrCreateWallet(ctx, actor.ID, m.coord.Currency())
			if err != nil {
				return err
			}
			res.Balance = w.Balance
		} else {
			ok, err := hasAcceptedRequest(ctx, tx, actor.ID, receiverID, streamID)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.Permission("an accepted chat request is required")
			}
			moved, err := u.MessageDebit(ctx, actor.ID, stream.CreatorID, m.price, msg.ID)
			if err != nil {
				return err
			}
			msg.Cost = moved.Amount
			res.Charged = moved.Amount
			res.Balance = moved.PayerBalance
		}

		res.Message, err = u.PostMessage(ctx, msg)
		return err
	})
	if err != nil {
		return SendResult{}, err
	}
	m.log.Debug("private message sent",
		zap.String("user_id", actor.ID),
		zap.String("stream_id", streamID),
		zap.String("amount", res.Charged.String()),
	)
	return res, nil
}

// Messages returns the stream's public messages plus private ones the actor is party to.
func (m *Messenger) Messages(ctx context.Context, actor auth.Actor, streamID string, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	return m.coord.Store().ListMessages(ctx, store.MessageFilter{StreamID: streamID, Participant: actor.ID, Limit: limit})
}
