package server

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/streamwallet/internal/model"
)

type messageJSON struct {
	ID         string          `json:"id"`
	StreamID   string          `json:"streamId"`
	SenderID   string          `json:"senderId"`
	ReceiverID string          `json:"receiverId,omitempty"`
	Body       string          `json:"body"`
	Private    bool            `json:"private"`
	Cost       decimal.Decimal `json:"cost"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func messageView(m model.ChatMessage) messageJSON {
	return messageJSON{
		ID:         m.ID,
		StreamID:   m.StreamID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Body:       m.Body,
		Private:    m.Private,
		Cost:       m.Cost,
		CreatedAt:  m.CreatedAt,
	}
}

type chatRequestJSON struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	StreamID   string    `json:"streamId"`
	Status     string    `json:"status"`
	ExpiresAt  time.Time `json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

func chatRequestView(c model.PrivateChatRequest) chatRequestJSON {
	return chatRequestJSON{
		ID:         c.ID,
		SenderID:   c.SenderID,
		ReceiverID: c.ReceiverID,
		StreamID:   c.StreamID,
		Status:     string(c.Status),
		ExpiresAt:  c.ExpiresAt,
		CreatedAt:  c.CreatedAt,
	}
}

type createChatRequest struct {
	ReceiverID string `json:"receiverId"`
	StreamID   string `json:"streamId"`
}

func (g *Gateway) createChatRequest(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	var req createChatRequest
	if err := readJSON(r, &req); err != nil {
		g.fail(w, err)
		return
	}
	out, err := g.svc.Messenger.RequestChat(r.Context(), actor, req.ReceiverID, req.StreamID)
	if err != nil {
		g.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chatRequestView(out))
}

func (g *Gateway) listChatRequests(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	reqs, err := g.svc.Messenger.ChatRequests(r.Context(), actor)
	if err != nil {
		g.fail(w, err)
		return
	}
	out := make([]chatRequestJSON, 0, len(reqs))
	for _, c := range reqs {
		out = append(out, chatRequestView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (g *Gateway) respondChat(w http.ResponseWriter, r *http.Request, id string, accept bool) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	out, err := g.svc.Messenger.RespondChat(r.Context(), actor, id, accept)
	if err != nil {
		g.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatRequestView(out))
}

func (g *Gateway) acceptChatRequest(w http.ResponseWriter, r *http.Request, params map[string]string) {
	g.respondChat(w, r, params["id"], true)
}

func (g *Gateway) rejectChatRequest(w http.ResponseWriter, r *http.Request, params map[string]string) {
	g.respondChat(w, r, params["id"], false)
}

type sendMessageRequest struct {
	ReceiverID string `json:"receiverId"`
	Body       string `json:"body"`
}

func (g *Gateway) sendMessage(w http.ResponseWriter, r *http.Request, params map[string]string) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	var req sendMessageRequest
	if err := readJSON(r, &req); err != nil {
		g.fail(w, err)
		return
	}
	res, err := g.svc.Messenger.SendPrivate(r.Context(), actor, params["id"], req.ReceiverID, req.Body)
	g.svc.Metrics.ObserveMovement("private_message", err)
	if err != nil {
		g.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":          messageView(res.Message),
		"charged":          res.Charged,
		"remainingBalance": res.Balance,
	})
}

func (g *Gateway) listMessages(w http.ResponseWriter, r *http.Request, params map[string]string) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	msgs, err := g.svc.Messenger.Messages(r.Context(), actor, params["id"], limit)
	if err != nil {
		g.fail(w, err)
		return
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}
