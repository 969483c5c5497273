package coordinator

import (
	"time"

	"github.com/wizardbeardstudio/streamwallet/internal/model"
)

// LedgerEntryEvent is the bus payload for a committed ledger entry.
type LedgerEntryEvent struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	Kind          string            `json:"kind"`
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	BalanceAfter  string            `json:"balanceAfter"`
	ReferenceType string            `json:"referenceType"`
	ReferenceID   string            `json:"referenceId"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

func EntryEvent(e model.LedgerEntry) LedgerEntryEvent {
	return LedgerEntryEvent{
		ID:            e.ID,
		UserID:        e.UserID,
		Kind:          string(e.Kind),
		Amount:        e.Amount.String(),
		Currency:      e.Currency,
		BalanceAfter:  e.BalanceAfter.String(),
		ReferenceType: e.ReferenceType,
		ReferenceID:   e.ReferenceID,
		Metadata:      e.Metadata,
		CreatedAt:     e.CreatedAt,
	}
}

// ChatMessageEvent is the bus payload for a committed chat message.
type ChatMessageEvent struct {
	ID         string    `json:"id"`
	StreamID   string    `json:"streamId"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId,omitempty"`
	Body       string    `json:"body"`
	Private    bool      `json:"private"`
	Cost       string    `json:"cost"`
	CreatedAt  time.Time `json:"createdAt"`
}

func MessageEvent(m model.ChatMessage) ChatMessageEvent {
	return ChatMessageEvent{
		ID:         m.ID,
		StreamID:   m.StreamID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Body:       m.Body,
		Private:    m.Private,
		Cost:       m.Cost.String(),
		CreatedAt:  m.CreatedAt,
	}
}
