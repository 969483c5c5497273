// Package events publishes committed wallet facts to the message bus and consumes the
// stream status feed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/streamwallet/internal/platform/logging"
)

const (
	SubjectLedgerEntry      = "ledger.entry.created"
	SubjectChatMessage      = "chat.message.created"
	SubjectWithdrawalStatus = "withdrawal.status.changed"
	SubjectStreamStatus     = "streams.status"
)

// Publisher is called only after the unit that produced the payload committed.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }

// Connect dials url. An empty url returns a nil connection and no error.
func Connect(url string, log *zap.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}
	log = logging.OrNop(log)
	nc, err := nats.Connect(url,
		nats.Name("walletd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

type NATSPublisher struct {
	nc  *nats.Conn
	log *zap.Logger
}

func NewNATSPublisher(nc *nats.Conn, log *zap.Logger) *NATSPublisher {
	return &NATSPublisher{nc: nc, log: logging.OrNop(log)}
}

func (p *NATSPublisher) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", subject, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Recorder keeps published payloads in memory.
type Recorder struct {
	mu       sync.Mutex
	Messages []Message
}

type Message struct {
	Subject string
	Payload any
}

func (r *Recorder) Publish(_ context.Context, subject string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, Message{Subject: subject, Payload: payload})
	return nil
}

func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		out = append(out, m.Subject)
	}
	return out
}

// PublishAll sends every message, logging failures. Delivery is best effort: the ledger is
// the source of truth and consumers can rebuild from it.
func PublishAll(ctx context.Context, p Publisher, log *zap.Logger, msgs []Message) {
	if p == nil {
		return
	}
	for _, m := range msgs {
		if err := p.Publish(ctx, m.Subject, m.Payload); err != nil {
			logging.OrNop(log).Warn("event publish failed", zap.String("subject", m.Subject), zap.Error(err))
		}
	}
}
