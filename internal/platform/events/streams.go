package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/streamwallet/internal/platform/logging"
)

// StreamStatus is the payload of SubjectStreamStatus, emitted by the streaming transport.
type StreamStatus struct {
	StreamID  string    `json:"streamId"`
	CreatorID string    `json:"creatorId"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

func (s StreamStatus) validate() error {
	if s.StreamID == "" || s.CreatorID == "" {
		return fmt.Errorf("stream status missing ids")
	}
	if s.Status != "LIVE" && s.Status != "OFFLINE" {
		return fmt.Errorf("unknown stream status %q", s.Status)
	}
	return nil
}

// StreamStatusHandler applies one status update.
type StreamStatusHandler func(ctx context.Context, s StreamStatus) error

// StreamStatusConsumer mirrors stream state from the bus. Members of the queue group share
// the subject so each update is applied once.
type StreamStatusConsumer struct {
	nc     *nats.Conn
	handle StreamStatusHandler
	log    *zap.Logger
}

func NewStreamStatusConsumer(nc *nats.Conn, handle StreamStatusHandler, log *zap.Logger) *StreamStatusConsumer {
	return &StreamStatusConsumer{nc: nc, handle: handle, log: logging.OrNop(log)}
}

// Start subscribes and blocks until ctx is cancelled.
func (c *StreamStatusConsumer) Start(ctx context.Context) error {
	sub, err := c.nc.QueueSubscribe(SubjectStreamStatus, "walletd", func(m *nats.Msg) {
		var st StreamStatus
		if err := json.Unmarshal(m.Data, &st); err != nil {
			c.log.Warn("discarding malformed stream status", zap.Error(err))
			return
		}
		if err := st.validate(); err != nil {
			c.log.Warn("discarding invalid stream status", zap.Error(err))
			return
		}
		if err := c.handle(ctx, st); err != nil {
			c.log.Error("apply stream status failed", zap.String("stream_id", st.StreamID), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectStreamStatus, err)
	}
	c.log.Info("stream status consumer running")

	<-ctx.Done()
	_ = sub.Drain()
	return nil
}
