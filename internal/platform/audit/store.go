package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

// Store appends to and reads a hash-chained audit log.
type Store interface {
	Append(ctx context.Context, e Event) (Event, error)
	List(ctx context.Context, f Filter) ([]Event, error)
}

type InMemoryStore struct {
	mu     sync.Mutex
	events []Event
	last   string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{last: genesis}
}

func prepare(e Event) Event {
	if e.AuditID == "" {
		e.AuditID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	return e
}

func (s *InMemoryStore) Append(_ context.Context, e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e = prepare(e)
	e.HashPrev = s.last
	e.HashCurr = ComputeHash(s.last, e)

	if len(s.events) > 0 {
		prev := s.events[len(s.events)-1]
		recomputed := ComputeHash(prev.HashPrev, prev)
		if recomputed != prev.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	s.events = append(s.events, e)
	s.last = e.HashCurr
	return e, nil
}

func (s *InMemoryStore) List(_ context.Context, f Filter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0)
	for i := len(s.events) - 1; i >= 0; i-- {
		if !f.matches(s.events[i]) {
			continue
		}
		out = append(out, s.events[i])
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Events returns the whole chain oldest first.
func (s *InMemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
