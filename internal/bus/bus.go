// Package bus delivers asynchronous notices between the pods of one work
// order.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

// DefaultDrainLimit bounds how many messages one Drain returns.
const DefaultDrainLimit = 20

// Directory answers which pods can receive messages.
type Directory interface {
	IsActive(podID string) bool
	Members(workOrderID string) []string
}

// Bus holds the inboxes of one work order. Inboxes live only as long as the
// work order run.
type Bus struct {
	workOrderID string
	dir         Directory
	limit       int
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	inboxes map[string][]domain.BusMessage
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithDrainLimit overrides DefaultDrainLimit.
func WithDrainLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.limit = n
		}
	}
}

// New creates the bus for workOrderID.
func New(workOrderID string, dir Directory, opts ...Option) *Bus {
	b := &Bus{
		workOrderID: workOrderID,
		dir:         dir,
		limit:       DefaultDrainLimit,
		logger:      slog.Default(),
		now:         time.Now,
		inboxes:     make(map[string][]domain.BusMessage),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Send delivers payload from one pod to another, or to every live member
// except the sender when to is domain.Broadcast. It returns the number of
// inboxes the message reached. Messages to unknown or terminated pods are
// dropped and logged.
func (b *Bus) Send(from, to string, payload domain.MessagePayload) int {
	recipients := []string{to}
	if to == domain.Broadcast {
		recipients = recipients[:0]
		for _, id := range b.dir.Members(b.workOrderID) {
			if id != from {
				recipients = append(recipients, id)
			}
		}
	}

	msg := domain.BusMessage{
		ID:      uuid.NewString(),
		From:    from,
		To:      to,
		Payload: payload,
		SentAt:  b.now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := 0
	for _, id := range recipients {
		if !b.dir.IsActive(id) {
			b.logger.Warn("message dropped",
				slog.String("work_order_id", b.workOrderID),
				slog.String("from", from),
				slog.String("to", id),
				slog.String("type", string(msg.Type())),
			)
			continue
		}
		b.inboxes[id] = append(b.inboxes[id], msg)
		delivered++
	}
	return delivered
}

// Drain returns up to the limit of most recent messages for podID, oldest
// first, and clears the inbox.
func (b *Bus) Drain(podID string) []domain.BusMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.inboxes[podID]
	delete(b.inboxes, podID)
	if len(msgs) > b.limit {
		b.logger.Debug("inbox truncated",
			slog.String("pod_id", podID),
			slog.Int("dropped", len(msgs)-b.limit),
		)
		msgs = msgs[len(msgs)-b.limit:]
	}
	return msgs
}

// Pending returns the number of undelivered messages for podID.
func (b *Bus) Pending(podID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inboxes[podID])
}

// Clear drops every inbox.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inboxes = make(map[string][]domain.BusMessage)
}
