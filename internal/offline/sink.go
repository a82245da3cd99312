// Package offline produces delivery events for recipients that have no known
// hosting node. Consumers replay them when the recipient reconnects; this
// package only writes.
package offline

import (
	"context"
	"crypto/rand"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is one message waiting for a recipient to come back online.
type Event struct {
	ID                       string    `json:"id"`
	ConversationParticipants []string  `json:"conversationParticipants"`
	Sender                   string    `json:"sender"`
	Recipient                string    `json:"recipient"`
	Payload                  string    `json:"payload"`
	Timestamp                time.Time `json:"timestamp"`
}

// Sink accepts offline delivery events.
type Sink interface {
	Publish(ctx context.Context, evt Event) error
}

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a time-ordered ULID string.
func NewID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// NewEvent stamps an event with a fresh id. payload is the serialized envelope
// so a replayer can resend it verbatim.
func NewEvent(sender, recipient, payload string, now time.Time) Event {
	participants := []string{sender, recipient}
	sort.Strings(participants)
	return Event{
		ID:                       NewID(now),
		ConversationParticipants: participants,
		Sender:                   sender,
		Recipient:                recipient,
		Payload:                  payload,
		Timestamp:                now.UTC(),
	}
}

// MemorySink keeps events in memory. Useful for single-node development and tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Publish(_ context.Context, evt Event) error {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of everything published so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

var _ Sink = (*MemorySink)(nil)
