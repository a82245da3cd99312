package mesh

import (
	"context"
	"sync"
)

const mailboxSize = 1024

// MemoryHub connects in-process buses. Each node gets a mailbox when its bus is
// created, so messages published before Subscribe starts are not lost.
type MemoryHub struct {
	mu        sync.Mutex
	mailboxes map[string]chan []byte
}

// NewMemoryHub builds an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{mailboxes: make(map[string]chan []byte)}
}

// Bus returns the bus bound to nodeID, creating its mailbox on first use.
func (h *MemoryHub) Bus(nodeID string, metrics *Metrics) *MemoryBus {
	return &MemoryBus{hub: h, nodeID: nodeID, mailbox: h.mailbox(nodeID), metrics: metrics}
}

func (h *MemoryHub) mailbox(nodeID string) chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	mb, ok := h.mailboxes[nodeID]
	if !ok {
		mb = make(chan []byte, mailboxSize)
		h.mailboxes[nodeID] = mb
	}
	return mb
}

// MemoryBus is a Bus backed by a MemoryHub.
type MemoryBus struct {
	hub     *MemoryHub
	nodeID  string
	mailbox chan []byte
	metrics *Metrics
}

func (b *MemoryBus) NodeID() string { return b.nodeID }

// Publish copies payload into the target node's mailbox, blocking while it is full.
func (b *MemoryBus) Publish(ctx context.Context, targetNode string, payload []byte) error {
	if targetNode == "" {
		b.metrics.RecordPublish(ErrTargetRequired)
		return ErrTargetRequired
	}
	msg := append([]byte(nil), payload...)
	select {
	case b.hub.mailbox(targetNode) <- msg:
		b.metrics.RecordPublish(nil)
		return nil
	case <-ctx.Done():
		b.metrics.RecordPublish(ctx.Err())
		return ctx.Err()
	}
}

// Subscribe drains this node's mailbox until ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) error {
	if b.nodeID == "" {
		return errNodeIDRequired
	}
	b.metrics.SetSubscribed(true)
	defer b.metrics.SetSubscribed(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.mailbox:
			b.metrics.RecordReceived()
			handler(ctx, msg)
		}
	}
}

var _ Bus = (*MemoryBus)(nil)
