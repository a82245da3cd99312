package mesh

import (
	"context"
	"errors"
)

// Handler processes one message published to this node's channel.
type Handler func(ctx context.Context, payload []byte)

// Bus forwards serialized envelopes to the node hosting a recipient. A Bus is
// bound to one node id and Subscribe only delivers that node's channel.
type Bus interface {
	NodeID() string
	Publish(ctx context.Context, targetNode string, payload []byte) error
	// Subscribe blocks, invoking handler for each message, until ctx is cancelled.
	Subscribe(ctx context.Context, handler Handler) error
}

var (
	ErrTargetRequired = errors.New("target node is required")
	errNodeIDRequired = errors.New("node id is required")
)
