package mesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBusConfig wires a Redis pub/sub bus.
type RedisBusConfig struct {
	Client    redis.UniversalClient
	NodeID    string
	KeyPrefix string
	Log       *zap.Logger
	Metrics   *Metrics
}

// RedisBus publishes to one Redis channel per node. Pub/sub is fire-and-forget:
// a message published while the target is not subscribed is lost, which matches
// the best-effort cross-node contract.
type RedisBus struct {
	client    redis.UniversalClient
	nodeID    string
	keyPrefix string
	log       *zap.Logger
	metrics   *Metrics
}

// NewRedisBus builds a bus bound to cfg.NodeID.
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.NodeID == "" {
		return nil, errNodeIDRequired
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "relay:"
	}
	return &RedisBus{
		client:    cfg.Client,
		nodeID:    cfg.NodeID,
		keyPrefix: cfg.KeyPrefix,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
	}, nil
}

func (b *RedisBus) NodeID() string { return b.nodeID }

// Channel returns the pub/sub channel name for nodeID.
func (b *RedisBus) Channel(nodeID string) string { return b.keyPrefix + "node:" + nodeID }

// Publish sends payload to the target node's channel.
func (b *RedisBus) Publish(ctx context.Context, targetNode string, payload []byte) error {
	if targetNode == "" {
		b.metrics.RecordPublish(ErrTargetRequired)
		return ErrTargetRequired
	}
	err := b.client.Publish(ctx, b.Channel(targetNode), payload).Err()
	b.metrics.RecordPublish(err)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", targetNode, err)
	}
	return nil
}

// Subscribe listens on this node's channel until ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	channel := b.Channel(b.nodeID)
	sub := b.client.Subscribe(ctx, channel)
	defer sub.Close()

	// Wait for the subscription confirmation so publishes after this point are seen.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	b.metrics.SetSubscribed(true)
	defer b.metrics.SetSubscribed(false)
	b.log.Info("bus subscribed", zap.String("channel", channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("bus subscription closed")
			}
			b.metrics.RecordReceived()
			handler(ctx, []byte(msg.Payload))
		}
	}
}

var _ Bus = (*RedisBus)(nil)
