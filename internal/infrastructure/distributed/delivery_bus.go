package distributed

import (
	"context"
	"encoding/json"
	"fmt"

	"guffrelay/internal/core/domain"
	"guffrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// envelope is what travels between instances: the payload for one address.
// Payload is carried as bytes so it arrives exactly as it was sent.
type envelope struct {
	Address domain.Address `json:"address"`
	Payload []byte         `json:"payload"`
}

// DeliveryBus delivers payloads to connections on any instance. Addresses
// owned by this instance go straight to the local deliverer; others are
// published on the owning instance's channel.
type DeliveryBus struct {
	client     *redis.Client
	instanceID string
	prefix     string
	local      ports.Deliverer
	logger     *zap.SugaredLogger
}

func NewDeliveryBus(
	client *redis.Client,
	instanceID string,
	prefix string,
	local ports.Deliverer,
	logger *zap.SugaredLogger,
) *DeliveryBus {
	return &DeliveryBus{
		client:     client,
		instanceID: instanceID,
		prefix:     prefix,
		local:      local,
		logger:     logger,
	}
}

var _ ports.Deliverer = (*DeliveryBus)(nil)

func (b *DeliveryBus) channel(instanceID string) string {
	return b.prefix + "deliver:" + instanceID
}

// Deliver never waits for the remote connection. For an address on another
// instance, Delivered means the payload reached that instance's bus
// subscriber, not the connection itself: if the connection has already gone
// there, the owning instance drops the payload and only logs it. A remote
// instance that is not subscribed counts as RecipientGone.
func (b *DeliveryBus) Deliver(ctx context.Context, address domain.Address, payload []byte) domain.DeliveryResult {
	instance := address.Instance()
	if instance == b.instanceID || instance == "" {
		return b.local.Deliver(ctx, address, payload)
	}

	data, err := json.Marshal(envelope{Address: address, Payload: payload})
	if err != nil {
		b.logger.Warnw("Failed to encode envelope", "address", address, "error", err)
		return domain.RecipientGone
	}

	receivers, err := b.client.Publish(ctx, b.channel(instance), data).Result()
	if err != nil {
		b.logger.Warnw("Failed to publish delivery",
			"address", address,
			"instance", instance,
			"error", err,
		)
		return domain.RecipientGone
	}
	if receivers == 0 {
		return domain.RecipientGone
	}
	return domain.Delivered
}

// Run subscribes to this instance's channel and hands every envelope to the
// local deliverer until ctx is done.
func (b *DeliveryBus) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel(b.instanceID))
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so that publishes racing
	// with startup are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to delivery channel: %w", err)
	}
	b.logger.Infow("Delivery bus subscribed", "channel", b.channel(b.instanceID))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warnw("Failed to decode envelope", "error", err)
				continue
			}
			if result := b.local.Deliver(ctx, env.Address, env.Payload); result == domain.RecipientGone {
				b.logger.Debugw("Remote delivery recipient gone", "address", env.Address)
			}
		}
	}
}
