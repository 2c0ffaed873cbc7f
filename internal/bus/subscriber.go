package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/chatflow/internal/logging"
)

// reconnectInterval is the fixed retry interval for the subscriber
// connection, per the "unbounded retry at fixed interval" requirement.
const reconnectInterval = 100 * time.Millisecond

// Deliverer receives a raw broadcast payload for a room, with the room
// id already parsed from the bus channel name. Delivery is best-effort and must
// not block the subscriber goroutine for long.
type Deliverer interface {
	Deliver(roomID int, payload []byte)
}

// Subscriber is the single process-wide reader of ChannelPattern. It
// runs on its own goroutine and reconnects forever on failure; it never
// gives up, since there is no other path for bus messages to reach
// local connections.
type Subscriber struct {
	client    *redis.Client
	deliverer Deliverer
}

// NewSubscriber returns a Subscriber that forwards every delivery on
// ChannelPattern to deliverer.
func NewSubscriber(client *redis.Client, deliverer Deliverer) *Subscriber {
	return &Subscriber{client: client, deliverer: deliverer}
}

// Run subscribes to ChannelPattern and blocks until ctx is cancelled,
// reconnecting at reconnectInterval whenever the underlying PubSub
// connection fails.
func (s *Subscriber) Run(ctx context.Context) {
	log := logging.Op()
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.runOnce(ctx); err != nil {
			log.Warn("bus subscriber connection failed, reconnecting", "err", err, "retry_in", reconnectInterval)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
		}
	}
}

// runOnce owns a single PubSub connection until it fails or ctx ends.
func (s *Subscriber) runOnce(ctx context.Context) error {
	pubsub := s.client.PSubscribe(ctx, ChannelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	log := logging.Op()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			roomID, err := RoomFromChannel(msg.Channel)
			if err != nil {
				log.Warn("bus subscriber got unparsable channel", "channel", msg.Channel, "err", err)
				continue
			}
			s.deliverer.Deliver(roomID, []byte(msg.Payload))
		}
	}
}
