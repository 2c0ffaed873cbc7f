package broker

import (
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ackTracker holds the pure batching bookkeeping described in the
// pipeline's ack contract: batched multi-ack is only valid while no
// NACK has been observed since the last ack; a NACK forces an
// immediate flush of everything batched so far plus itself. It has no
// AMQP dependency so it can be exercised directly in tests.
type ackTracker struct {
	mu           sync.Mutex
	highestTag   uint64
	pendingSince uint64 // lowest unacked tag in the current batch, 0 if none pending
	nacked       bool
}

// observe records tag as pending acknowledgement.
func (t *ackTracker) observe(tag uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.highestTag = tag
	if t.pendingSince == 0 {
		t.pendingSince = tag
	}
}

// batch returns the tag to multi-ack up to, and whether there is
// anything pending at all.
func (t *ackTracker) batch() (tag uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pendingSince == 0 {
		return 0, false
	}
	return t.highestTag, true
}

// settle clears pending state after a successful multi-ack.
func (t *ackTracker) settle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingSince = 0
	t.nacked = false
}

// priorBatch returns the tag to multi-ack before issuing a nack for
// tag, or 0 if there is nothing pending before it.
func (t *ackTracker) priorBatch(tag uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pendingSince != 0 && t.pendingSince < tag {
		return tag - 1
	}
	return 0
}

// markNacked clears pending state after a nack and records that one
// occurred.
func (t *ackTracker) markNacked() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingSince = 0
	t.nacked = true
}

// Consumer wraps a single AMQP channel consuming from one room queue. A
// consumer is owned by exactly one worker goroutine and delegates its
// ack batching to an ackTracker.
type Consumer struct {
	ch      *amqp.Channel
	room    int
	tracker ackTracker
}

// NewConsumer opens a fresh channel against conn, sets Qos to prefetch,
// and begins consuming RoomQueueName(room) with auto-ack disabled.
func NewConsumer(conn *amqp.Connection, room, prefetch int) (*Consumer, <-chan amqp.Delivery, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(RoomQueueName(room), "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", RoomQueueName(room), err)
	}
	return &Consumer{ch: ch, room: room, tracker: ackTracker{}}, deliveries, nil
}

// Observe records a delivered tag as pending acknowledgement.
func (c *Consumer) Observe(tag uint64) {
	c.tracker.observe(tag)
}

// AckBatch multi-acks every tag observed since the last successful ack
// or Nack, provided no NACK has occurred in between. It is a no-op if
// nothing is pending.
func (c *Consumer) AckBatch() error {
	tag, ok := c.tracker.batch()
	if !ok {
		return nil
	}
	if err := c.ch.Ack(tag, true); err != nil {
		return fmt.Errorf("multi-ack up to %d: %w", tag, err)
	}
	c.tracker.settle()
	return nil
}

// Nack rejects tag without requeue and, per spec.md §4.3, forces the
// prior batch (everything observed before tag) to flush via multi-ack
// before the NACK itself is issued, since AMQP multi-ack and multi-nack
// cannot be combined in a single call.
func (c *Consumer) Nack(tag uint64) error {
	if prior := c.tracker.priorBatch(tag); prior > 0 {
		if err := c.ch.Ack(prior, true); err != nil {
			return fmt.Errorf("flush prior batch up to %d before nack: %w", prior, err)
		}
	}
	if err := c.ch.Nack(tag, false, false); err != nil {
		return fmt.Errorf("nack %d: %w", tag, err)
	}
	c.tracker.markNacked()
	return nil
}

// Drain multi-acks any remaining batched tags. Callers must invoke this
// before exiting on cancellation, per spec.md §4.3's "on cancellation,
// the worker must multi-ack remaining batched tags before exit."
func (c *Consumer) Drain() error {
	return c.AckBatch()
}

// Cancel closes the underlying channel, implicitly cancelling delivery.
func (c *Consumer) Cancel() error {
	return c.ch.Close()
}
