// Package broker implements the Queue Fabric: a per-room durable topic
// structure over RabbitMQ. One persistent queue per room, bound via a
// direct exchange using roomId as the routing key, plus a shared
// dead-letter exchange/queue.
package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// ExchangeName is the direct exchange rooms publish through.
	ExchangeName = "chat.exchange"
	// DLXName is the dead-letter exchange bound by overflowed/rejected
	// room queues.
	DLXName = "chat.dlx.exchange"
	// DLQName is the single dead-letter queue bound to DLXName.
	DLQName = "chat.dlq"
	// DLQRoutingKey is the routing key room queues dead-letter onto.
	DLQRoutingKey = "dlq"
	// MaxQueueLength bounds each room queue (spec.md §2).
	MaxQueueLength = 50000
)

// RoomQueueName returns the durable queue name for a room.
func RoomQueueName(roomID int) string {
	return fmt.Sprintf("chat.room.%d", roomID)
}

// Topology declares the exchanges, the DLQ, and one queue per room,
// idempotently — safe to call on every process start.
type Topology struct {
	conn    *amqp.Connection
	minRoom int
	maxRoom int
}

// NewTopology returns a Topology bound to conn, declaring rooms in
// [minRoom, maxRoom] inclusive.
func NewTopology(conn *amqp.Connection, minRoom, maxRoom int) *Topology {
	return &Topology{conn: conn, minRoom: minRoom, maxRoom: maxRoom}
}

// Declare idempotently creates chat.exchange, chat.dlx.exchange,
// chat.dlq, and chat.room.{minRoom..maxRoom}, each bound per the wire
// contract in spec.md §6.
func (t *Topology) Declare() error {
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("open declare channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(ExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", ExchangeName, err)
	}
	if err := ch.ExchangeDeclare(DLXName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", DLXName, err)
	}
	if _, err := ch.QueueDeclare(DLQName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", DLQName, err)
	}
	if err := ch.QueueBind(DLQName, DLQRoutingKey, DLXName, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", DLQName, err)
	}

	for room := t.minRoom; room <= t.maxRoom; room++ {
		name := RoomQueueName(room)
		routingKey := fmt.Sprintf("%d", room)
		args := amqp.Table{
			"x-dead-letter-exchange":    DLXName,
			"x-dead-letter-routing-key": DLQRoutingKey,
			"x-max-length":              int32(MaxQueueLength),
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
		if err := ch.QueueBind(name, routingKey, ExchangeName, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}
