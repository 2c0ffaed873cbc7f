// Package consumer implements the Consumer: per-room worker pools that
// drain the Queue Fabric, republish to the Bus Bridge, and hand off to
// the batch database writer.
package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oriys/chatflow/internal/broker"
	"github.com/oriys/chatflow/internal/bus"
	"github.com/oriys/chatflow/internal/chatmsg"
	"github.com/oriys/chatflow/internal/config"
	"github.com/oriys/chatflow/internal/logging"
	"github.com/oriys/chatflow/internal/metrics"
	"github.com/oriys/chatflow/internal/observability"
)

// Config configures a room's worker pool.
type Config struct {
	MinRoom          int
	MaxRoom          int
	WorkersPerRoom   int
	Prefetch         int
	AckBatchSize     int
	AckFlushInterval time.Duration
}

// FromConsumerConfig builds a worker pool Config out of the ambient
// ConsumerConfig section, for minRoom..maxRoom inclusive.
func FromConsumerConfig(cfg config.ConsumerConfig, minRoom, maxRoom int) Config {
	return Config{
		MinRoom:          minRoom,
		MaxRoom:          maxRoom,
		WorkersPerRoom:   cfg.ConsumersPerRoom,
		Prefetch:         cfg.PrefetchCount,
		AckBatchSize:     cfg.AckBatchSize,
		AckFlushInterval: 200 * time.Millisecond,
	}
}

// Pool owns one worker goroutine per (room, replica) pair, pinned to
// that room's broker queue, per spec.md §4.3's "N workers per room
// across R rooms" layout.
type Pool struct {
	conn  *amqp.Connection
	bus   *bus.Publisher
	dbw   *DBWriter
	m     *metrics.Metrics
	cfg   Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool returns a Pool that will drain rooms [cfg.MinRoom, cfg.MaxRoom].
func NewPool(conn *amqp.Connection, busPub *bus.Publisher, dbw *DBWriter, m *metrics.Metrics, cfg Config) *Pool {
	return &Pool{
		conn:   conn,
		bus:    busPub,
		dbw:    dbw,
		m:      m,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start launches cfg.WorkersPerRoom workers for every room in range.
func (p *Pool) Start() {
	log := logging.Op()
	for room := p.cfg.MinRoom; room <= p.cfg.MaxRoom; room++ {
		for replica := 0; replica < p.cfg.WorkersPerRoom; replica++ {
			p.wg.Add(1)
			go p.runWorker(room, replica)
		}
	}
	log.Info("consumer pool started", "rooms", p.cfg.MaxRoom-p.cfg.MinRoom+1, "workers_per_room", p.cfg.WorkersPerRoom)
}

// Stop signals every worker to drain and exit, then waits for them.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	logging.Op().Info("consumer pool stopped")
}

// runWorker owns one room's consumer channel for its whole lifetime.
func (p *Pool) runWorker(room, replica int) {
	defer p.wg.Done()
	log := logging.Op().With("room", room, "replica", replica)

	cons, deliveries, err := broker.NewConsumer(p.conn, room, p.cfg.Prefetch)
	if err != nil {
		log.Error("failed to start room consumer", "err", err)
		return
	}
	defer cons.Cancel()

	ackCount := 0
	ticker := time.NewTicker(p.cfg.AckFlushInterval)
	defer ticker.Stop()

	flush := func() {
		if err := cons.AckBatch(); err != nil {
			log.Error("ack batch failed", "err", err)
		}
		ackCount = 0
	}

	for {
		select {
		case <-p.stopCh:
			// Per spec.md §4.3: multi-ack remaining batched tags before exit.
			flush()
			return

		case <-ticker.C:
			if ackCount > 0 {
				flush()
			}

		case d, ok := <-deliveries:
			if !ok {
				flush()
				return
			}
			if p.handleDelivery(room, cons, d, log) {
				ackCount++
				if ackCount >= p.cfg.AckBatchSize {
					flush()
				}
			}
		}
	}
}

// handleDelivery runs the 3-step pipeline for one delivery: publish to
// bus, offer to the DB writer, track for batched ack. It returns true
// if the delivery should be counted toward the next ack batch (i.e. it
// was not individually nacked).
func (p *Pool) handleDelivery(room int, cons *broker.Consumer, d amqp.Delivery, log *slog.Logger) bool {
	var queued chatmsg.QueuedMessage
	if err := json.Unmarshal(d.Body, &queued); err != nil {
		log.Warn("dropping undecodable delivery", "err", err)
		if nackErr := cons.Nack(d.DeliveryTag); nackErr != nil {
			log.Error("nack failed for undecodable delivery", "err", nackErr)
		}
		return false
	}

	parentCtx := observability.InjectTraceContext(context.Background(), observability.TraceContext{
		TraceParent: queued.TraceParent,
		TraceState:  queued.TraceState,
	})
	ctx, span := observability.StartSpan(parentCtx, "consumer.handle_delivery",
		observability.AttrRoomID.Int(room),
		observability.AttrUserID.Int(queued.UserID),
		observability.AttrDeliveryTag.Int64(int64(d.DeliveryTag)),
	)
	defer span.End()
	log = log.With("trace_id", observability.GetTraceID(ctx))

	broadcast := chatmsg.NewBroadcastMessage(queued, time.Now().UnixMilli())
	payload, err := json.Marshal(broadcast)
	if err != nil {
		log.Error("failed to encode broadcast payload", "err", err)
		observability.SetSpanError(span, err)
		if nackErr := cons.Nack(d.DeliveryTag); nackErr != nil {
			log.Error("nack failed after encode error", "err", nackErr)
		}
		return false
	}

	busCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	busErr := p.bus.Publish(busCtx, room, payload)
	cancel()
	if busErr != nil {
		log.Error("bus publish failed, nacking delivery", "err", busErr)
		if p.m != nil {
			p.m.BusPublish(roomLabel(room), false)
		}
		observability.SetSpanError(span, busErr)
		if nackErr := cons.Nack(d.DeliveryTag); nackErr != nil {
			log.Error("nack failed after bus publish error", "err", nackErr)
		}
		return false
	}
	if p.m != nil {
		p.m.BusPublish(roomLabel(room), true)
	}

	if !p.dbw.Offer(queued) {
		if p.m != nil {
			p.m.DBRowsDropped(1)
		}
		log.Warn("db write queue full, dropping message from persistence", "user_id", queued.UserID)
	}

	observability.SetSpanOK(span)
	cons.Observe(d.DeliveryTag)
	return true
}

func roomLabel(room int) string {
	return strconv.Itoa(room)
}
