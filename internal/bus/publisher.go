package bus

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/chatflow/internal/logging"
	"github.com/oriys/chatflow/internal/metrics"
)

const (
	// batchSize is the number of pipelined PUBLISH commands flushed
	// together once the hand-off queue has that much waiting.
	batchSize = 100
	// flushTimeout bounds how long a partial batch waits before being
	// flushed anyway.
	flushTimeout = 10 * time.Millisecond
	// errorBackoff is the pause before a publisher retries with a fresh
	// connection after a pipeline error.
	errorBackoff = 100 * time.Millisecond
)

// item is a single queued bus publish.
type item struct {
	roomID  int
	payload []byte
}

// Publisher decouples consumer worker goroutines from Redis by handing
// outbound broadcasts off to a bounded queue drained by one dedicated
// goroutine, which pipelines them in batches. Publisher never drops a
// message: on error it retries with a new connection until it
// succeeds, per the Bus Bridge's at-least-once contract.
type Publisher struct {
	client *redis.Client
	queue  chan item
	m      *metrics.Metrics

	done chan struct{}
}

// NewPublisher returns a Publisher with a queue of the given capacity
// (the pipeline default is 10 000).
func NewPublisher(client *redis.Client, capacity int, m *metrics.Metrics) *Publisher {
	return &Publisher{
		client: client,
		queue:  make(chan item, capacity),
		m:      m,
		done:   make(chan struct{}),
	}
}

// Publish hands off a broadcast for roomID to the publisher's queue. It
// blocks if the queue is full, applying back-pressure to the caller
// rather than dropping — the consumer pipeline's ordering invariant
// requires every broadcast to eventually reach the bus before its
// broker delivery is acknowledged.
func (p *Publisher) Publish(ctx context.Context, roomID int, payload []byte) error {
	select {
	case p.queue <- item{roomID: roomID, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue, building pipelined batches until ctx is
// cancelled. It should run on its own goroutine.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)
	batch := make([]item, 0, batchSize)
	timer := time.NewTimer(flushTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.flushWithRetry(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued before returning. ctx is
			// already cancelled here, so the final flushes run on a
			// context that keeps its values but not its cancellation.
			drainCtx := context.WithoutCancel(ctx)
			for {
				select {
				case it := <-p.queue:
					batch = append(batch, it)
					if len(batch) >= batchSize {
						p.flushWithRetry(drainCtx, batch)
						batch = batch[:0]
					}
				default:
					if len(batch) > 0 {
						p.flushWithRetry(drainCtx, batch)
					}
					return
				}
			}
		case it := <-p.queue:
			batch = append(batch, it)
			if len(batch) >= batchSize {
				flush()
				timer.Reset(flushTimeout)
			}
		case <-timer.C:
			flush()
			timer.Reset(flushTimeout)
		}
	}
}

// flushWithRetry pipelines batch as PUBLISH commands, retrying against
// a fresh connection on any error until it succeeds or ctx ends.
func (p *Publisher) flushWithRetry(ctx context.Context, batch []item) {
	log := logging.Op()
	for {
		if ctx.Err() != nil {
			return
		}
		pipe := p.client.Pipeline()
		for _, it := range batch {
			pipe.Publish(ctx, RoomChannel(it.roomID), it.payload)
		}
		_, err := pipe.Exec(ctx)
		if err == nil {
			if p.m != nil {
				for _, it := range batch {
					p.m.BusPublish(strconv.Itoa(it.roomID), true)
				}
			}
			return
		}
		if p.m != nil {
			for _, it := range batch {
				p.m.BusPublish(strconv.Itoa(it.roomID), false)
			}
		}
		log.Warn("bus publish batch failed, retrying with new connection", "batch_size", len(batch), "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(errorBackoff):
		}
	}
}

// Wait blocks until Run has drained the queue and exited. It does not
// stop Run itself; cancel the context passed to Run for that.
func (p *Publisher) Wait() {
	<-p.done
}
