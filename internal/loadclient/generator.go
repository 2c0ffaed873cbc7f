package loadclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oriys/chatflow/internal/chatmsg"
	"github.com/oriys/chatflow/internal/circuitbreaker"
	"github.com/oriys/chatflow/internal/config"
	"github.com/oriys/chatflow/internal/logging"
	"github.com/oriys/chatflow/internal/metrics"
)

const maxRetries = 5

// Job is one synthetic chat message the generator wants delivered and
// acknowledged.
type Job struct {
	RoomID  int
	Message chatmsg.ChatMessage
}

// Generator is the closed-loop load driver of spec.md §4.4: a single
// producer feeding a bounded queue, drained by a fixed worker pool
// that pools connections per room, retries with backoff, and consults
// a per-room circuit breaker before every attempt.
type Generator struct {
	cfg       config.LoadClientConfig
	pool      *Pool
	breakers  *circuitbreaker.Registry
	metrics   *metrics.Metrics
	queue     chan Job
	stopCh    chan struct{}
	wg        sync.WaitGroup
	queueSize int32mu
}

// int32mu is an atomic-ish queue depth counter; kept as a plain struct
// field (guarded by its own mutex) rather than sync/atomic since reads
// only happen on the back-pressure check, not the hot send path.
type int32mu struct {
	mu    sync.Mutex
	value int
}

func (c *int32mu) add(delta int) int {
	c.mu.Lock()
	c.value += delta
	v := c.value
	c.mu.Unlock()
	return v
}

func (c *int32mu) get() int {
	c.mu.Lock()
	v := c.value
	c.mu.Unlock()
	return v
}

// NewGenerator builds a Generator dialing the edge over pool using the
// given breaker registry. Jobs carry their own room; the caller supplies
// the traffic shape through Submit.
func NewGenerator(cfg config.LoadClientConfig, pool *Pool, breakers *circuitbreaker.Registry, m *metrics.Metrics) *Generator {
	return &Generator{
		cfg:      cfg,
		pool:     pool,
		breakers: breakers,
		metrics:  m,
		queue:    make(chan Job, cfg.GeneratorCapacity),
		stopCh:   make(chan struct{}),
	}
}

// Submit enqueues a job, blocking if the queue is at capacity. It
// returns ctx.Err() if ctx is cancelled first.
func (g *Generator) Submit(ctx context.Context, job Job) error {
	select {
	case g.queue <- job:
		g.queueSize.add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches cfg.Workers worker goroutines draining the queue.
func (g *Generator) Start() {
	for i := 0; i < g.cfg.Workers; i++ {
		g.wg.Add(1)
		go g.runWorker(i)
	}
}

// Stop tells the workers to exit once their current job finishes and
// waits for them, up to the caller's context deadline. Jobs still in
// the queue are not sent, and Submit keeps accepting jobs after Stop.
func (g *Generator) Stop(ctx context.Context) {
	close(g.stopCh)
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Op().Warn("load client generator stop timed out, workers still draining")
	}
}

func (g *Generator) runWorker(id int) {
	defer g.wg.Done()
	log := logging.Op().With("worker", id)

	for {
		select {
		case <-g.stopCh:
			return
		case job, ok := <-g.queue:
			if !ok {
				return
			}
			g.queueSize.add(-1)
			g.backpressure()
			g.attempt(job, log)
		}
	}
}

// backpressure sleeps 10ms per spec.md §4.4 when the generator queue
// depth exceeds BackpressureAt, slowing senders down without dropping
// work.
func (g *Generator) backpressure() {
	if g.cfg.BackpressureAt > 0 && g.queueSize.get() > g.cfg.BackpressureAt {
		time.Sleep(10 * time.Millisecond)
	}
}

func (g *Generator) breakerKey(roomID int) string {
	return fmt.Sprintf("room-%d", roomID)
}

func (g *Generator) breakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: g.cfg.BreakerFailThresh,
		OpenFor:          g.cfg.BreakerOpenFor,
		HalfOpenSuccess:  g.cfg.BreakerHalfOpenOK,
	}
}

// attempt drives one job through up to maxRetries send/await cycles,
// honoring the circuit breaker and exponential backoff between
// retries.
func (g *Generator) attempt(job Job, log *slog.Logger) {
	breaker := g.breakers.Get(g.breakerKey(job.RoomID), g.breakerConfig())

	for try := 1; try <= maxRetries; try++ {
		for !breaker.Allow() {
			time.Sleep(100 * time.Millisecond)
		}

		start := time.Now()
		err := g.sendOnce(job)
		elapsed := time.Since(start)

		if err == nil {
			breaker.RecordSuccess()
			g.metrics.RoundTripDuration(float64(elapsed.Milliseconds()))
			g.metrics.PoolAcquisition(strconv.Itoa(job.RoomID), true)
			return
		}

		breaker.RecordFailure()
		g.metrics.PoolAcquisition(strconv.Itoa(job.RoomID), false)
		if try < maxRetries {
			g.metrics.RecordRetry()
			backoff := time.Duration(100*(1<<uint(try-1))) * time.Millisecond
			time.Sleep(backoff)
		} else {
			log.Warn("load client job exhausted retries", "room", job.RoomID, "err", err)
		}
	}
}

// sendOnce obtains a pooled connection, sends the message, and awaits
// its ACK/reject envelope within ResponseTimeout. A timed-out or
// unhealthy connection is evicted rather than returned, matching
// spec.md §4.4.1's health contract.
func (g *Generator) sendOnce(job Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.HandshakeDeadline)
	defer cancel()

	pc, err := g.pool.Acquire(ctx, job.RoomID)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}

	if err := pc.WriteJSON(job.Message); err != nil {
		g.pool.Evict(pc)
		return fmt.Errorf("send: %w", err)
	}

	pc.Conn.SetReadDeadline(time.Now().Add(g.cfg.ResponseTimeout))
	_, payload, err := pc.Conn.ReadMessage()
	if err != nil {
		g.pool.Evict(pc)
		return fmt.Errorf("await response: %w", err)
	}

	if !responseOK(payload) {
		g.pool.Release(pc)
		return fmt.Errorf("rejected: %s", string(payload))
	}

	g.pool.Release(pc)
	return nil
}

// responseOK reports whether payload is an OutboundAccept with
// status "OK" rather than an OutboundError envelope.
func responseOK(payload []byte) bool {
	var accept chatmsg.OutboundAccept
	if err := json.Unmarshal(payload, &accept); err != nil {
		return false
	}
	return accept.Status == "OK"
}

// RandomMessage builds a synthetic ChatMessage for roomID, used by the
// CLI entrypoint to populate the generator queue with varied traffic.
func RandomMessage(roomID, userID int) chatmsg.ChatMessage {
	return chatmsg.ChatMessage{
		UserID:      userID,
		Username:    fmt.Sprintf("loadtest%d", userID%1000),
		Message:     fmt.Sprintf("synthetic load message %d", rand.Intn(1_000_000)),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		MessageType: chatmsg.MessageTypeText,
		RoomID:      roomID,
	}
}

// DialEdge is the production Dialer: it opens a WebSocket connection
// to targetURL's per-room path within the given handshake deadline.
func DialEdge(targetURL string, handshakeDeadline time.Duration) Dialer {
	dialer := &websocket.Dialer{HandshakeTimeout: handshakeDeadline}
	return func(ctx context.Context, roomID int) (*websocket.Conn, error) {
		url := fmt.Sprintf("%s/chat/%d", targetURL, roomID)
		conn, _, err := dialer.DialContext(ctx, url, nil)
		return conn, err
	}
}
